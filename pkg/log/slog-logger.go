// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// slogHandler emits slog records through a Logger. Attributes are appended
// to the message as key=value pairs, qualified by their group.
type slogHandler struct {
	l      logger
	attrs  string
	groups string
}

var _ slog.Handler = &slogHandler{}

// SetSlogLogger routes messages of the slog default logger to the named
// source, or to the default logger if source is empty.
func SetSlogLogger(source string) {
	l := deflog
	if source != "" {
		l = log.get(source)
	}
	slog.SetDefault(slog.New(l.SlogHandler()))
}

// SlogHandler returns a slog.Handler that emits records through l.
func (l logger) SlogHandler() slog.Handler {
	return &slogHandler{l: l}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return h.l.DebugEnabled()
	case level < slog.LevelWarn:
		return log.passes(LevelInfo)
	case level < slog.LevelError:
		return log.passes(LevelWarn)
	}
	return true
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := &strings.Builder{}
	msg.WriteString(r.Message)
	msg.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(msg, h.groups, a)
		return true
	})

	switch {
	case r.Level < slog.LevelInfo:
		h.l.Debug("%s", msg)
	case r.Level < slog.LevelWarn:
		h.l.Info("%s", msg)
	case r.Level < slog.LevelError:
		h.l.Warn("%s", msg)
	default:
		h.l.Error("%s", msg)
	}

	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	b := &strings.Builder{}
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(b, h.groups, a)
	}
	return &slogHandler{l: h.l, attrs: b.String(), groups: h.groups}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{l: h.l, attrs: h.attrs, groups: h.groups + name + "."}
}

func appendAttr(b *strings.Builder, groups string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			groups += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, groups, ga)
		}
		return
	}

	fmt.Fprintf(b, " %s%s=%s", groups, a.Key, a.Value)
}
