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
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name    string
		value   string
		enabled map[string]bool
		fail    bool
	}

	for _, tc := range []*testCase{
		{
			name:    "empty",
			value:   "",
			enabled: map[string]bool{"devmem": false},
		},
		{
			name:    "plain sources default to on",
			value:   "devmem,driver",
			enabled: map[string]bool{"devmem": true, "driver": true, "registry": false},
		},
		{
			name:    "state carries over",
			value:   "off:devmem,driver,on:registry",
			enabled: map[string]bool{"devmem": false, "driver": false, "registry": true},
		},
		{
			name:    "all is a wildcard",
			value:   "all,off:driver",
			enabled: map[string]bool{"devmem": true, "driver": false, "anything": true},
		},
		{
			name:  "invalid state",
			value: "maybe:devmem",
			fail:  true,
		},
		{
			name:  "invalid entry",
			value: "on:devmem:extra",
			fail:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var m srcmap
			err := m.parse(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for src, expected := range tc.enabled {
				require.Equal(t, expected, m.enabled(src), "source %s", src)
			}
		})
	}
}

func TestConfigureDebug(t *testing.T) {
	l := Get("log-test-source")
	require.False(t, l.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"log-test-source"}}))
	require.True(t, l.DebugEnabled())

	late := Get("log-test-late")
	require.False(t, late.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"off:log-test-source"}}))
	require.False(t, l.DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"bogus:log-test-source"}}))
}

func TestRateLimited(t *testing.T) {
	rl := RateLimited("log-test-rate", time.Hour).(*rateLimited)
	require.True(t, rl.limit.Allow())
	require.False(t, rl.limit.Allow())
}

func TestSrcmapString(t *testing.T) {
	var m srcmap
	require.NoError(t, m.parse("off:pool,on:driver,devmem"))
	require.Equal(t, "on:devmem,driver,off:pool", m.String())

	var again srcmap
	require.NoError(t, again.parse(m.String()))
	require.Equal(t, m, again)
}

func TestConfigureLevel(t *testing.T) {
	defer func() {
		require.NoError(t, Configure(&cfgapi.Config{}))
	}()

	require.NoError(t, Configure(&cfgapi.Config{Level: "error"}))
	require.False(t, log.passes(LevelWarn))
	require.True(t, log.passes(LevelError))

	require.NoError(t, Configure(&cfgapi.Config{Level: "warn"}))
	require.True(t, log.passes(LevelWarn))
	require.False(t, log.passes(LevelInfo))

	require.Error(t, Configure(&cfgapi.Config{Level: "chatty"}))
}

func TestSlogHandler(t *testing.T) {
	l := log.get("log-test-slog")
	h := l.SlogHandler()

	require.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	l.EnableDebug(true)
	require.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	require.True(t, h.Enabled(context.Background(), slog.LevelError))

	h = h.WithAttrs([]slog.Attr{slog.String("session", "s1")}).
		WithGroup("pool").
		WithAttrs([]slog.Attr{slog.Int("pages", 3)})
	require.Equal(t, " session=s1 pool.pages=3", h.(*slogHandler).attrs)

	b := &strings.Builder{}
	appendAttr(b, "", slog.Group("page", slog.Int("id", 1), slog.Bool("idle", true)))
	appendAttr(b, "", slog.Attr{})
	require.Equal(t, " page.id=1 page.idle=true", b.String())

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0)
	require.NoError(t, h.Handle(context.Background(), r))
}
