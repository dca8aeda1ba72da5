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
	"os"
	"slices"
	"strings"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/log"
	"github.com/containers/accel-devmem/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar seeds the debug source map.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar seeds source prefixing.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
	// levelEnvVar seeds the severity level.
	levelEnvVar = "LOGGER_LEVEL"
	// quietEnvVar lowers the default severity level to warnings.
	quietEnvVar = "LOGGER_QUIET"
)

// srcmap tracks debugging settings for sources. The source "*" matches
// every source without an explicit setting.
type srcmap map[string]bool

var (
	klogctl = klogcontrol.Get()
	// level used when the configuration does not set one
	baseLevel = DefaultLevel
)

// parse updates the srcmap from a comma-separated list of sources, each
// optionally prefixed with a state, for instance "on:devmem,driver,off:pool".
// A state applies to the following sources until the next state. "all" is
// an alias for "*".
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}

	state := true
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if prefix, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid source map entry %q", entry)
			}
			enabled, err := parseEnabled(prefix)
			if err != nil {
				return loggerError("invalid state in source map entry %q", entry)
			}
			state, src = enabled, strings.TrimSpace(rest)
		}

		if src == "all" {
			src = "*"
		}
		(*m)[src] = state
	}

	return nil
}

// String returns the srcmap in the format accepted by parse.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// ParseLevel parses a severity level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return DefaultLevel, loggerError("invalid log level %q", name)
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		return nil
	}

	deflog.Debug("logger configuration update %+v", cfg)

	debugFlags := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debugFlags.parse(value); err != nil {
			return loggerError("failed to parse debug setting %q: %w", value, err)
		}
	}

	level := baseLevel
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = l
	}

	// with klog headers off, the source prefix is the only context left
	prefix := cfg.LogSource
	if isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.level = level
	log.setDbgMap(debugFlags)
	log.setPrefix(prefix)
	log.Unlock()

	return klogctl.Configure(&cfg.Klog)
}

func isSet(v *bool) bool {
	return v != nil && *v
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}

	if _, quiet := os.LookupEnv(quietEnvVar); quiet {
		baseLevel = LevelWarn
	}
	if value := os.Getenv(levelEnvVar); value != "" {
		if level, err := ParseLevel(value); err != nil {
			Default().Error("invalid $%s: %v", levelEnvVar, err)
		} else {
			baseLevel = level
		}
	}

	if value, ok := os.LookupEnv(debugEnvVar); ok {
		debugFlags := make(srcmap)
		if err := debugFlags.parse(value); err != nil {
			Default().Error("invalid $%s %q: %v", debugEnvVar, value, err)
		} else {
			cfg.Debug = []string{debugFlags.String()}
			Default().Info("debug flags from $%s: %s", debugEnvVar, debugFlags)
		}
	}

	if err := Configure(cfg); err != nil {
		Default().Error("initial logging configuration failed: %v", err)
	}
}
