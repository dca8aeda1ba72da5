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

package klogcontrol

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// EnvPrefix prefixes the environment variables that seed klog flags.
	EnvPrefix = "LOGGER_"
	// journald sets this for the processes it captures.
	journalEnvVar = "JOURNAL_STREAM"
)

// Control applies runtime configuration to the klog flags.
type Control struct {
	flags *flag.FlagSet
}

var ctl = newControl()

// Get returns the process-wide klog Control.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	flags := flag.NewFlagSet("klog", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	klog.InitFlags(flags)
	return &Control{flags: flags}
}

// Configure sets every klog flag the configuration has a value for.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs *multierror.Error
	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			errs = multierror.Append(errs, klogError("flag %s=%q: %w", f.Name, value, err))
		}
	})
	return errs.ErrorOrNil()
}

// Value returns the current value of a klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// EnvVar returns the environment variable that seeds the given klog flag.
func EnvVar(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// seedFromEnv applies environment defaults to the klog flags. Headers are
// turned off under journald unless the environment says otherwise.
func (c *Control) seedFromEnv(lookup func(string) (string, bool)) error {
	var errs *multierror.Error
	c.flags.VisitAll(func(f *flag.Flag) {
		env := EnvVar(f.Name)
		value, ok := lookup(env)
		if !ok {
			if f.Name != "skip_headers" {
				return
			}
			if stream, _ := lookup(journalEnvVar); stream == "" {
				return
			}
			value = "true"
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			errs = multierror.Append(errs, klogError("%s=%q: %w", env, value, err))
		}
	})
	return errs.ErrorOrNil()
}

func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

func init() {
	if err := ctl.seedFromEnv(os.LookupEnv); err != nil {
		klog.Errorf("invalid klog environment defaults: %v", err)
	}
}
