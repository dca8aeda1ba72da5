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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1"
	"github.com/containers/accel-devmem/pkg/config"
	"github.com/containers/accel-devmem/pkg/devmem/driver"
	logger "github.com/containers/accel-devmem/pkg/log"
	"github.com/containers/accel-devmem/pkg/mempolicy"
)

var (
	log = logger.Get("devmem-sim")

	// Global flags
	configFile string
	driverName string
	capacity   string
	memPolicy  string
	jsonOut    bool

	// Loaded configuration.
	cfg *cfgapi.DevmemConfig

	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "devmem-sim",
	Short: "Exercise the device memory allocator",
	Long: `devmem-sim drives session allocators with scripted workloads against a
mock device driver or host memory, and exposes allocator metrics and health
over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Allocator configuration file")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", "mock", "Memory driver to use (mock or host)")
	rootCmd.PersistentFlags().StringVar(&capacity, "capacity", "", "Physical memory capacity of the mock driver")
	rootCmd.PersistentFlags().StringVar(&memPolicy, "mempolicy", "", "NUMA memory policy of the host driver, for instance MPOL_BIND:0")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func setup() error {
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logger.Configure(&c.Spec.Log); err != nil {
		return err
	}
	logger.SetSlogLogger("slog")
	cfg = c
	return nil
}

func newDriver() (driver.Driver, func(), error) {
	switch driverName {
	case "mock":
		var options []driver.MockOption
		if capacity != "" {
			size, err := parseSize(capacity)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid mock capacity %q: %w", capacity, err)
			}
			options = append(options, driver.WithCapacity(size))
		}
		return driver.NewMock(options...), func() {}, nil
	case "host":
		var options []driver.HostOption
		if memPolicy != "" {
			policy, err := mempolicy.ParsePolicy(memPolicy)
			if err != nil {
				return nil, nil, err
			}
			options = append(options, driver.WithMemoryPolicy(policy))
		}
		h, err := driver.NewHost(options...)
		if err != nil {
			return nil, nil, err
		}
		return h, func() {
			if err := h.Close(); err != nil {
				log.Error("failed to close host driver: %v", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", driverName)
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(stdout, format, args...)
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}

func main() {
	execute()
}
