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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/containers/accel-devmem/pkg/config"
	"github.com/containers/accel-devmem/pkg/devmem"
	"github.com/containers/accel-devmem/pkg/instrumentation"
	"github.com/containers/accel-devmem/pkg/metrics"
)

var (
	listenAddr  string
	linger      bool
	dumpMetrics bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Serve metrics and health on this address, overriding the configuration")
	cmd.Flags().BoolVar(&linger, "linger", false, "Keep serving after the workload is done, until interrupted")
	cmd.Flags().BoolVar(&dumpMetrics, "metrics", false, "Print allocator metrics once the workload is done")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <workload>",
		Short: "Run a workload",
		Long: `The run command executes a scripted allocator workload and prints the
resulting allocator statistics.

Example:
  devmem-sim run workload.yaml
  devmem-sim run --config devmem.yaml --metrics workload.yaml
  devmem-sim run --listen :8891 --linger workload.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWorkload(ctx, args[0])
		},
	}
}

func runWorkload(ctx context.Context, path string) (retErr error) {
	w, err := LoadWorkload(path)
	if err != nil {
		return err
	}

	opts, err := config.Options(&cfg.Spec.AllocatorConfig)
	if err != nil {
		return err
	}

	drv, closeDriver, err := newDriver()
	if err != nil {
		return err
	}
	defer closeDriver()

	r, err := devmem.NewRegistry(drv, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			retErr = multierror.Append(retErr, err)
		}
	}()

	stopInstrumentation, err := startInstrumentation(r)
	if err != nil {
		return err
	}
	defer stopInstrumentation()

	sim := NewSimulator(r)
	defer func() {
		if err := sim.Close(); err != nil {
			retErr = multierror.Append(retErr, err)
		}
	}()

	if err := sim.Run(ctx, w); err != nil {
		return err
	}

	if err := report(r, sim); err != nil {
		return err
	}

	if dumpMetrics {
		if err := printMetrics(r); err != nil {
			return err
		}
	}

	if linger && instrumentation.HTTPServer().GetAddress() != "" {
		log.Info("workload done, serving on %s until interrupted",
			instrumentation.HTTPServer().GetAddress())
		<-ctx.Done()
	}

	return nil
}

func startInstrumentation(r *devmem.Registry) (func(), error) {
	icfg := cfg.Spec.Instrumentation
	if listenAddr != "" {
		icfg.HTTPEndpoint = listenAddr
	}
	if icfg.HTTPEndpoint == "" {
		return func() {}, nil
	}

	if err := metrics.Register("allocators", devmem.NewCollector(r), metrics.WithGroup("devmem"),
		metrics.WithoutGroupPrefix()); err != nil {
		return nil, err
	}
	if err := r.RegisterHealthChecker("devmem"); err != nil {
		return nil, err
	}
	if err := instrumentation.Reconfigure(&icfg); err != nil {
		return nil, err
	}

	return instrumentation.Stop, nil
}

type runReport struct {
	Workload   Result                  `json:"workload"`
	Allocators []devmem.AllocatorStats `json:"allocators"`
}

func report(r *devmem.Registry, sim *Simulator) error {
	rpt := &runReport{Workload: sim.Result}
	for _, a := range r.Allocators() {
		rpt.Allocators = append(rpt.Allocators, a.Stats())
	}

	if jsonOut {
		return printJSON(rpt)
	}

	printInfo("steps: %d, expected failures: %d\n", rpt.Workload.Steps, rpt.Workload.Expected)
	for _, live := range rpt.Workload.Live {
		printInfo("  live %s\n", live)
	}
	for _, s := range rpt.Allocators {
		printInfo("%s/%s#%d: used %s, peak %s, mapped %s, pages %d active/%d idle, "+
			"driver allocs %d, maps %d, ledger %s\n",
			s.Session, s.Kind, s.Device, quantity(s.Used), quantity(s.Peak),
			quantity(s.MappedBytes), s.ActivePages, s.IdlePages, s.Pool.Allocs,
			s.Pool.Maps, s.Ledger)
	}

	return nil
}

func printMetrics(r *devmem.Registry) error {
	reg := metrics.NewRegistry()
	if err := reg.Register("allocators", devmem.NewCollector(r), metrics.WithoutGroupPrefix()); err != nil {
		return err
	}
	g, err := reg.NewGatherer(metrics.WithNamespace(instrumentation.ServiceName), metrics.WithoutPolling())
	if err != nil {
		return err
	}

	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(stdout, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}

	return nil
}

func quantity(size uint64) string {
	return resource.NewQuantity(int64(size), resource.BinarySI).String()
}

func parseSize(value string) (uint64, error) {
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return 0, err
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("negative size %s", value)
	}
	return uint64(q.Value()), nil
}
