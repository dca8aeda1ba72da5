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

package devmem

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/accel-devmem/pkg/healthz"
)

var (
	allocatorLabels = []string{"session", "device", "kind", "page_size"}
)

// Collector exports the state of the allocators of a Registry as
// prometheus metrics.
type Collector struct {
	r         *Registry
	used      *prometheus.Desc
	peak      *prometheus.Desc
	mapped    *prometheus.Desc
	region    *prometheus.Desc
	pageSize  *prometheus.Desc
	allocs    *prometheus.Desc
	active    *prometheus.Desc
	idle      *prometheus.Desc
	freePages *prometheus.Desc
	drvAllocs *prometheus.Desc
	drvMaps   *prometheus.Desc
	failures  *prometheus.Desc
	fallback  *prometheus.Desc
	flagged   *prometheus.Desc
}

// NewCollector creates a metrics collector for the given registry.
func NewCollector(r *Registry) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, allocatorLabels, nil)
	}
	return &Collector{
		r:         r,
		used:      desc("used_bytes", "Memory currently allocated."),
		peak:      desc("peak_bytes", "Highest amount of memory allocated at once."),
		mapped:    desc("mapped_bytes", "Physical memory mapped into the virtual region."),
		region:    desc("region_bytes", "Size of the reserved virtual region."),
		pageSize:  desc("page_size_bytes", "Physical page size in use."),
		allocs:    desc("allocations", "Number of live allocations."),
		active:    desc("active_pages", "Pages backing live allocations."),
		idle:      desc("idle_pages", "Pages kept mapped for reuse."),
		freePages: desc("free_pages", "Length of the free list of the page pool."),
		drvAllocs: desc("driver_allocations_total", "Physical pages allocated from the driver."),
		drvMaps:   desc("driver_maps_total", "Pages mapped through the driver."),
		failures:  desc("failed_allocations_total", "Failed allocation requests."),
		fallback:  desc("page_fallback", "1 if the page pool fell back to the small page size."),
		flagged:   desc("consistency_flagged", "1 if the consistency ledger detected corruption."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, a := range c.r.Allocators() {
		s := a.Stats()
		labels := []string{s.Session, strconv.Itoa(s.Device), s.Kind.String(), prettySize(s.PreferredPageSize)}

		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}
		counter := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
		}

		gauge(c.used, float64(s.Used))
		gauge(c.peak, float64(s.Peak))
		gauge(c.mapped, float64(s.MappedBytes))
		gauge(c.region, float64(s.RegionSize))
		gauge(c.pageSize, float64(s.PageSize))
		gauge(c.allocs, float64(s.Allocations))
		gauge(c.active, float64(s.ActivePages))
		gauge(c.idle, float64(s.IdlePages))
		gauge(c.freePages, float64(s.Pool.Free))
		counter(c.drvAllocs, float64(s.Pool.Allocs))
		counter(c.drvMaps, float64(s.Pool.Maps))
		counter(c.failures, float64(s.Failures))
		gauge(c.fallback, boolValue(s.Pool.FellBack))
		gauge(c.flagged, boolValue(s.Ledger == LedgerFlagged))
	}
}

func (c *Collector) descs() []*prometheus.Desc {
	return []*prometheus.Desc{
		c.used, c.peak, c.mapped, c.region, c.pageSize, c.allocs, c.active, c.idle,
		c.freePages, c.drvAllocs, c.drvMaps, c.failures, c.fallback, c.flagged,
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// HealthCheck reports the registry NonFunctional if the consistency ledger
// of any of its allocators is flagged.
func (r *Registry) HealthCheck() (healthz.Status, error) {
	var flagged []string
	for _, a := range r.Allocators() {
		if a.LedgerState() == LedgerFlagged {
			flagged = append(flagged, fmt.Sprintf("%s (%s)", a, a.Ledger().Reason()))
		}
	}

	if len(flagged) > 0 {
		return healthz.NonFunctional, fmt.Errorf("%w: %v", ErrCorruptionDetected, flagged)
	}
	return healthz.Healthy, nil
}

// RegisterHealthChecker registers a health checker for the registry.
func (r *Registry) RegisterHealthChecker(name string) error {
	return healthz.RegisterHealthChecker(name, r.HealthCheck)
}
