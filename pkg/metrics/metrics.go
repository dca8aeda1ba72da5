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

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/accel-devmem/pkg/log"
)

var (
	log = logger.Get("metrics")
)

const (
	// DefaultGroup is the group collectors are registered to by default.
	DefaultGroup = "default"
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// Collector is a named prometheus.Collector registered in a group. An
// enabled collector is either collected on demand or, if polled, serves
// the metrics cached during its last poll.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	enabled   bool
	polled    bool
	prefixed  bool
	cached    []prometheus.Metric
}

// Name returns the fully qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches checks if the collector matches the given glob.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Enabled returns true if the collector is enabled.
func (c *Collector) Enabled() bool {
	c.Lock()
	defer c.Unlock()
	return c.enabled
}

// Polled returns true if the collector is polled.
func (c *Collector) Polled() bool {
	c.Lock()
	defer c.Unlock()
	return c.polled
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	enabled, polled, cached := c.enabled, c.polled, c.cached
	c.Unlock()

	switch {
	case !enabled:
	case polled:
		for _, m := range cached {
			ch <- m
		}
	default:
		c.collector.Collect(ch)
	}
}

// Poll refreshes the cached metrics of a polled collector.
func (c *Collector) Poll() {
	if !c.Enabled() || !c.Polled() {
		return
	}

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}

	c.Lock()
	c.cached = metrics
	c.Unlock()
}

func (c *Collector) configure(enabled, polled bool) {
	c.Lock()
	defer c.Unlock()
	c.enabled = enabled
	c.polled = polled
	if !polled {
		c.cached = nil
	}
}

// Registry is a set of collectors organized in groups.
type Registry struct {
	sync.Mutex
	collectors []*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*Collector)

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(c *Collector) {
		if name == "" {
			name = DefaultGroup
		}
		c.group = name
	}
}

// WithPolled registers a collector in polled mode.
func WithPolled() RegisterOption {
	return func(c *Collector) {
		c.polled = true
	}
}

// WithoutGroupPrefix registers a collector without prefixing its metrics
// with the name of its group.
func WithoutGroupPrefix() RegisterOption {
	return func(c *Collector) {
		c.prefixed = false
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a collector to the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     DefaultGroup,
		enabled:   true,
		prefixed:  true,
	}
	for _, o := range options {
		o(c)
	}

	r.Lock()
	defer r.Unlock()

	if slices.ContainsFunc(r.collectors, func(o *Collector) bool { return o.Name() == c.Name() }) {
		return fmt.Errorf("metrics: collector %q already registered", c.Name())
	}
	r.collectors = append(r.collectors, c)

	log.Info("registered collector %q", c.Name())

	return nil
}

// Collectors returns the registered collectors.
func (r *Registry) Collectors() []*Collector {
	r.Lock()
	defer r.Unlock()
	return slices.Clone(r.collectors)
}

// Configure enables the collectors matching any of the enabled globs and
// disables the rest. Collectors matching any of the polled globs are also
// enabled and switched to polled mode. Globs other than "*" which match no
// collector are an error.
func (r *Registry) Configure(enabled, polled []string) error {
	r.Lock()
	defer r.Unlock()

	log.Info("configuring collectors, enabled: [%s], polled: [%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	matched := map[string]bool{}
	match := func(c *Collector, globs []string) bool {
		found := false
		for _, glob := range globs {
			if c.Matches(glob) {
				matched[glob] = true
				found = true
			}
		}
		return found
	}

	for _, c := range r.collectors {
		var (
			isPolled  = match(c, polled) || c.Polled()
			isEnabled = match(c, enabled) || slices.ContainsFunc(polled, c.Matches)
		)
		c.configure(isEnabled, isPolled && isEnabled)
		log.Debug("collector %q: enabled %v, polled %v", c.Name(), c.Enabled(), c.Polled())
	}

	var unmatched []string
	for _, glob := range append(slices.Clone(enabled), polled...) {
		if !matched[glob] && glob != "*" {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return nil
}

// Poll refreshes all polled collectors.
func (r *Registry) Poll() {
	var wg sync.WaitGroup
	for _, c := range r.Collectors() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	}
	wg.Wait()
}

func (r *Registry) hasPolled() bool {
	return slices.ContainsFunc(r.Collectors(), func(c *Collector) bool {
		return c.Enabled() && c.Polled()
	})
}

// Gatherer gathers the metrics of the collectors of a Registry, prefixing
// them with a namespace and the group of their collector.
type Gatherer struct {
	*prometheus.Registry
	sync.Mutex
	r         *Registry
	namespace string
	enabled   []string
	polled    []string
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// WithPollInterval sets the interval of polling collectors.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.interval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables periodic polling.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.interval = 0
	}
}

// NewGatherer creates a gatherer for the registry. Unless polling is
// disabled, it periodically polls collectors in polled mode until stopped.
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		r:        r,
		enabled:  []string{"*"},
		interval: DefaultPollInterval,
	}
	for _, o := range options {
		o(g)
	}

	if err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	for _, c := range r.Collectors() {
		prefix := g.namespace
		if c.prefixed {
			prefix = join(prefix, c.group)
		}
		reg := prometheus.Registerer(g.Registry)
		if prefix != "" {
			reg = prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %q: %w", c.Name(), err)
		}
	}

	if r.hasPolled() {
		r.Poll()
		if g.interval > 0 {
			g.stopCh = make(chan struct{})
			g.doneCh = make(chan struct{})
			go g.poller()
		}
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.Lock()
	defer g.Unlock()
	return g.Registry.Gather()
}

// Poll refreshes all polled collectors.
func (g *Gatherer) Poll() {
	g.Lock()
	defer g.Unlock()
	g.r.Poll()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

func (g *Gatherer) poller() {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.Poll()
		}
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	return defaultRegistry.Register(name, collector, options...)
}

// MustRegister registers a collector with the default registry or panics.
func MustRegister(name string, collector prometheus.Collector, options ...RegisterOption) {
	if err := Register(name, collector, options...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(options ...GathererOption) (*Gatherer, error) {
	return defaultRegistry.NewGatherer(options...)
}
