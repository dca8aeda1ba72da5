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

package instrumentation

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/accel-devmem/pkg/healthz"
	logger "github.com/containers/accel-devmem/pkg/log"
	"github.com/containers/accel-devmem/pkg/metrics"
)

const (
	// ServiceName is our service name, used as the namespace of our metrics.
	ServiceName = "devmem"
	// HTTP path our mux serves metrics on.
	httpMetricsPath = "/metrics"
)

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Our HTTP server instance.
	srv = NewServer()
	// Our metrics gatherer.
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.NewLogger("instrumentation")
)

// HTTPServer returns our HTTP server.
func HTTPServer() *Server {
	return srv
}

// Gatherer returns our metrics gatherer, or nil if we're not running.
func Gatherer() *metrics.Gatherer {
	lock.RLock()
	defer lock.RUnlock()
	return gatherer
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Restart our instrumentation services.
func Restart() error {
	lock.Lock()
	defer lock.Unlock()

	stop()

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	cfg = newCfg
	lock.Unlock()

	return Restart()
}

func start() error {
	options := []metrics.GathererOption{
		metrics.WithNamespace(ServiceName),
	}
	if cfg.Metrics != nil {
		options = append(options, metrics.WithMetrics(cfg.Metrics.Enabled, cfg.Metrics.Polled))
	}
	if period := cfg.ReportPeriod.Duration; period > 0 {
		options = append(options, metrics.WithPollInterval(period))
	}

	g, err := metrics.NewGatherer(options...)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	gatherer = g

	if err := srv.Start(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if mux := srv.GetMux(); mux != nil {
		mux.Handle(httpMetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
			ErrorLog:      promLogger{},
		}))
		healthz.Setup(mux)
	}

	return nil
}

func stop() {
	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
	srv.Stop()
}

type promLogger struct{}

func (promLogger) Println(args ...interface{}) {
	log.Error("%s", fmt.Sprint(args...))
}
