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
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/accel-devmem/pkg/healthz"
	"github.com/containers/accel-devmem/pkg/metrics"
)

func TestPrometheusConfiguration(t *testing.T) {
	log.EnableDebug(true)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Gauge for testing.",
	})
	gauge.Set(42)
	if err := metrics.Register("test", gauge, metrics.WithGroup("instrumentation")); err != nil {
		t.Fatalf("failed to register test collector: %v", err)
	}

	if err := Reconfigure(&cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}); err != nil {
		t.Fatalf("failed to start instrumentation: %v", err)
	}
	defer Stop()

	address := srv.GetAddress()
	body := checkGet(t, address, "/metrics", false)
	if !strings.Contains(body, "devmem_instrumentation_test_gauge 42") {
		t.Errorf("test gauge missing from exported metrics:\n%s", body)
	}

	if err := Reconfigure(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      &cfgapi.Metrics{Enabled: []string{"none"}},
	}); err == nil {
		t.Errorf("enabling unknown metrics should have failed")
	}

	if err := Reconfigure(&cfgapi.Config{}); err != nil {
		t.Fatalf("failed to reconfigure instrumentation: %v", err)
	}
	checkGet(t, address, "/metrics", true)
	if srv.GetMux() != nil {
		t.Errorf("disabled HTTP server should have no mux")
	}
}

func TestHealthz(t *testing.T) {
	if err := Reconfigure(&cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}); err != nil {
		t.Fatalf("failed to start instrumentation: %v", err)
	}
	defer Stop()

	address := srv.GetAddress()
	if body := checkGet(t, address, "/healthz", false); body != "ok" {
		t.Errorf("unexpected healthz response %q", body)
	}

	if err := healthz.RegisterHealthChecker("broken", func() (healthz.Status, error) {
		return healthz.NonFunctional, errors.New("broken for testing")
	}); err != nil {
		t.Fatalf("failed to register health checker: %v", err)
	}
	defer healthz.UnregisterHealthChecker("broken")

	rpl, err := http.Get("http://" + address + "/healthz")
	if err != nil {
		t.Fatalf("healthz HTTP GET failed: %v", err)
	}
	rpl.Body.Close()
	if rpl.StatusCode == http.StatusOK {
		t.Errorf("healthz should have failed for a non-functional component")
	}
}

func checkGet(t *testing.T, server, path string, shouldFail bool) string {
	rpl, err := http.Get("http://" + server + path)

	switch shouldFail {
	case false:
		if err != nil {
			t.Errorf("HTTP GET %s failed: %v", path, err)
			return ""
		}
		defer rpl.Body.Close()

		if rpl.StatusCode != 200 {
			t.Errorf("HTTP GET %s failed: %s", path, rpl.Status)
			return ""
		}

		body, err := io.ReadAll(rpl.Body)
		if err != nil {
			t.Errorf("failed to read %s response: %v", path, err)
		}
		return string(body)

	case true:
		if err == nil {
			rpl.Body.Close()
			if rpl.StatusCode == 200 {
				t.Errorf("HTTP GET %s should have failed, but it didn't.", path)
			}
		}
	}

	return ""
}
