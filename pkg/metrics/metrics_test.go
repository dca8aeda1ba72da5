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

package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/containers/accel-devmem/pkg/metrics"
)

func TestPrefixing(t *testing.T) {
	type testCase struct {
		name      string
		namespace string
		options   []metrics.RegisterOption
		metric    string
	}

	for _, tc := range []*testCase{
		{
			name:   "default group",
			metric: "default_gauge",
		},
		{
			name:    "custom group",
			options: []metrics.RegisterOption{metrics.WithGroup("pool")},
			metric:  "pool_gauge",
		},
		{
			name:    "without group prefix",
			options: []metrics.RegisterOption{metrics.WithoutGroupPrefix()},
			metric:  "gauge",
		},
		{
			name:      "namespace and group",
			namespace: "accel",
			options:   []metrics.RegisterOption{metrics.WithGroup("pool")},
			metric:    "accel_pool_gauge",
		},
		{
			name:      "namespace only",
			namespace: "accel",
			options:   []metrics.RegisterOption{metrics.WithoutGroupPrefix()},
			metric:    "accel_gauge",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := metrics.NewRegistry()
			gauge := newGauge(t, r, "gauge", tc.options...)
			gauge.Set(3)

			g, err := r.NewGatherer(metrics.WithNamespace(tc.namespace), metrics.WithoutPolling())
			require.NoError(t, err)
			defer g.Stop()

			expected := "# HELP " + tc.metric + " Test gauge.\n" +
				"# TYPE " + tc.metric + " gauge\n" +
				tc.metric + " 3\n"
			require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(expected), tc.metric))
		})
	}
}

func TestConfigure(t *testing.T) {
	r := metrics.NewRegistry()
	newGauge(t, r, "used", metrics.WithGroup("pool"))
	newGauge(t, r, "free", metrics.WithGroup("pool"))
	newGauge(t, r, "peak", metrics.WithGroup("merger"))

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"pool/used", "merger"}, nil))
	require.NoError(t, err)
	defer g.Stop()

	count, err := testutil.GatherAndCount(g)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(g, "pool_free")
	require.NoError(t, err)
	require.Zero(t, count, "disabled collector must not be collected")

	require.Error(t, r.Configure([]string{"nonexistent*"}, nil))
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newGauge(t, r, "gauge")
	require.Error(t, r.Register("gauge", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gauge",
		Help: "Duplicate gauge.",
	})))
}

func TestPolling(t *testing.T) {
	r := metrics.NewRegistry()
	p := &polledGauge{desc: prometheus.NewDesc("value", "Polled value.", nil, nil)}
	require.NoError(t, r.Register("value", p, metrics.WithoutGroupPrefix()))

	g, err := r.NewGatherer(metrics.WithMetrics(nil, []string{"value"}), metrics.WithoutPolling())
	require.NoError(t, err)
	defer g.Stop()

	collected := func() float64 {
		mfs, err := g.Gather()
		require.NoError(t, err)
		require.Len(t, mfs, 1)
		return mfs[0].GetMetric()[0].GetGauge().GetValue()
	}

	require.Equal(t, float64(0), collected())

	p.value = 5
	require.Equal(t, float64(0), collected(), "polled metric served from cache")

	g.Poll()
	require.Equal(t, float64(5), collected())
}

func TestHTTPExposure(t *testing.T) {
	r := metrics.NewRegistry()
	newGauge(t, r, "gauge").Set(7)

	g, err := r.NewGatherer(metrics.WithNamespace("test"), metrics.WithoutPolling())
	require.NoError(t, err)
	defer g.Stop()

	srv := httptest.NewServer(promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.PanicOnError,
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "test_default_gauge 7")
}

func newGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) prometheus.Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "Test gauge.",
	})
	require.NoError(t, r.Register(name, gauge, options...))
	return gauge
}

type polledGauge struct {
	desc  *prometheus.Desc
	value float64
}

func (p *polledGauge) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *polledGauge) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, p.value)
}
