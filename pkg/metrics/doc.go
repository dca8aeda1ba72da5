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

// Package metrics is a thin layer over prometheus for registering named
// collectors in groups, enabling them selectively by glob, and caching the
// output of expensive collectors which are polled periodically instead of
// being collected on every scrape.
//
//	metrics.MustRegister("devmem", devmem.NewCollector(reg), metrics.WithPolled())
//
//	g, err := metrics.NewGatherer(metrics.WithNamespace("accel"))
//	if err != nil {
//	    return err
//	}
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
