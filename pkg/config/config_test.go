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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/accel-devmem/pkg/config"
	"github.com/containers/accel-devmem/pkg/devmem"
)

const (
	fullConfig = `
apiVersion: config.accel-devmem.io/v1alpha1
kind: DevmemConfig
metadata:
  name: default
spec:
  pageSize: 2Mi
  fallbackPageSize: 64Ki
  regionSize: 1Gi
  maxPhysical: 512Mi
  alignment: 256
  sharePool: true
  releasePhysical: false
  consistencyCheck: true
  log:
    level: warn
    debug:
      - devmem
    source: true
  instrumentation:
    httpEndpoint: ":8891"
    reportPeriod: 10s
    metrics:
      enabled:
        - devmem
`
)

func writeConfig(t *testing.T, data string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	require.Equal(t, "default", cfg.Name)
	require.Equal(t, []string{"devmem"}, cfg.Spec.Log.Debug)
	require.True(t, cfg.Spec.Log.LogSource)
	require.Equal(t, "warn", cfg.Spec.Log.Level)
	require.Equal(t, ":8891", cfg.Spec.Instrumentation.HTTPEndpoint)
	require.Equal(t, 10*time.Second, cfg.Spec.Instrumentation.ReportPeriod.Duration)
	require.Equal(t, []string{"devmem"}, cfg.Spec.Instrumentation.Metrics.Enabled)

	opts, err := Options(&cfg.Spec.AllocatorConfig)
	require.NoError(t, err)
	require.Equal(t, devmem.Options{
		PageSize:         2 * devmem.MiB,
		FallbackPageSize: 64 * devmem.KiB,
		RegionSize:       devmem.GiB,
		MaxPhysical:      512 * devmem.MiB,
		Alignment:        256,
		SharePool:        true,
		ReleasePhysical:  false,
		RecyclePages:     true,
		ConsistencyCheck: true,
	}, opts)
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	opts, err := Options(&cfg.Spec.AllocatorConfig)
	require.NoError(t, err)
	require.Equal(t, devmem.DefaultOptions(), opts)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(ConsistencyCheckEnvVar, "true")
	t.Setenv(PageSizeEnvVar, "64Ki")

	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	opts, err := Options(&cfg.Spec.AllocatorConfig)
	require.NoError(t, err)
	require.True(t, opts.ConsistencyCheck)
	require.Equal(t, 64*devmem.KiB, opts.PageSize)
	require.Equal(t, uint64(0), opts.FallbackPageSize, "fallback equal to page size disables it")

	t.Setenv(PageSizeEnvVar, "huge")
	_, err = Load("")
	require.Error(t, err)

	t.Setenv(PageSizeEnvVar, "")
	t.Setenv(ConsistencyCheckEnvVar, "maybe")
	_, err = Load("")
	require.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	type testCase struct {
		name string
		data string
		isOf error
	}
	for _, tc := range []*testCase{
		{
			name: "unknown field",
			data: "kind: DevmemConfig\nspec:\n  pageSz: 2Mi\n",
		},
		{
			name: "wrong kind",
			data: "kind: Pod\n",
		},
		{
			name: "wrong version",
			data: "apiVersion: v1\n",
		},
		{
			name: "bad quantity",
			data: "spec:\n  regionSize: lots\n",
		},
		{
			name: "page size not a power of 2",
			data: "spec:\n  pageSize: 3Mi\n",
			isOf: devmem.ErrInvalidConfig,
		},
		{
			name: "fallback larger than page size",
			data: "spec:\n  pageSize: 2Mi\n  fallbackPageSize: 4Mi\n",
			isOf: devmem.ErrInvalidConfig,
		},
		{
			name: "negative region size",
			data: "spec:\n  regionSize: -1Gi\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			cfg, perr := Parse([]byte(tc.data))
			if perr != nil {
				err = perr
			} else {
				_, err = Options(&cfg.Spec.AllocatorConfig)
			}
			require.Error(t, err)
			if tc.isOf != nil {
				require.ErrorIs(t, err, tc.isOf)
			}
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
