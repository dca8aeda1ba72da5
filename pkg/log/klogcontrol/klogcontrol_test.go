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
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/log/klogcontrol"
)

func TestEnvVar(t *testing.T) {
	require.Equal(t, "LOGGER_SKIP_HEADERS", EnvVar("skip_headers"))
	require.Equal(t, "LOGGER_LOG_FILE_MAX_SIZE", EnvVar("log-file-max-size"))
}

func TestConfigure(t *testing.T) {
	c := newControl()

	v, vmodule := 3, "pool=4"
	require.NoError(t, c.Configure(&cfgapi.Config{V: &v, Vmodule: &vmodule}))

	value, ok := c.Value("v")
	require.True(t, ok)
	require.Equal(t, "3", value)

	_, ok = c.Value("no-such-flag")
	require.False(t, ok)

	bad := "loud"
	require.Error(t, c.Configure(&cfgapi.Config{Stderrthreshold: &bad}))
	require.NoError(t, c.Configure(nil))
}

func TestSeedFromEnv(t *testing.T) {
	type testCase struct {
		name    string
		env     map[string]string
		headers string
		fail    bool
	}

	for _, tc := range []*testCase{
		{
			name:    "no environment",
			headers: "false",
		},
		{
			name:    "journald",
			env:     map[string]string{"JOURNAL_STREAM": "8:1234"},
			headers: "true",
		},
		{
			name: "explicit headers under journald",
			env: map[string]string{
				"JOURNAL_STREAM":      "8:1234",
				"LOGGER_SKIP_HEADERS": "false",
			},
			headers: "false",
		},
		{
			name: "invalid value",
			env:  map[string]string{"LOGGER_V": "many"},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newControl()
			err := c.seedFromEnv(func(name string) (string, bool) {
				value, ok := tc.env[name]
				return value, ok
			})
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			headers, ok := c.Value("skip_headers")
			require.True(t, ok)
			require.Equal(t, tc.headers, headers)
		})
	}
}
