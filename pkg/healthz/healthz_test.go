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

package healthz_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/accel-devmem/pkg/healthz"
)

func TestHealthz(t *testing.T) {
	var status Status
	require.NoError(t, RegisterHealthChecker("test", func() (Status, error) {
		if status == Healthy {
			return Healthy, nil
		}
		return status, errors.New("broken")
	}))
	defer UnregisterHealthChecker("test")

	require.Error(t, RegisterHealthChecker("test", nil), "duplicate checker")

	mux := http.NewServeMux()
	Setup(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	get := func() (int, string) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get()
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	status = NonFunctional
	code, body = get()
	require.Equal(t, http.StatusInternalServerError, code)
	require.Contains(t, body, "test: broken")

	s, details := Check()
	require.Equal(t, NonFunctional, s)
	require.Len(t, details, 1)
}
