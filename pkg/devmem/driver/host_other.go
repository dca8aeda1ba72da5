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

//go:build !linux

package driver

import (
	"github.com/containers/accel-devmem/pkg/mempolicy"
)

// Host is not available on this platform.
type Host struct {
	Mock
	policy *mempolicy.Policy
}

// NewHost returns an error on platforms without memfd support.
func NewHost(_ ...HostOption) (*Host, error) {
	return nil, NewError("memfd", CodeUnsupported, "host memory driver requires linux")
}

// Close is a no-op.
func (h *Host) Close() error {
	return nil
}
