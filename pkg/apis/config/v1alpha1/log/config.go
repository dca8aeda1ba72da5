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

package log

import (
	"github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Config is the logging section of the devmem configuration.
// +k8s:deepcopy-gen=true
type Config struct {
	// Level is the lowest severity emitted. Empty keeps the level set by
	// the environment.
	// +optional
	// +kubebuilder:validation:Enum=debug;info;warn;error
	Level string `json:"level,omitempty"`
	// Debug lists source maps of loggers to emit debug messages for,
	// for instance "on:devmem,off:devmem-details" or "all".
	// +optional
	Debug []string `json:"debug,omitempty"`
	// LogSource prefixes every message with the name of its logger.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog holds settings passed on to the klog backend as flags.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}
