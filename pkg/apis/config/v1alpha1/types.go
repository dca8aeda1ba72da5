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

package v1alpha1

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/accel-devmem/pkg/apis/config/v1alpha1/log"
)

const (
	// Kind is the kind of the device memory configuration object.
	Kind = "DevmemConfig"
	// APIVersion is the version of the configuration API.
	APIVersion = "config.accel-devmem.io/v1alpha1"
)

// DevmemConfig represents the configuration of the device memory allocator.
// +kubebuilder:object:root=true
type DevmemConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec DevmemConfigSpec `json:"spec"`
}

// DevmemConfigSpec describes the device memory allocator configuration.
type DevmemConfigSpec struct {
	AllocatorConfig `json:",inline"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// AllocatorConfig provides runtime configuration for session allocators.
// +k8s:deepcopy-gen=true
type AllocatorConfig struct {
	// PageSize is the preferred (huge) physical page size.
	// +optional
	// +kubebuilder:default="1Gi"
	PageSize *resource.Quantity `json:"pageSize,omitempty"`
	// FallbackPageSize is the page size used if the preferred size can't
	// be allocated from the device. Set it to 0 to disable fallback.
	// +optional
	// +kubebuilder:default="2Mi"
	FallbackPageSize *resource.Quantity `json:"fallbackPageSize,omitempty"`
	// RegionSize is the size of the virtual address range reserved for
	// each allocator.
	// +optional
	// +kubebuilder:default="64Gi"
	RegionSize *resource.Quantity `json:"regionSize,omitempty"`
	// MaxPhysical limits the physical memory one page pool may allocate.
	// It defaults to the region size.
	// +optional
	MaxPhysical *resource.Quantity `json:"maxPhysical,omitempty"`
	// Alignment is the allocation size granularity in bytes.
	// +optional
	// +kubebuilder:default=512
	Alignment uint64 `json:"alignment,omitempty"`
	// SharePool makes allocators of the same device and memory kind share
	// their physical page pool.
	// +optional
	SharePool bool `json:"sharePool,omitempty"`
	// ReleasePhysical returns freed pages to the driver instead of keeping
	// them mapped for reuse.
	// +optional
	// +kubebuilder:default=true
	ReleasePhysical *bool `json:"releasePhysical,omitempty"`
	// RecyclePages allows reusing released pages for new allocations.
	// +optional
	// +kubebuilder:default=true
	RecyclePages *bool `json:"recyclePages,omitempty"`
	// ConsistencyCheck enables the page bookkeeping consistency ledger.
	// +optional
	ConsistencyCheck bool `json:"consistencyCheck,omitempty"`
}
