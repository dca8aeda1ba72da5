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

package devmem

import (
	"fmt"
	"math/bits"
)

// Kind is the kind of memory an allocator manages.
type Kind int

const (
	// KindDevice is on-device (HBM) memory.
	KindDevice Kind = iota
	// KindHost is device-accessible host memory.
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindHost:
		return "host"
	}
	return fmt.Sprintf("kind#%d", int(k))
}

// ParseKind parses a memory kind name.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "device", "hbm", "":
		return KindDevice, nil
	case "host":
		return KindHost, nil
	}
	return 0, fmt.Errorf("%w: unknown memory kind %q", ErrInvalidConfig, name)
}

const (
	KiB = uint64(1) << 10
	MiB = uint64(1) << 20
	GiB = uint64(1) << 30

	// DefaultPageSize is the default (huge) physical page size.
	DefaultPageSize = 1 * GiB
	// DefaultFallbackPageSize is the page size used if huge pages are unavailable.
	DefaultFallbackPageSize = 2 * MiB
	// DefaultRegionSize is the default size of the virtual reservation per allocator.
	DefaultRegionSize = 64 * GiB
	// DefaultAlignment is the default alignment of allocations.
	DefaultAlignment = uint64(512)
)

// Options configure an Allocator.
type Options struct {
	// PageSize is the preferred physical page size.
	PageSize uint64
	// FallbackPageSize is used if pages of PageSize cannot be allocated.
	// 0 disables fallback.
	FallbackPageSize uint64
	// RegionSize is the size of the virtual address reservation.
	RegionSize uint64
	// MaxPhysical caps the physical memory of a pool. 0 means RegionSize.
	MaxPhysical uint64
	// Alignment of allocation addresses and sizes.
	Alignment uint64
	// SharePool makes allocators of the same device, kind and page size
	// share a single physical page pool.
	SharePool bool
	// ReleasePhysical returns freed pages to the driver instead of keeping
	// them mapped for reuse.
	ReleasePhysical bool
	// RecyclePages allows pages on the free list to be reused.
	RecyclePages bool
	// ConsistencyCheck enables the virtual/physical consistency ledger.
	ConsistencyCheck bool
}

// DefaultOptions returns the default allocator options.
func DefaultOptions() Options {
	return Options{
		PageSize:         DefaultPageSize,
		FallbackPageSize: DefaultFallbackPageSize,
		RegionSize:       DefaultRegionSize,
		Alignment:        DefaultAlignment,
		ReleasePhysical:  true,
		RecyclePages:     true,
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if !isPowerOf2(o.PageSize) {
		return fmt.Errorf("%w: page size %d is not a power of 2", ErrInvalidConfig, o.PageSize)
	}
	if o.FallbackPageSize != 0 {
		if !isPowerOf2(o.FallbackPageSize) {
			return fmt.Errorf("%w: fallback page size %d is not a power of 2",
				ErrInvalidConfig, o.FallbackPageSize)
		}
		if o.FallbackPageSize > o.PageSize {
			return fmt.Errorf("%w: fallback page size %s larger than page size %s",
				ErrInvalidConfig, prettySize(o.FallbackPageSize), prettySize(o.PageSize))
		}
	}
	if !isPowerOf2(o.Alignment) || o.Alignment > o.minPageSize() {
		return fmt.Errorf("%w: invalid alignment %d", ErrInvalidConfig, o.Alignment)
	}
	if o.RegionSize == 0 {
		return fmt.Errorf("%w: zero region size", ErrInvalidConfig)
	}
	if o.MaxPhysical != 0 && o.MaxPhysical < o.minPageSize() {
		return fmt.Errorf("%w: physical limit %s below page size", ErrInvalidConfig,
			prettySize(o.MaxPhysical))
	}
	return nil
}

func (o *Options) minPageSize() uint64 {
	if o.FallbackPageSize != 0 {
		return o.FallbackPageSize
	}
	return o.PageSize
}

func (o *Options) maxPhysical() uint64 {
	if o.MaxPhysical != 0 {
		return o.MaxPhysical
	}
	return alignUp(o.RegionSize, o.PageSize)
}

func isPowerOf2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func log2(v uint64) uint {
	return uint(bits.TrailingZeros64(v))
}

func prettySize(size uint64) string {
	switch {
	case size >= GiB && size%GiB == 0:
		return fmt.Sprintf("%dG", size/GiB)
	case size >= MiB && size%MiB == 0:
		return fmt.Sprintf("%dM", size/MiB)
	case size >= KiB && size%KiB == 0:
		return fmt.Sprintf("%dk", size/KiB)
	case size >= MiB:
		return fmt.Sprintf("%.2fM", float64(size)/float64(MiB))
	}
	return fmt.Sprintf("%d", size)
}
