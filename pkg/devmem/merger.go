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
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ActiveBlock is a contiguous, physically backed span of memory that a
// Merger packs requests into.
type ActiveBlock struct {
	Addr     uint64
	Capacity uint64
	Used     uint64
	Fresh    bool
}

// Free returns the unused capacity of the block.
func (b *ActiveBlock) Free() uint64 {
	return b.Capacity - b.Used
}

func (b *ActiveBlock) String() string {
	return fmt.Sprintf("<block 0x%x, %s/%s used>", b.Addr, prettySize(b.Used), prettySize(b.Capacity))
}

// Merger packs batches of requests into already backed blocks of memory,
// allocating a single new block for all requests that do not fit. Blocks
// are only logically freed by Reset and kept until the Merger is closed.
type Merger struct {
	sync.Mutex
	a       *Allocator
	purpose string
	blocks  []*ActiveBlock
	peak    uint64
	closed  bool
}

// NewMerger creates a merger on top of the given allocator. The merger
// holds a reference to the allocator until closed.
func NewMerger(a *Allocator, purpose string) *Merger {
	a.IncRef()
	return &Merger{
		a:       a,
		purpose: purpose,
	}
}

// Allocate assigns an address to each of the requested sizes. Either all
// requests are served or none of them is.
func (m *Merger) Allocate(sizes ...uint64) ([]uint64, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: merger closed", ErrInvalidState)
	}

	align, limit := m.a.opts.Alignment, m.a.Size()
	for i, size := range sizes {
		if size == 0 || size > limit {
			return nil, fmt.Errorf("%w: invalid size %d of request #%d", ErrOutOfRange, size, i)
		}
	}

	for _, b := range m.blocks {
		b.Fresh = false
	}

	var (
		addrs  = make([]uint64, len(sizes))
		saved  = make([]uint64, len(m.blocks))
		order  = slices.Clone(m.blocks)
		misses []int
		total  uint64
	)

	for i, b := range m.blocks {
		saved[i] = b.Used
	}
	slices.SortStableFunc(order, func(b1, b2 *ActiveBlock) int {
		return cmp.Compare(b2.Free(), b1.Free())
	})

	for i, size := range sizes {
		size = alignUp(size, align)
		if idx := slices.IndexFunc(order, func(b *ActiveBlock) bool { return b.Free() >= size }); idx >= 0 {
			b := order[idx]
			addrs[i] = b.Addr + b.Used
			b.Used += size
			continue
		}
		misses = append(misses, i)
		total += size
		if total > limit {
			for i, b := range m.blocks {
				b.Used = saved[i]
			}
			return nil, fmt.Errorf("%w: %d merged requests exceed the %s region", ErrOutOfRange,
				len(misses), prettySize(limit))
		}
	}

	if len(misses) > 0 {
		alloc, err := m.a.Allocate(m.purpose, total, true)
		if err != nil {
			for i, b := range m.blocks {
				b.Used = saved[i]
			}
			return nil, fmt.Errorf("failed to allocate %s for %d merged requests: %w",
				prettySize(total), len(misses), err)
		}

		b := &ActiveBlock{
			Addr:     alloc.Addr,
			Capacity: alloc.Size,
			Fresh:    true,
		}
		for _, i := range misses {
			addrs[i] = b.Addr + b.Used
			b.Used += alignUp(sizes[i], align)
		}
		m.blocks = append(m.blocks, b)

		log.Debug("%s: new block %s for %d requests", m.a, b, len(misses))
	}

	m.peak = max(m.peak, m.usedBytes())

	return addrs, nil
}

// Reset marks all blocks unused without releasing any memory.
func (m *Merger) Reset() {
	m.Lock()
	defer m.Unlock()

	for _, b := range m.blocks {
		b.Used = 0
		b.Fresh = false
	}
}

// UsedBytes returns the amount of memory currently in use.
func (m *Merger) UsedBytes() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.usedBytes()
}

// PeakBytes returns the highest amount of memory ever in use.
func (m *Merger) PeakBytes() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.peak
}

// Blocks returns a copy of the active blocks, largest first.
func (m *Merger) Blocks() []ActiveBlock {
	m.Lock()
	defer m.Unlock()

	blocks := make([]ActiveBlock, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, *b)
	}
	slices.SortStableFunc(blocks, func(b1, b2 ActiveBlock) int {
		return cmp.Compare(b2.Capacity, b1.Capacity)
	})

	return blocks
}

// Close frees all blocks and drops the reference to the allocator.
func (m *Merger) Close() error {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs *multierror.Error
	for _, b := range m.blocks {
		if err := m.a.Free(b.Addr); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	m.blocks = nil

	if err := m.a.DecRef(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

func (m *Merger) usedBytes() uint64 {
	used := uint64(0)
	for _, b := range m.blocks {
		used += b.Used
	}
	return used
}
