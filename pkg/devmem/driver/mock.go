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

package driver

import (
	"sync"
)

// Mock is an in-process Driver which only does bookkeeping. It supports
// fault injection and counts calls, which makes it suitable for tests and
// simulation.
type Mock struct {
	sync.Mutex
	nextBase     uint64
	nextHandle   uint64
	capacity     uint64
	allocated    uint64
	reservations map[uint64]uint64
	handles      map[uint64]uint64
	mappings     map[uint64]uint64
	failSizes    map[uint64]bool
	failMapAt    int
	stats        MockStats
}

// MockStats counts the calls made to a Mock driver.
type MockStats struct {
	Reserves    int
	Releases    int
	Allocs      int
	FailedAlloc int
	Frees       int
	Maps        int
	Unmaps      int
}

// MockOption is an option for a Mock driver.
type MockOption func(*Mock)

// WithCapacity limits the total amount of physical memory of the mock.
func WithCapacity(capacity uint64) MockOption {
	return func(m *Mock) {
		m.capacity = capacity
	}
}

// WithFailingPageSize makes every physical allocation of the given size fail.
func WithFailingPageSize(pageSize uint64) MockOption {
	return func(m *Mock) {
		m.failSizes[pageSize] = true
	}
}

const (
	mockBase = uint64(0x7f0000000000)
)

// NewMock creates a new mock driver.
func NewMock(options ...MockOption) *Mock {
	m := &Mock{
		nextBase:     mockBase,
		reservations: make(map[uint64]uint64),
		handles:      make(map[uint64]uint64),
		mappings:     make(map[uint64]uint64),
		failSizes:    make(map[uint64]bool),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

// FailPageSize sets whether allocations of the given page size fail.
func (m *Mock) FailPageSize(pageSize uint64, fail bool) {
	m.Lock()
	defer m.Unlock()
	if fail {
		m.failSizes[pageSize] = true
	} else {
		delete(m.failSizes, pageSize)
	}
}

// FailMapAt makes the n-th Map call from now fail. 0 disables failing.
func (m *Mock) FailMapAt(n int) {
	m.Lock()
	defer m.Unlock()
	m.failMapAt = n
}

// Stats returns the call counters of the mock.
func (m *Mock) Stats() MockStats {
	m.Lock()
	defer m.Unlock()
	return m.stats
}

// HandleSize returns the page size of a live handle, or 0.
func (m *Mock) HandleSize(h Handle) uint64 {
	m.Lock()
	defer m.Unlock()
	id, ok := h.Get()
	if !ok {
		return 0
	}
	return m.handles[id]
}

// LiveHandles returns the page sizes of all allocated physical pages.
func (m *Mock) LiveHandles() []uint64 {
	m.Lock()
	defer m.Unlock()
	sizes := make([]uint64, 0, len(m.handles))
	for _, size := range m.handles {
		sizes = append(sizes, size)
	}
	return sizes
}

// Mapped returns the handle mapped at the given address.
func (m *Mock) Mapped(addr uint64) (Handle, bool) {
	m.Lock()
	defer m.Unlock()
	id, ok := m.mappings[addr]
	if !ok {
		return NoHandle, false
	}
	return NewHandle(id), true
}

// Mappings returns the number of active mappings.
func (m *Mock) Mappings() int {
	m.Lock()
	defer m.Unlock()
	return len(m.mappings)
}

// Reservations returns the number of active virtual reservations.
func (m *Mock) Reservations() int {
	m.Lock()
	defer m.Unlock()
	return len(m.reservations)
}

func (m *Mock) ReserveVirtual(size, align uint64) (uint64, error) {
	m.Lock()
	defer m.Unlock()

	if size == 0 {
		return 0, NewError("reserve", CodeInvalidValue, "zero size")
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, NewError("reserve", CodeInvalidValue, "invalid alignment %d", align)
	}

	base := (m.nextBase + align - 1) &^ (align - 1)
	m.nextBase = base + size
	m.reservations[base] = size
	m.stats.Reserves++

	return base, nil
}

func (m *Mock) ReleaseVirtual(base, size uint64) error {
	m.Lock()
	defer m.Unlock()

	if rsize, ok := m.reservations[base]; !ok || rsize != size {
		return NewError("release", CodeInvalidValue, "no reservation %#x+%d", base, size)
	}
	for addr := range m.mappings {
		if addr >= base && addr < base+size {
			return NewError("release", CodeInUse, "%#x still mapped", addr)
		}
	}

	delete(m.reservations, base)
	m.stats.Releases++

	return nil
}

func (m *Mock) AllocatePhysical(pageSize uint64, _ Props) (Handle, error) {
	m.Lock()
	defer m.Unlock()

	if m.failSizes[pageSize] {
		m.stats.FailedAlloc++
		return NoHandle, NewError("allocate", CodeOutOfMemory, "injected failure for page size %d", pageSize)
	}
	if m.capacity != 0 && m.allocated+pageSize > m.capacity {
		m.stats.FailedAlloc++
		return NoHandle, NewError("allocate", CodeOutOfMemory, "capacity %d exhausted", m.capacity)
	}

	m.nextHandle++
	m.handles[m.nextHandle] = pageSize
	m.allocated += pageSize
	m.stats.Allocs++

	return NewHandle(m.nextHandle), nil
}

func (m *Mock) FreePhysical(h Handle) error {
	m.Lock()
	defer m.Unlock()

	id, ok := h.Get()
	size, known := m.handles[id]
	if !ok || !known {
		return NewError("free", CodeInvalidHandle, "%s", h)
	}
	for _, mapped := range m.mappings {
		if mapped == id {
			return NewError("free", CodeInUse, "%s still mapped", h)
		}
	}

	delete(m.handles, id)
	m.allocated -= size
	m.stats.Frees++

	return nil
}

func (m *Mock) Map(base, offset uint64, h Handle) error {
	m.Lock()
	defer m.Unlock()

	if m.failMapAt > 0 {
		m.failMapAt--
		if m.failMapAt == 0 {
			return NewError("map", CodeOutOfMemory, "injected failure")
		}
	}

	id, ok := h.Get()
	size, known := m.handles[id]
	if !ok || !known {
		return NewError("map", CodeInvalidHandle, "%s", h)
	}
	rsize, reserved := m.reservations[base]
	if !reserved || offset+size > rsize {
		return NewError("map", CodeInvalidValue, "%#x+%#x outside reservation", base, offset)
	}
	addr := base + offset
	if _, busy := m.mappings[addr]; busy {
		return NewError("map", CodeAlreadyMapped, "%#x", addr)
	}

	m.mappings[addr] = id
	m.stats.Maps++

	return nil
}

func (m *Mock) Unmap(base, offset uint64) error {
	m.Lock()
	defer m.Unlock()

	addr := base + offset
	if _, ok := m.mappings[addr]; !ok {
		return NewError("unmap", CodeNotMapped, "%#x", addr)
	}

	delete(m.mappings, addr)
	m.stats.Unmaps++

	return nil
}
