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
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"github.com/containers/accel-devmem/pkg/devmem/driver"
)

// Allocator is a byte-granular allocator for one kind of memory of a single
// device. It reserves a contiguous range of virtual address space and backs
// it lazily with pages from a physical page pool. Pages at allocation
// boundaries are shared by adjacent allocations.
type Allocator struct {
	sync.Mutex
	drv       driver.Driver
	session   string
	device    int
	kind      Kind
	opts      Options
	pool      *Pool
	shared    bool
	onDestroy func()
	region    region
	ready     bool
	destroyed bool
	refs      atomic.Int32
	allocs    map[uint64]*Allocation
	holes     *btree.BTreeG[extent]
	hwm       uint64
	used      uint64
	peak      uint64
	ledger    *Ledger
	stats     allocatorCounters
}

// Allocation describes a successful allocation.
type Allocation struct {
	// Addr is the device address of the allocation.
	Addr uint64
	// Size is the aligned size of the allocation.
	Size uint64
	// PageBegin and PageEnd are the first and last page of the allocation.
	PageBegin int
	PageEnd   int
	// ReusedBytes is the amount of memory served from already backed pages.
	ReusedBytes uint64
	// Recycled is true if the allocation reclaimed pages below the high-water mark.
	Recycled bool
	// Purpose is a diagnostic label for the allocation.
	Purpose string
}

func (a *Allocation) String() string {
	return fmt.Sprintf("<%s 0x%x/%s, pages [%d, %d]>", a.Purpose, a.Addr, prettySize(a.Size),
		a.PageBegin, a.PageEnd)
}

// extent is a free range of the region below the high-water mark.
type extent struct {
	off  uint64
	size uint64
}

func (e extent) end() uint64 {
	return e.off + e.size
}

type allocatorCounters struct {
	allocs        uint64
	frees         uint64
	failures      uint64
	recycledPages uint64
	reusedBytes   uint64
}

// AllocatorStats is a snapshot of the state of an Allocator.
type AllocatorStats struct {
	Session           string
	Device            int
	Kind              Kind
	RegionBase        uint64
	RegionSize        uint64
	PageSize          uint64
	PreferredPageSize uint64
	Used              uint64
	Peak              uint64
	HighWater         uint64
	Allocations       int
	ActivePages       int
	IdlePages         int
	MappedBytes       uint64
	Allocs            uint64
	Frees             uint64
	Failures          uint64
	Recycled          uint64
	ReusedBytes       uint64
	Ledger            LedgerState
	Pool              PoolStats
}

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(*Allocator) error

// WithOptions sets the allocator options.
func WithOptions(opts Options) AllocatorOption {
	return func(a *Allocator) error {
		if err := opts.Validate(); err != nil {
			return err
		}
		a.opts = opts
		return nil
	}
}

// WithSession sets the session the allocator belongs to.
func WithSession(session string) AllocatorOption {
	return func(a *Allocator) error {
		a.session = session
		return nil
	}
}

// WithPool makes the allocator use a shared physical page pool.
func WithPool(pool *Pool) AllocatorOption {
	return func(a *Allocator) error {
		if pool == nil {
			return fmt.Errorf("%w: nil shared pool", ErrInvalidConfig)
		}
		a.pool = pool
		a.shared = true
		return nil
	}
}

// WithDestroyHook sets a function to call once the allocator is destroyed.
func WithDestroyHook(fn func()) AllocatorOption {
	return func(a *Allocator) error {
		a.onDestroy = fn
		return nil
	}
}

// NewAllocator creates an allocator for the given device and memory kind.
// The virtual address range of the allocator is reserved right away while
// physical pages are allocated on first use. The returned allocator holds
// a single reference which the caller should drop with Close.
func NewAllocator(drv driver.Driver, device int, kind Kind, options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		drv:    drv,
		device: device,
		kind:   kind,
		opts:   DefaultOptions(),
		allocs: make(map[uint64]*Allocation),
		holes: btree.NewG(8, func(e1, e2 extent) bool {
			return e1.off < e2.off
		}),
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	props := driver.Props{Device: device, Kind: kind.String()}
	if a.pool == nil {
		pool, err := NewPool(drv, props, a.opts.PageSize, a.opts.FallbackPageSize, a.opts.maxPhysical())
		if err != nil {
			return nil, err
		}
		a.pool = pool
	}

	size := alignUp(a.opts.RegionSize, a.opts.PageSize)
	base, err := drv.ReserveVirtual(size, a.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reserve %s of address space on device #%d: %w",
			ErrResourceExhausted, prettySize(size), device, err)
	}

	a.region = region{
		base: base,
		size: size,
		idle: btree.NewG(8, func(i1, i2 int) bool {
			return i1 < i2
		}),
	}
	if a.opts.ConsistencyCheck {
		a.ledger = NewLedger()
	}
	a.refs.Store(1)

	log.Info("%s: reserved %s of %s memory at 0x%x", a, prettySize(size), kind, base)

	return a, nil
}

func (a *Allocator) String() string {
	if a.session != "" {
		return fmt.Sprintf("%s/%s#%d", a.session, a.kind, a.device)
	}
	return fmt.Sprintf("%s#%d", a.kind, a.device)
}

// Session returns the session of the allocator.
func (a *Allocator) Session() string {
	return a.session
}

// Device returns the device of the allocator.
func (a *Allocator) Device() int {
	return a.device
}

// Kind returns the memory kind of the allocator.
func (a *Allocator) Kind() Kind {
	return a.kind
}

// Pool returns the physical page pool of the allocator.
func (a *Allocator) Pool() *Pool {
	return a.pool
}

// Base returns the base address of the virtual region.
func (a *Allocator) Base() uint64 {
	return a.region.base
}

// Size returns the size of the virtual region.
func (a *Allocator) Size() uint64 {
	return a.region.size
}

// PageSize returns the physical page size in use, fixing it if necessary.
func (a *Allocator) PageSize() (uint64, error) {
	a.Lock()
	defer a.Unlock()

	if err := a.init(); err != nil {
		return 0, err
	}
	return a.region.pageSize, nil
}

// Page returns the physical page backing the given page of the region.
func (a *Allocator) Page(idx int) (PageID, bool) {
	a.Lock()
	defer a.Unlock()

	if idx < 0 || idx >= len(a.region.slots) {
		return 0, false
	}
	return a.region.slots[idx].page.get()
}

// Ledger returns the consistency ledger, or nil if checking is disabled.
func (a *Allocator) Ledger() *Ledger {
	return a.ledger
}

// LedgerState returns the state of the consistency ledger.
func (a *Allocator) LedgerState() LedgerState {
	if a.ledger == nil {
		return LedgerClean
	}
	return a.ledger.State()
}

// Malloc allocates size bytes and returns the device address of the
// allocation. Unless allowIncremental is set, the allocation must fit into
// memory already released below the high-water mark of the allocator.
func (a *Allocator) Malloc(purpose string, size uint64, allowIncremental bool) (uint64, error) {
	alloc, err := a.Allocate(purpose, size, allowIncremental)
	if err != nil {
		return 0, err
	}
	return alloc.Addr, nil
}

// Allocate allocates size bytes and returns a description of the allocation.
func (a *Allocator) Allocate(purpose string, size uint64, allowIncremental bool) (*Allocation, error) {
	a.Lock()
	defer a.Unlock()

	alloc, err := a.allocate(purpose, size, allowIncremental)
	if err != nil {
		a.stats.failures++
		log.Debug("%s: failed to allocate %s for %s: %v", a, prettySize(size), purpose, err)
		return nil, err
	}

	a.stats.allocs++
	a.stats.reusedBytes += alloc.ReusedBytes
	log.Debug("%s: allocated %s", a, alloc)
	a.dumpState("")

	return alloc, nil
}

// Free releases the allocation at addr.
func (a *Allocator) Free(addr uint64) error {
	a.Lock()
	defer a.Unlock()

	if a.destroyed {
		return ErrDestroyed
	}

	alloc, ok := a.allocs[addr]
	if !ok {
		return fmt.Errorf("%w: freeing unknown address 0x%x", ErrInvalidState, addr)
	}

	off := addr - a.region.base
	if err := a.releaseBacked(off, alloc.Size, true, a.opts.ReleasePhysical, true); err != nil {
		return fmt.Errorf("%s: failed to free %s: %w", a, alloc, err)
	}

	delete(a.allocs, addr)
	a.insertHole(off, alloc.Size)
	a.used -= alloc.Size
	a.stats.frees++

	log.Debug("%s: freed %s", a, alloc)
	a.dumpState("")

	return nil
}

// UsedBytes returns the number of bytes currently allocated.
func (a *Allocator) UsedBytes() uint64 {
	a.Lock()
	defer a.Unlock()
	return a.used
}

// PeakBytes returns the highest number of bytes ever allocated at once.
func (a *Allocator) PeakBytes() uint64 {
	a.Lock()
	defer a.Unlock()
	return a.peak
}

// ReleaseIdle returns all pages kept mapped for reuse to the driver. It
// returns the amount of memory released.
func (a *Allocator) ReleaseIdle() (uint64, error) {
	a.Lock()
	defer a.Unlock()

	if a.destroyed || !a.ready {
		return 0, nil
	}

	var (
		r     = &a.region
		freed uint64
		errs  *multierror.Error
	)

	for _, idx := range a.idlePages() {
		id, _ := r.slots[idx].page.get()
		if !a.pool.MappedAt(id, r.base+uint64(idx)<<r.shift) {
			a.settle(idx)
			continue
		}
		if _, err := a.pool.Release(id, false, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("page #%d: %w", idx, err))
			continue
		}
		a.settle(idx)
		freed += r.pageSize
	}

	if freed > 0 {
		log.Info("%s: released %s of idle memory", a, prettySize(freed))
	}

	return freed, errs.ErrorOrNil()
}

// Stats returns a snapshot of the state of the allocator.
func (a *Allocator) Stats() AllocatorStats {
	a.Lock()
	defer a.Unlock()

	r := &a.region
	s := AllocatorStats{
		Session:           a.session,
		Device:            a.device,
		Kind:              a.kind,
		RegionBase:        r.base,
		RegionSize:        r.size,
		PageSize:          r.pageSize,
		PreferredPageSize: a.opts.PageSize,
		Used:              a.used,
		Peak:              a.peak,
		HighWater:         a.hwm,
		Allocations:       len(a.allocs),
		Allocs:            a.stats.allocs,
		Frees:             a.stats.frees,
		Failures:          a.stats.failures,
		Recycled:          a.stats.recycledPages,
		ReusedBytes:       a.stats.reusedBytes,
		Ledger:            a.LedgerState(),
		Pool:              a.pool.Stats(),
	}

	for idx, sl := range r.slots {
		id, ok := sl.page.get()
		if !ok {
			continue
		}
		// an idle slot whose page got remapped elsewhere is stale
		mapped := a.pool.MappedAt(id, r.base+uint64(idx)<<r.shift)
		switch {
		case sl.active:
			s.ActivePages++
		case mapped:
			s.IdlePages++
		default:
			continue
		}
		if mapped {
			s.MappedBytes += r.pageSize
		}
	}

	return s
}

// IncRef adds a reference to the allocator.
func (a *Allocator) IncRef() {
	a.refs.Add(1)
}

// tryIncRef adds a reference unless the allocator is being destroyed.
func (a *Allocator) tryIncRef() bool {
	for {
		refs := a.refs.Load()
		if refs <= 0 {
			return false
		}
		if a.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef drops a reference to the allocator. Dropping the last reference
// destroys the allocator, releasing all of its memory.
func (a *Allocator) DecRef() error {
	refs := a.refs.Add(-1)
	switch {
	case refs > 0:
		return nil
	case refs < 0:
		return fmt.Errorf("%w: %s: reference count underflow", ErrInvalidState, a)
	}
	return a.destroy()
}

// Close drops the reference to the allocator held by its creator.
func (a *Allocator) Close() error {
	return a.DecRef()
}

func (a *Allocator) destroy() error {
	err := a.release()
	if a.onDestroy != nil {
		a.onDestroy()
	}
	log.Info("%s: destroyed", a)

	return err
}

func (a *Allocator) release() error {
	a.Lock()
	defer a.Unlock()

	if a.destroyed {
		return nil
	}
	a.destroyed = true

	var (
		r    = &a.region
		errs *multierror.Error
	)

	for idx := range r.slots {
		s := &r.slots[idx]
		id, ok := s.page.get()
		if !ok {
			continue
		}
		if s.active || a.pool.MappedAt(id, r.base+uint64(idx)<<r.shift) {
			if err := a.pool.Evict(id); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("page #%d: %w", idx, err))
			}
		}
		*s = slot{}
	}
	r.idle.Clear(false)

	if !a.shared {
		if err := a.pool.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := a.drv.ReleaseVirtual(r.base, r.size); err != nil {
		errs = multierror.Append(errs, err)
	}

	if len(a.allocs) > 0 {
		log.Warn("%s: destroyed with %d live allocations", a, len(a.allocs))
	}
	a.allocs = map[uint64]*Allocation{}
	a.holes.Clear(false)
	a.used = 0

	return errs.ErrorOrNil()
}

// init fixes the page size and sets up the page table on first use.
func (a *Allocator) init() error {
	if a.ready {
		return nil
	}

	pageSize, err := a.pool.Prepare()
	if err != nil {
		return err
	}

	r := &a.region
	if r.size&(pageSize-1) != 0 {
		return fmt.Errorf("%w: region size %s is not a multiple of page size %s",
			ErrInvalidConfig, prettySize(r.size), prettySize(pageSize))
	}

	r.pageSize = pageSize
	r.shift = log2(pageSize)
	r.mask = pageSize - 1
	r.slots = make([]slot, r.size>>r.shift)
	a.ready = true

	log.Info("%s: using %d %s pages", a, len(r.slots), prettySize(pageSize))

	return nil
}

func (a *Allocator) checkUsable() error {
	if a.destroyed {
		return ErrDestroyed
	}
	if err := a.init(); err != nil {
		return err
	}
	if a.ledger != nil {
		return a.ledger.Check()
	}
	return nil
}

func (a *Allocator) allocate(purpose string, size uint64, allowIncremental bool) (*Allocation, error) {
	if err := a.checkUsable(); err != nil {
		return nil, err
	}

	r := &a.region
	if size == 0 || size > r.size {
		return nil, fmt.Errorf("%w: invalid allocation size %d", ErrOutOfRange, size)
	}
	size = alignUp(size, a.opts.Alignment)

	off, fromHole := a.findHole(size)
	recycled := false
	if !fromHole {
		if !allowIncremental {
			return nil, fmt.Errorf("%w: no room for %s below the %s high-water mark",
				ErrResourceExhausted, prettySize(size), prettySize(a.hwm))
		}
		off, recycled = a.growthOffset(size)
		if off+size > r.size || off+size < off {
			return nil, fmt.Errorf("%w: %s does not fit into region (%s used)",
				ErrResourceExhausted, prettySize(size), prettySize(a.hwm))
		}
	}

	begin, end, _, err := a.indexRangeFor(off, size)
	if err != nil {
		return nil, err
	}

	reused, err := a.ensureBacked(begin, end, purpose, off, size, true)
	if err != nil {
		return nil, err
	}

	switch {
	case fromHole:
		a.takeHole(off, size)
	case off < a.hwm:
		a.takeHole(off, a.hwm-off)
		a.hwm = off + size
	default:
		a.hwm = off + size
	}

	alloc := &Allocation{
		Addr:        r.base + off,
		Size:        size,
		PageBegin:   begin,
		PageEnd:     end,
		ReusedBytes: reused,
		Recycled:    recycled,
		Purpose:     purpose,
	}
	a.allocs[alloc.Addr] = alloc
	a.used += size
	a.peak = max(a.peak, a.used)

	return alloc, nil
}

// growthOffset returns the offset for an allocation beyond the high-water
// mark, reclaiming the run of unreferenced pages ending at it if possible.
func (a *Allocator) growthOffset(size uint64) (uint64, bool) {
	r := &a.region
	if a.hwm == 0 {
		return 0, false
	}

	var (
		indexEnd = int((a.hwm - 1) >> r.shift)
		tail     = (r.pageSize - a.hwm&r.mask) & r.mask
		newPages = 0
	)
	if size > tail {
		newPages = int((size - tail + r.mask) >> r.shift)
	}

	begin, ok := a.recycleCandidate(newPages, tail, indexEnd)
	if !ok {
		return a.hwm, false
	}

	start := max(uint64(begin)<<r.shift, a.freeTailStart())
	if start >= a.hwm {
		return a.hwm, false
	}

	return start, true
}

// freeTailStart returns the start of the free extent ending at the
// high-water mark, or the high-water mark itself if there is none.
func (a *Allocator) freeTailStart() uint64 {
	start := a.hwm
	if e, ok := a.holes.Max(); ok && e.end() == a.hwm {
		start = e.off
	}
	return start
}

func (a *Allocator) findHole(size uint64) (uint64, bool) {
	var (
		off   uint64
		found bool
	)
	a.holes.Ascend(func(e extent) bool {
		if e.size >= size {
			off, found = e.off, true
			return false
		}
		return true
	})
	return off, found
}

func (a *Allocator) takeHole(off, size uint64) {
	var (
		hole  extent
		found bool
	)
	a.holes.DescendLessOrEqual(extent{off: off}, func(e extent) bool {
		hole, found = e, true
		return false
	})
	if !found || off+size > hole.end() {
		log.Error("%s: internal error: no free extent for [0x%x, +%s)", a, off, prettySize(size))
		return
	}

	a.holes.Delete(hole)
	if hole.off < off {
		a.holes.ReplaceOrInsert(extent{off: hole.off, size: off - hole.off})
	}
	if end := off + size; end < hole.end() {
		a.holes.ReplaceOrInsert(extent{off: end, size: hole.end() - end})
	}
}

func (a *Allocator) insertHole(off, size uint64) {
	var (
		e          = extent{off: off, size: size}
		prev, next extent
		hasPrev    bool
		hasNext    bool
	)

	a.holes.DescendLessOrEqual(e, func(h extent) bool {
		prev, hasPrev = h, h.end() == e.off
		return false
	})
	a.holes.AscendGreaterOrEqual(e, func(h extent) bool {
		next, hasNext = h, h.off == e.end()
		return false
	})

	if hasPrev {
		a.holes.Delete(prev)
		e = extent{off: prev.off, size: prev.size + e.size}
	}
	if hasNext {
		a.holes.Delete(next)
		e.size += next.size
	}

	a.holes.ReplaceOrInsert(e)
}
