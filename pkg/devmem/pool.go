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
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/accel-devmem/pkg/devmem/driver"
)

// PageID identifies a physical page within a Pool.
type PageID int

// optional is a value which may be absent.
type optional[T any] struct {
	v  T
	ok bool
}

func some[T any](v T) optional[T] {
	return optional[T]{v: v, ok: true}
}

func (o optional[T]) get() (T, bool) {
	return o.v, o.ok
}

// mapping is a virtual address a physical page is mapped at.
type mapping struct {
	base   uint64
	offset uint64
}

// physPage is a slot in the page table of a Pool.
type physPage struct {
	handle     driver.Handle
	refs       uint32
	inFreeList bool
	inUse      bool
	pending    bool
	lastReused optional[int]
	mapped     map[uint64]mapping
}

// Pool is a pool of fixed-size physical pages. It allocates pages from the
// device driver on demand, recycles released pages through a free list and
// reference counts pages shared by more than one allocation.
type Pool struct {
	sync.Mutex
	drv      driver.Driver
	props    driver.Props
	pageSize uint64
	fallback uint64
	limit    uint64
	ready    bool
	fellBack bool
	closed   bool
	probe    optional[PageID]
	pages    []*physPage
	free     []PageID
	stats    PoolStats
}

// PoolStats is a snapshot of the state of a Pool.
type PoolStats struct {
	PageSize uint64
	Pages    int
	Live     int
	InUse    int
	Free     int
	Allocs   int
	Frees    int
	Maps     int
	Unmaps   int
	FellBack bool
}

// NewPool creates a page pool for the given device memory. Pages are
// allocated with pageSize, falling back to fallback if pageSize pages
// are not available. The pool never grows beyond limit bytes.
func NewPool(drv driver.Driver, props driver.Props, pageSize, fallback, limit uint64) (*Pool, error) {
	if !isPowerOf2(pageSize) || (fallback != 0 && (!isPowerOf2(fallback) || fallback > pageSize)) {
		return nil, fmt.Errorf("%w: invalid page sizes %d, %d", ErrInvalidConfig, pageSize, fallback)
	}
	if fallback == pageSize {
		fallback = 0
	}
	return &Pool{
		drv:      drv,
		props:    props,
		pageSize: pageSize,
		fallback: fallback,
		limit:    limit,
	}, nil
}

// Prepare fixes the page size of the pool, if not done yet, by allocating
// the first page. It returns the page size in use. Failing large page
// allocations after preparation are not retried with fallback pages.
func (p *Pool) Prepare() (uint64, error) {
	p.Lock()
	defer p.Unlock()

	if err := p.prepare(); err != nil {
		return 0, err
	}
	return p.pageSize, nil
}

// PageSize returns the current page size of the pool.
func (p *Pool) PageSize() uint64 {
	p.Lock()
	defer p.Unlock()
	return p.pageSize
}

// Acquire returns a page with a single reference. If reuseAllowed, pages
// on the free list are recycled before new ones are allocated. A recycled
// page is unmapped from any address it was left mapped at.
func (p *Pool) Acquire(purpose string, reuseAllowed bool) (PageID, error) {
	p.Lock()
	defer p.Unlock()

	if p.closed {
		return 0, fmt.Errorf("%w: page pool closed", ErrInvalidState)
	}
	if err := p.prepare(); err != nil {
		return 0, err
	}

	if id, ok := p.probe.get(); ok {
		p.probe = optional[PageID]{}
		p.take(id)
		details.Debug("%s: acquired initial page #%d", purpose, id)
		return id, nil
	}

	if reuseAllowed && len(p.free) > 0 {
		id := p.popFree()
		pg := p.pages[id]
		if pg.handle.IsPresent() {
			if err := p.unmapAll(pg); err != nil {
				p.pushFree(id)
				return 0, err
			}
		} else {
			h, err := p.allocate(p.pageSize)
			if err != nil {
				p.pushFree(id)
				return 0, fmt.Errorf("%w: failed to allocate %s page for %s: %w",
					ErrResourceExhausted, prettySize(p.pageSize), purpose, err)
			}
			pg.handle = h
		}
		p.take(id)
		details.Debug("%s: recycled page #%d", purpose, id)
		return id, nil
	}

	if len(p.pages) >= p.maxPages() {
		return 0, fmt.Errorf("%w: pool of %d %s pages is full (%d free)", ErrResourceExhausted,
			p.maxPages(), prettySize(p.pageSize), len(p.free))
	}

	h, err := p.allocate(p.pageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to allocate %s page for %s: %w",
			ErrResourceExhausted, prettySize(p.pageSize), purpose, err)
	}

	id := p.newPage(h)
	p.take(id)
	details.Debug("%s: allocated new page #%d", purpose, id)

	return id, nil
}

// Reuse takes a page from the free list if it is still mapped at addr.
// This brings back a released page without any driver calls.
func (p *Pool) Reuse(id PageID, addr uint64) bool {
	p.Lock()
	defer p.Unlock()

	pg, ok := p.page(id)
	if !ok || !pg.inFreeList || !pg.handle.IsPresent() {
		return false
	}
	if _, ok := pg.mapped[addr]; !ok {
		return false
	}

	p.free = slices.DeleteFunc(p.free, func(i PageID) bool { return i == id })
	pg.inFreeList = false
	p.take(id)

	return true
}

// Retain adds a reference to an in-use page.
func (p *Pool) Retain(id PageID) error {
	p.Lock()
	defer p.Unlock()

	pg, ok := p.page(id)
	if !ok || !pg.inUse || pg.refs == 0 {
		return fmt.Errorf("%w: retaining unused page #%d", ErrInvalidState, id)
	}
	pg.refs++

	return nil
}

// Release drops a reference to the page if reduceRef is set. Once a page
// has no references it is put on the free list. If actuallyFree is set the
// page is also unmapped and returned to the driver, otherwise it is left
// mapped and pending release. Release returns the remaining references.
func (p *Pool) Release(id PageID, reduceRef, actuallyFree bool) (uint32, error) {
	p.Lock()
	defer p.Unlock()

	pg, ok := p.page(id)
	if !ok {
		return 0, fmt.Errorf("%w: releasing unknown page #%d", ErrInvalidState, id)
	}

	if reduceRef {
		if pg.refs == 0 {
			return 0, fmt.Errorf("%w: releasing page #%d with no references", ErrInvalidState, id)
		}
		pg.refs--
		if pg.refs > 0 {
			return pg.refs, nil
		}
		pg.inUse = false
	} else if pg.refs > 0 {
		return pg.refs, nil
	}

	if actuallyFree {
		if err := p.evict(pg); err != nil {
			pg.pending = true
			p.pushFree(id)
			return 0, err
		}
		pg.pending = false
	} else {
		pg.pending = pg.handle.IsPresent()
	}

	p.pushFree(id)

	return 0, nil
}

// Map maps an in-use page at base+offset.
func (p *Pool) Map(id PageID, base, offset uint64) error {
	p.Lock()
	defer p.Unlock()

	pg, ok := p.page(id)
	if !ok || !pg.inUse || !pg.handle.IsPresent() {
		return fmt.Errorf("%w: mapping unused page #%d", ErrInvalidState, id)
	}
	if err := p.drv.Map(base, offset, pg.handle); err != nil {
		return err
	}

	if pg.mapped == nil {
		pg.mapped = make(map[uint64]mapping)
	}
	pg.mapped[base+offset] = mapping{base: base, offset: offset}
	pg.lastReused = some(int(offset >> log2(p.pageSize)))
	p.stats.Maps++

	return nil
}

// MappedAt returns true if the page is mapped at addr.
func (p *Pool) MappedAt(id PageID, addr uint64) bool {
	p.Lock()
	defer p.Unlock()

	pg, ok := p.page(id)
	if !ok {
		return false
	}
	_, mapped := pg.mapped[addr]
	return mapped
}

// Refs returns the number of references to a page.
func (p *Pool) Refs(id PageID) uint32 {
	p.Lock()
	defer p.Unlock()

	if pg, ok := p.page(id); ok {
		return pg.refs
	}
	return 0
}

// Handle returns the driver handle of a page.
func (p *Pool) Handle(id PageID) driver.Handle {
	p.Lock()
	defer p.Unlock()

	if pg, ok := p.page(id); ok {
		return pg.handle
	}
	return driver.NoHandle
}

// PendingRelease returns true if the page is on the free list but still
// holds physical memory.
func (p *Pool) PendingRelease(id PageID) bool {
	p.Lock()
	defer p.Unlock()

	if pg, ok := p.page(id); ok {
		return pg.pending
	}
	return false
}

// Evict unconditionally unmaps and frees a page, dropping all references.
func (p *Pool) Evict(id PageID) error {
	p.Lock()
	defer p.Unlock()

	pg, ok := p.page(id)
	if !ok {
		return fmt.Errorf("%w: evicting unknown page #%d", ErrInvalidState, id)
	}
	if err := p.evict(pg); err != nil {
		return err
	}

	pg.refs = 0
	pg.inUse = false
	pg.pending = false
	p.pushFree(id)

	return nil
}

// FreeLen returns the length of the free list.
func (p *Pool) FreeLen() int {
	p.Lock()
	defer p.Unlock()
	return len(p.free)
}

// Stats returns a snapshot of the state of the pool.
func (p *Pool) Stats() PoolStats {
	p.Lock()
	defer p.Unlock()

	s := p.stats
	s.PageSize = p.pageSize
	s.Pages = len(p.pages)
	s.Free = len(p.free)
	s.FellBack = p.fellBack
	for _, pg := range p.pages {
		if pg.handle.IsPresent() {
			s.Live++
		}
		if pg.inUse {
			s.InUse++
		}
	}

	return s
}

// Close unmaps and frees all pages of the pool.
func (p *Pool) Close() error {
	p.Lock()
	defer p.Unlock()

	var errs *multierror.Error
	for id, pg := range p.pages {
		if err := p.evict(pg); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("page #%d: %w", id, err))
		}
	}
	p.closed = true

	return errs.ErrorOrNil()
}

func (p *Pool) prepare() error {
	if p.ready {
		return nil
	}

	h, err := p.allocate(p.pageSize)
	if err != nil {
		if p.fallback == 0 {
			return fmt.Errorf("%w: failed to allocate %s page: %w", ErrResourceExhausted,
				prettySize(p.pageSize), err)
		}

		fallbackLog.Warn("failed to allocate %s %s page on device #%d, falling back to %s pages: %v",
			prettySize(p.pageSize), p.props.Kind, p.props.Device, prettySize(p.fallback), err)

		h, err = p.allocate(p.fallback)
		if err != nil {
			return fmt.Errorf("%w: failed to allocate %s or %s page: %w", ErrResourceExhausted,
				prettySize(p.pageSize), prettySize(p.fallback), err)
		}
		p.pageSize = p.fallback
		p.fellBack = true
	}

	p.probe = some(p.newPage(h))
	p.ready = true

	log.Debug("page pool for %s memory on device #%d uses %s pages, at most %d",
		p.props.Kind, p.props.Device, prettySize(p.pageSize), p.maxPages())

	return nil
}

func (p *Pool) maxPages() int {
	return int(p.limit / p.pageSize)
}

func (p *Pool) allocate(size uint64) (driver.Handle, error) {
	h, err := p.drv.AllocatePhysical(size, p.props)
	if err != nil {
		return driver.NoHandle, err
	}
	p.stats.Allocs++
	return h, nil
}

func (p *Pool) newPage(h driver.Handle) PageID {
	p.pages = append(p.pages, &physPage{handle: h})
	return PageID(len(p.pages) - 1)
}

func (p *Pool) page(id PageID) (*physPage, bool) {
	if id < 0 || int(id) >= len(p.pages) {
		return nil, false
	}
	return p.pages[id], true
}

func (p *Pool) take(id PageID) {
	pg := p.pages[id]
	pg.refs = 1
	pg.inUse = true
	pg.inFreeList = false
	pg.pending = false
}

// popFree pops the most recently freed page that still holds physical
// memory, or the most recently freed page if none does.
func (p *Pool) popFree() PageID {
	idx := len(p.free) - 1
	for i := len(p.free) - 1; i >= 0; i-- {
		if p.pages[p.free[i]].handle.IsPresent() {
			idx = i
			break
		}
	}

	id := p.free[idx]
	p.free = slices.Delete(p.free, idx, idx+1)
	p.pages[id].inFreeList = false

	return id
}

func (p *Pool) pushFree(id PageID) {
	pg := p.pages[id]
	if pg.inFreeList {
		return
	}
	pg.inFreeList = true
	p.free = append(p.free, id)
}

func (p *Pool) unmapAll(pg *physPage) error {
	for addr, m := range pg.mapped {
		if err := p.drv.Unmap(m.base, m.offset); err != nil {
			return err
		}
		delete(pg.mapped, addr)
		p.stats.Unmaps++
	}
	return nil
}

func (p *Pool) evict(pg *physPage) error {
	if !pg.handle.IsPresent() {
		return nil
	}
	if err := p.unmapAll(pg); err != nil {
		return err
	}
	if err := p.drv.FreePhysical(pg.handle); err != nil {
		return err
	}
	pg.handle = driver.NoHandle
	p.stats.Frees++
	return nil
}
