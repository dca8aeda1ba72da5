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

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
)

// slot is a page-sized slice of the virtual region.
type slot struct {
	page   optional[PageID]
	active bool
}

// region is the virtual address reservation of an Allocator and the
// physical pages currently backing it.
type region struct {
	base     uint64
	size     uint64
	pageSize uint64
	shift    uint
	mask     uint64
	slots    []slot
	idle     *btree.BTreeG[int]
}

// backingOp is a reversible change done while backing a page range.
type backingOp struct {
	idx  int
	page PageID
	kind int
}

const (
	opRetained = iota
	opReused
	opAcquired
)

// IndexRangeFor returns the inclusive range of pages covering size bytes at
// offset into the region, and the number of unused bytes in the last page.
func (a *Allocator) IndexRangeFor(offset, size uint64) (begin, end int, tail uint64, err error) {
	a.Lock()
	defer a.Unlock()

	if err := a.init(); err != nil {
		return 0, 0, 0, err
	}
	return a.indexRangeFor(offset, size)
}

func (a *Allocator) indexRangeFor(offset, size uint64) (int, int, uint64, error) {
	r := &a.region
	if size == 0 || offset >= r.size || size > r.size-offset {
		return 0, 0, 0, fmt.Errorf("%w: range [0x%x, +%s) outside region of %s", ErrOutOfRange,
			offset, prettySize(size), prettySize(r.size))
	}

	last := offset + size - 1
	begin := int(offset >> r.shift)
	end := int(last >> r.shift)
	tail := r.mask - last&r.mask

	return begin, end, tail, nil
}

// EnsureBacked makes sure the pages [begin, end] are backed by physical
// memory. It returns the number of bytes that were already backed by pages
// in use. Either all pages get backed or none of them does.
func (a *Allocator) EnsureBacked(begin, end int, purpose string) (uint64, error) {
	a.Lock()
	defer a.Unlock()

	if err := a.checkUsable(); err != nil {
		return 0, err
	}
	if begin < 0 || end < begin || end >= len(a.region.slots) {
		return 0, fmt.Errorf("%w: page range [%d, %d] outside region of %d pages", ErrOutOfRange,
			begin, end, len(a.region.slots))
	}

	r := &a.region
	offset := uint64(begin) << r.shift
	size := uint64(end-begin+1) << r.shift

	return a.ensureBacked(begin, end, purpose, offset, size, false)
}

// ReleaseBacked drops the pages covering size bytes at offset. If reduceRef
// is set a reference is dropped from each page. Pages left without any
// references are returned to the driver if releasePhysical is set, or kept
// mapped for reuse otherwise.
func (a *Allocator) ReleaseBacked(offset, size uint64, reduceRef, releasePhysical bool) error {
	a.Lock()
	defer a.Unlock()

	if a.destroyed {
		return ErrDestroyed
	}
	if err := a.init(); err != nil {
		return err
	}

	return a.releaseBacked(offset, size, reduceRef, releasePhysical, false)
}

// RecycleCandidate checks if growth beyond the high-water mark could start
// at an earlier page instead. It returns the first page of the run of
// unreferenced pages ending at indexEnd, if there is such a run and the
// growth needs new pages at all.
func (a *Allocator) RecycleCandidate(newPages int, tail uint64, indexEnd int) (int, bool) {
	a.Lock()
	defer a.Unlock()
	return a.recycleCandidate(newPages, tail, indexEnd)
}

func (a *Allocator) recycleCandidate(newPages int, tail uint64, indexEnd int) (int, bool) {
	r := &a.region
	if newPages == 0 || indexEnd < 0 || indexEnd >= len(r.slots) {
		return 0, false
	}

	run := 0
	for idx := indexEnd; idx >= 0 && !r.slots[idx].active; idx-- {
		run++
	}
	if run == 0 {
		return 0, false
	}

	begin := indexEnd - run + 1
	details.Debug("recycling pages [%d, %d] for %d new pages (%s tail)", begin, indexEnd,
		newPages, prettySize(tail))

	return begin, true
}

func (a *Allocator) ensureBacked(begin, end int, purpose string, offset, size uint64, record bool) (reused uint64, retErr error) {
	var (
		r       = &a.region
		journal []backingOp
	)

	if a.ledger != nil {
		if err := a.ledger.Check(); err != nil {
			return 0, err
		}
	}

	defer func() {
		if retErr != nil {
			if err := a.revertBacking(journal); err != nil {
				retErr = multierror.Append(retErr, err)
			}
			reused = 0
		}
	}()

	for idx := begin; idx <= end; idx++ {
		s := &r.slots[idx]
		va := r.base + uint64(idx)<<r.shift

		if s.active {
			if idx != begin && idx != end {
				return 0, fmt.Errorf("%w: %s: interior page #%d already in use", ErrInvalidState,
					purpose, idx)
			}
			id, _ := s.page.get()
			if err := a.pool.Retain(id); err != nil {
				return 0, err
			}
			journal = append(journal, backingOp{idx: idx, page: id, kind: opRetained})
			reused += a.overlap(idx, offset, size)
			continue
		}

		if id, ok := s.page.get(); ok {
			r.idle.Delete(idx)
			if a.pool.Reuse(id, va) {
				s.active = true
				journal = append(journal, backingOp{idx: idx, page: id, kind: opReused})
				a.stats.recycledPages++
				continue
			}
			s.page = optional[PageID]{}
		}

		id, err := a.pool.Acquire(purpose, a.opts.RecyclePages)
		if err != nil {
			return 0, err
		}
		if err := a.pool.Map(id, r.base, uint64(idx)<<r.shift); err != nil {
			if _, rerr := a.pool.Release(id, true, true); rerr != nil {
				err = multierror.Append(err, rerr)
			}
			return 0, fmt.Errorf("%s: failed to map page #%d: %w", purpose, idx, err)
		}
		a.dropStale(id, idx)
		s.page = some(id)
		s.active = true
		journal = append(journal, backingOp{idx: idx, page: id, kind: opAcquired})
	}

	if record && a.ledger != nil {
		if err := a.ledger.Add(SplitRecords(r.base+offset, size, r.pageSize)...); err != nil {
			return 0, err
		}
	}

	return reused, nil
}

func (a *Allocator) revertBacking(journal []backingOp) error {
	var (
		r    = &a.region
		errs *multierror.Error
	)

	for i := len(journal) - 1; i >= 0; i-- {
		op := journal[i]
		s := &r.slots[op.idx]
		switch op.kind {
		case opRetained:
			if _, err := a.pool.Release(op.page, true, false); err != nil {
				errs = multierror.Append(errs, err)
			}
		case opReused:
			if _, err := a.pool.Release(op.page, true, false); err != nil {
				errs = multierror.Append(errs, err)
			}
			s.active = false
			r.idle.ReplaceOrInsert(op.idx)
		case opAcquired:
			if _, err := a.pool.Release(op.page, true, true); err != nil {
				errs = multierror.Append(errs, err)
			}
			s.active = false
			s.page = optional[PageID]{}
		}
	}

	if errs != nil {
		log.Error("failed to roll back page backing: %v", errs)
	}

	return errs.ErrorOrNil()
}

func (a *Allocator) releaseBacked(offset, size uint64, reduceRef, releasePhysical, record bool) error {
	r := &a.region

	begin, end, _, err := a.indexRangeFor(offset, size)
	if err != nil {
		return err
	}

	if record && a.ledger != nil && reduceRef {
		if err := a.ledger.Remove(SplitRecords(r.base+offset, size, r.pageSize)...); err != nil {
			return err
		}
	}

	var errs *multierror.Error
	for idx := begin; idx <= end; idx++ {
		s := &r.slots[idx]
		id, ok := s.page.get()
		if !ok || (reduceRef && !s.active) {
			errs = multierror.Append(errs, fmt.Errorf("%w: page #%d is not backed",
				ErrInvalidState, idx))
			continue
		}

		refs, err := a.pool.Release(id, reduceRef, releasePhysical)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if refs > 0 {
			continue
		}

		s.active = false
		a.settle(idx)
	}

	return errs.ErrorOrNil()
}

// settle updates the bookkeeping of an unreferenced slot. It stays idle if
// its page is still mapped there, otherwise the slot is emptied.
func (a *Allocator) settle(idx int) {
	r := &a.region
	s := &r.slots[idx]

	id, ok := s.page.get()
	if ok && a.pool.Handle(id).IsPresent() && a.pool.MappedAt(id, r.base+uint64(idx)<<r.shift) {
		r.idle.ReplaceOrInsert(idx)
		return
	}

	r.idle.Delete(idx)
	s.page = optional[PageID]{}
}

// dropStale forgets a page at idle slots other than idx once the pool has
// handed it out again.
func (a *Allocator) dropStale(id PageID, idx int) {
	var stale []int
	a.region.idle.Ascend(func(i int) bool {
		if i != idx {
			if pid, ok := a.region.slots[i].page.get(); ok && pid == id {
				stale = append(stale, i)
			}
		}
		return true
	})
	for _, i := range stale {
		a.region.idle.Delete(i)
		a.region.slots[i].page = optional[PageID]{}
	}
}

// overlap returns the number of bytes of [offset, offset+size) in page idx.
func (a *Allocator) overlap(idx int, offset, size uint64) uint64 {
	var (
		r     = &a.region
		start = max(offset, uint64(idx)<<r.shift)
		end   = min(offset+size, uint64(idx+1)<<r.shift)
	)
	if end <= start {
		return 0
	}
	return end - start
}

// idlePages returns the slots that are unreferenced but still backed.
func (a *Allocator) idlePages() []int {
	var pages []int
	a.region.idle.Ascend(func(idx int) bool {
		pages = append(pages, idx)
		return true
	})
	return pages
}
