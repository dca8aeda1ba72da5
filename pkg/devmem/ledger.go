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
)

// LedgerState is the state of a consistency ledger.
type LedgerState int

const (
	// LedgerClean means no inconsistency has been detected.
	LedgerClean LedgerState = iota
	// LedgerFlagged means an inconsistency has been detected. It is sticky.
	LedgerFlagged
)

func (s LedgerState) String() string {
	if s == LedgerFlagged {
		return "flagged"
	}
	return "clean"
}

// PageRecord attributes a byte range of a physical page to an allocation.
type PageRecord struct {
	PageBase   uint64
	Head       uint64
	Used       uint64
	MallocAddr uint64
	MallocLen  uint64
}

func (r PageRecord) end() uint64 {
	return r.Head + r.Used
}

func (r PageRecord) overlaps(o PageRecord) bool {
	return r.PageBase == o.PageBase && r.Head < o.end() && o.Head < r.end()
}

func (r PageRecord) String() string {
	return fmt.Sprintf("page 0x%x[+0x%x, %s) <= malloc 0x%x/%s",
		r.PageBase, r.Head, prettySize(r.Used), r.MallocAddr, prettySize(r.MallocLen))
}

// SplitRecords splits the range [addr, addr+size) into per-page records.
func SplitRecords(addr, size, pageSize uint64) []PageRecord {
	var (
		mask = pageSize - 1
		end  = addr + size
		recs []PageRecord
	)

	for cur := addr; cur < end; {
		base := cur &^ mask
		next := min(base+pageSize, end)
		recs = append(recs, PageRecord{
			PageBase:   base,
			Head:       cur - base,
			Used:       next - cur,
			MallocAddr: addr,
			MallocLen:  size,
		})
		cur = next
	}

	return recs
}

// Ledger tracks the live allocation ranges backed by each physical page and
// detects overlapping or missing attributions. Once an inconsistency is
// found the ledger stays flagged for the rest of its lifetime.
type Ledger struct {
	sync.Mutex
	state   LedgerState
	reason  string
	records map[uint64][]PageRecord
}

// NewLedger creates a clean ledger.
func NewLedger() *Ledger {
	return &Ledger{
		records: make(map[uint64][]PageRecord),
	}
}

// Add adds records to the ledger. If any of them overlaps with a live
// record the ledger is flagged and none of them is added.
func (l *Ledger) Add(recs ...PageRecord) error {
	l.Lock()
	defer l.Unlock()

	if err := l.check(); err != nil {
		return err
	}

	for i, r := range recs {
		for _, o := range l.records[r.PageBase] {
			if r.overlaps(o) {
				return l.flag("%s overlaps with %s", r, o)
			}
		}
		for _, o := range recs[:i] {
			if r.overlaps(o) {
				return l.flag("%s overlaps with %s", r, o)
			}
		}
	}

	for _, r := range recs {
		l.records[r.PageBase] = append(l.records[r.PageBase], r)
	}

	return nil
}

// Remove removes records from the ledger. If any of them is not live the
// ledger is flagged and none of them is removed.
func (l *Ledger) Remove(recs ...PageRecord) error {
	l.Lock()
	defer l.Unlock()

	if err := l.check(); err != nil {
		return err
	}

	for _, r := range recs {
		if !slices.Contains(l.records[r.PageBase], r) {
			return l.flag("removing unknown record %s", r)
		}
	}

	for _, r := range recs {
		live := l.records[r.PageBase]
		if idx := slices.Index(live, r); idx >= 0 {
			live = slices.Delete(live, idx, idx+1)
		}
		if len(live) == 0 {
			delete(l.records, r.PageBase)
		} else {
			l.records[r.PageBase] = live
		}
	}

	return nil
}

// Flag marks the ledger inconsistent.
func (l *Ledger) Flag(format string, args ...interface{}) error {
	l.Lock()
	defer l.Unlock()
	return l.flag(format, args...)
}

// Check returns ErrCorruptionDetected if the ledger is flagged.
func (l *Ledger) Check() error {
	l.Lock()
	defer l.Unlock()
	return l.check()
}

// State returns the state of the ledger.
func (l *Ledger) State() LedgerState {
	l.Lock()
	defer l.Unlock()
	return l.state
}

// Reason returns the reason the ledger was flagged for.
func (l *Ledger) Reason() string {
	l.Lock()
	defer l.Unlock()
	return l.reason
}

// Records returns the live records for a page.
func (l *Ledger) Records(pageBase uint64) []PageRecord {
	l.Lock()
	defer l.Unlock()
	return slices.Clone(l.records[pageBase])
}

// Len returns the number of live records.
func (l *Ledger) Len() int {
	l.Lock()
	defer l.Unlock()

	cnt := 0
	for _, recs := range l.records {
		cnt += len(recs)
	}
	return cnt
}

func (l *Ledger) check() error {
	if l.state == LedgerFlagged {
		return fmt.Errorf("%w: %s", ErrCorruptionDetected, l.reason)
	}
	return nil
}

func (l *Ledger) flag(format string, args ...interface{}) error {
	if l.state != LedgerFlagged {
		l.state = LedgerFlagged
		l.reason = fmt.Sprintf(format, args...)
		log.Error("consistency check failed: %s", l.reason)
	}
	return fmt.Errorf("%w: %s", ErrCorruptionDetected, l.reason)
}
