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
	"time"

	logger "github.com/containers/accel-devmem/pkg/log"
)

var (
	log         = logger.Get("devmem")
	details     = logger.Get("devmem-details")
	fallbackLog = logger.RateLimited("devmem", time.Minute)
)

// DumpState logs the allocations and page table of the allocator if
// detailed debugging is enabled.
func (a *Allocator) DumpState(context ...interface{}) {
	a.Lock()
	defer a.Unlock()
	a.dumpState(formatPrefix(context...))
}

// DumpPages logs the page table of the allocator if detailed debugging is
// enabled.
func (a *Allocator) DumpPages(context ...interface{}) {
	a.Lock()
	defer a.Unlock()
	a.dumpPages(formatPrefix(context...))
}

func (a *Allocator) dumpState(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	details.Debug("%s%s: used %s, peak %s, high-water mark %s", prefix, a,
		prettySize(a.used), prettySize(a.peak), prettySize(a.hwm))

	if len(a.allocs) == 0 {
		details.Debug("%s  no allocations", prefix)
	} else {
		details.Debug("%s  allocations:", prefix)
		for _, alloc := range a.sortedAllocations() {
			details.Debug("%s    - %s", prefix, alloc)
		}
	}

	if a.holes.Len() > 0 {
		details.Debug("%s  free extents:", prefix)
		a.holes.Ascend(func(e extent) bool {
			details.Debug("%s    - [0x%x, 0x%x) %s", prefix, e.off, e.end(), prettySize(e.size))
			return true
		})
	}

	a.dumpPages(prefix)
}

func (a *Allocator) dumpPages(prefix string) {
	if !details.DebugEnabled() || !a.ready {
		return
	}

	r := &a.region
	details.Debug("%s  pages (%s):", prefix, prettySize(r.pageSize))
	for idx, s := range r.slots {
		id, ok := s.page.get()
		if !ok {
			continue
		}
		state := "idle"
		switch {
		case s.active:
			state = "active"
		case !a.pool.MappedAt(id, r.base+uint64(idx)<<r.shift):
			continue
		}
		details.Debug("%s    #%d: page #%d (%s), refs %d, %s", prefix, idx, id,
			a.pool.Handle(id), a.pool.Refs(id), state)
	}
}

func (a *Allocator) sortedAllocations() []*Allocation {
	allocs := make([]*Allocation, 0, len(a.allocs))
	for _, alloc := range a.allocs {
		allocs = append(allocs, alloc)
	}
	slices.SortFunc(allocs, func(a1, a2 *Allocation) int {
		return cmp.Compare(a1.Addr, a2.Addr)
	})
	return allocs
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!devmem:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
