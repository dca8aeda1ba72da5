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

// Package devmem implements device memory allocation for accelerators.
// Device memory is managed in two levels: a large virtual address range
// per device and memory kind, and physical pages which back that range
// lazily as memory gets allocated.
//
// # Page Pools
//
// A Pool allocates physical pages of a fixed size from the device driver.
// The page size is fixed when the first page is allocated. If the driver
// fails to provide a huge page, the pool permanently falls back to the
// smaller page size, so all pages of a pool are always of the same size.
// Released pages are put on a free list. A released page is either freed
// right away or kept mapped where it was, pending release, for the next
// allocation to reuse without any driver calls. Pages are reference counted
// since a page at the boundary of two allocations backs both of them.
//
// # Allocators
//
// An Allocator reserves a virtual region and hands out byte ranges of it.
// Allocations are first placed in released ranges below the high-water
// mark of the region. Otherwise the allocator grows, starting at the first
// of the unreferenced pages right below the high-water mark, if there are
// any. Backing a range of pages is all or nothing: if any page fails to get
// backed, every change made to the earlier pages is rolled back.
//
// # Consistency Checking
//
// With consistency checking enabled an Allocator records which byte ranges
// of each page are attributed to which allocation. Overlapping or missing
// attributions flag the Ledger. A flagged ledger never recovers and makes
// every further allocation fail with ErrCorruptionDetected.
//
// # Mergers
//
// A Merger packs batches of allocation requests into blocks of memory it
// has allocated earlier. Requests which do not fit are allocated together
// as a single new block. Reset logically frees all blocks at once.
//
// # Registry
//
// A Registry keeps one Allocator per session, device, memory kind and page
// size. Allocators are shared by reference counting: evicting a session
// from the registry destroys its allocators once their last user is gone.
package devmem
