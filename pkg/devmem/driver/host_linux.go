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

//go:build linux

package driver

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/containers/accel-devmem/pkg/mempolicy"
)

// Host is a Driver which emulates device memory with host memory. Physical
// pages are ranges of a memfd, virtual reservations are PROT_NONE anonymous
// mappings and mapping a page remaps its memfd range into the reservation.
type Host struct {
	sync.Mutex
	policy   *mempolicy.Policy
	fd       int
	size     uint64
	pages    map[uint64]uint64
	holes    map[uint64][]uint64
	reserved map[uint64]uint64
	mapped   map[uint64]uint64
}

// NewHost creates a new host memory backed driver.
func NewHost(options ...HostOption) (*Host, error) {
	fd, err := unix.MemfdCreate("devmem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, NewError("memfd", CodeUnsupported, "%w", err)
	}

	h := &Host{
		fd:       fd,
		pages:    make(map[uint64]uint64),
		holes:    make(map[uint64][]uint64),
		reserved: make(map[uint64]uint64),
		mapped:   make(map[uint64]uint64),
	}
	for _, o := range options {
		o(h)
	}

	return h, nil
}

// Close releases the backing memfd. All reservations must be released first.
func (h *Host) Close() error {
	h.Lock()
	defer h.Unlock()
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func (h *Host) ReserveVirtual(size, align uint64) (uint64, error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, NewError("reserve", CodeInvalidValue, "size %d, alignment %d", size, align)
	}

	h.Lock()
	defer h.Unlock()

	// over-reserve, then trim to an aligned range
	total := size + align
	addr, err := mmap(0, total, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, -1, 0)
	if err != nil {
		return 0, NewError("reserve", CodeOutOfMemory, "%w", err)
	}

	base := (addr + align - 1) &^ (align - 1)
	if head := base - addr; head > 0 {
		_ = munmap(addr, head)
	}
	if tail := addr + total - (base + size); tail > 0 {
		_ = munmap(base+size, tail)
	}

	h.reserved[base] = size
	return base, nil
}

func (h *Host) ReleaseVirtual(base, size uint64) error {
	h.Lock()
	defer h.Unlock()

	if rsize, ok := h.reserved[base]; !ok || rsize != size {
		return NewError("release", CodeInvalidValue, "no reservation %#x+%d", base, size)
	}
	if err := munmap(base, size); err != nil {
		return NewError("release", CodeInvalidValue, "%w", err)
	}
	for addr := range h.mapped {
		if addr >= base && addr < base+size {
			delete(h.mapped, addr)
		}
	}
	delete(h.reserved, base)

	return nil
}

func (h *Host) AllocatePhysical(pageSize uint64, _ Props) (Handle, error) {
	h.Lock()
	defer h.Unlock()

	if free := h.holes[pageSize]; len(free) > 0 {
		off := free[len(free)-1]
		h.holes[pageSize] = free[:len(free)-1]
		h.pages[off] = pageSize
		return NewHandle(off), nil
	}

	off := (h.size + pageSize - 1) &^ (pageSize - 1)
	if err := unix.Ftruncate(h.fd, int64(off+pageSize)); err != nil {
		return NoHandle, NewError("allocate", CodeOutOfMemory, "%w", err)
	}
	h.size = off + pageSize
	h.pages[off] = pageSize

	return NewHandle(off), nil
}

func (h *Host) FreePhysical(handle Handle) error {
	h.Lock()
	defer h.Unlock()

	off, ok := handle.Get()
	size, known := h.pages[off]
	if !ok || !known {
		return NewError("free", CodeInvalidHandle, "%s", handle)
	}
	for _, mapped := range h.mapped {
		if mapped == off {
			return NewError("free", CodeInUse, "%s still mapped", handle)
		}
	}

	mode := uint32(unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE)
	if err := unix.Fallocate(h.fd, mode, int64(off), int64(size)); err != nil {
		return NewError("free", CodeInvalidValue, "%w", err)
	}
	delete(h.pages, off)
	h.holes[size] = append(h.holes[size], off)

	return nil
}

func (h *Host) Map(base, offset uint64, handle Handle) error {
	h.Lock()
	defer h.Unlock()

	off, ok := handle.Get()
	size, known := h.pages[off]
	if !ok || !known {
		return NewError("map", CodeInvalidHandle, "%s", handle)
	}
	rsize, reserved := h.reserved[base]
	if !reserved || offset+size > rsize {
		return NewError("map", CodeInvalidValue, "%#x+%#x outside reservation", base, offset)
	}
	addr := base + offset
	if _, busy := h.mapped[addr]; busy {
		return NewError("map", CodeAlreadyMapped, "%#x", addr)
	}

	_, err := mmap(addr, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED, h.fd, off)
	if err != nil {
		return NewError("map", CodeOutOfMemory, "%w", err)
	}
	if h.policy != nil {
		if err := h.policy.Mbind(addr, size, 0); err != nil {
			_, _ = mmap(addr, size, unix.PROT_NONE,
				unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED, -1, 0)
			return NewError("map", CodeUnsupported, "memory policy %s: %w", h.policy, err)
		}
	}
	h.mapped[addr] = off

	return nil
}

func (h *Host) Unmap(base, offset uint64) error {
	h.Lock()
	defer h.Unlock()

	addr := base + offset
	off, ok := h.mapped[addr]
	if !ok {
		return NewError("unmap", CodeNotMapped, "%#x", addr)
	}

	// put the reservation back in place of the mapping
	_, err := mmap(addr, h.pages[off], unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED, -1, 0)
	if err != nil {
		return NewError("unmap", CodeInvalidValue, "%w", err)
	}
	delete(h.mapped, addr)

	return nil
}

func mmap(addr, length uint64, prot, flags, fd int, off uint64) (uint64, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length),
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(off))
	if errno != 0 {
		return 0, errno
	}
	return uint64(r), nil
}

func munmap(addr, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
