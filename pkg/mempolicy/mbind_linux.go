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

package mempolicy

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mbind applies the policy to the memory range [addr, addr+length).
func (p *Policy) Mbind(addr, length uint64, mflags uint) error {
	var (
		mask    []uint64
		maxNode uintptr
		err     error
	)

	if len(p.Nodes) > 0 {
		if mask, err = nodesToMask(p.Nodes); err != nil {
			return err
		}
		// the kernel ignores the last bit of the mask
		maxNode = uintptr(len(mask)*64 + 1)
	}

	var maskPtr unsafe.Pointer
	if len(mask) > 0 {
		maskPtr = unsafe.Pointer(&mask[0])
	}

	_, _, errno := unix.Syscall6(unix.SYS_MBIND, uintptr(addr), uintptr(length),
		uintptr(p.Mode|p.Flags), uintptr(maskPtr), maxNode, uintptr(mflags))
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}
