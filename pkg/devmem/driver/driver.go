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

// Package driver defines the device-driver memory API used by devmem and
// provides an in-process mock and a host-memory backed implementation.
package driver

import (
	"errors"
	"fmt"
)

// Driver is the device-driver virtual memory management interface. All
// calls are synchronous and may be slow. Implementations must be safe for
// concurrent use.
type Driver interface {
	// ReserveVirtual reserves size bytes of device address space aligned
	// to align, without any physical backing.
	ReserveVirtual(size, align uint64) (uint64, error)
	// ReleaseVirtual releases a reservation made by ReserveVirtual.
	ReleaseVirtual(base, size uint64) error
	// AllocatePhysical allocates a physical page of pageSize bytes.
	AllocatePhysical(pageSize uint64, props Props) (Handle, error)
	// FreePhysical frees a physical page. The page must not be mapped.
	FreePhysical(h Handle) error
	// Map maps the physical page h at base+offset.
	Map(base, offset uint64, h Handle) error
	// Unmap removes the mapping at base+offset.
	Unmap(base, offset uint64) error
}

// Props describes the physical memory requested from the driver.
type Props struct {
	Device int
	Kind   string
}

// Handle is an opaque physical memory handle. The zero Handle is absent.
type Handle struct {
	id      uint64
	present bool
}

// NoHandle is the absent Handle.
var NoHandle = Handle{}

// NewHandle returns a present Handle with the given driver-specific id.
func NewHandle(id uint64) Handle {
	return Handle{id: id, present: true}
}

// Get returns the driver-specific id of the handle and whether it is present.
func (h Handle) Get() (uint64, bool) {
	return h.id, h.present
}

// IsPresent returns true if the handle refers to a physical page.
func (h Handle) IsPresent() bool {
	return h.present
}

func (h Handle) String() string {
	if !h.present {
		return "<absent>"
	}
	return fmt.Sprintf("handle#%d", h.id)
}

// Error codes reported by drivers.
const (
	CodeInvalidValue  = 1
	CodeOutOfMemory   = 2
	CodeNotMapped     = 3
	CodeAlreadyMapped = 4
	CodeInvalidHandle = 5
	CodeInUse         = 6
	CodeUnsupported   = 7
)

var (
	// ErrDriver matches any *Error returned by a driver.
	ErrDriver = errors.New("driver: device driver call failed")
)

// Error is a failed device-driver call.
type Error struct {
	Op   string
	Code int
	Err  error
}

// NewError returns a new driver error for the given operation and code.
func NewError(op string, code int, format string, args ...interface{}) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Op: op, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver: %s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("driver: %s failed (code %d)", e.Op, e.Code)
}

// Is makes every *Error match ErrDriver.
func (e *Error) Is(target error) bool {
	return target == ErrDriver
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the driver error code of err, or 0 if err is not a driver error.
func Code(err error) int {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code
	}
	return 0
}
