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
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/accel-devmem/pkg/devmem/driver"
)

// Key identifies an allocator in a Registry.
type Key struct {
	Session  string
	Device   int
	Kind     Kind
	PageSize uint64
}

func (k Key) String() string {
	size := "default"
	if k.PageSize != 0 {
		size = prettySize(k.PageSize)
	}
	return fmt.Sprintf("%s/%s#%d/%s", k.Session, k.Kind, k.Device, size)
}

// Registry is a cache of allocators keyed by session, device, memory kind
// and page size. Allocators are created on first access and dropped from
// the registry only by explicit eviction. An evicted allocator is destroyed
// once its last user drops its reference.
type Registry struct {
	sync.Mutex
	drv     driver.Driver
	opts    Options
	entries map[Key]*entry
	pools   *PoolManager
}

type entry struct {
	ready chan struct{}
	a     *Allocator
	err   error
}

// NewRegistry creates an allocator registry with the given driver and
// default allocator options.
func NewRegistry(drv driver.Driver, opts Options) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		drv:     drv,
		opts:    opts,
		entries: make(map[Key]*entry),
		pools:   NewPoolManager(drv),
	}, nil
}

// Options returns the default allocator options of the registry.
func (r *Registry) Options() Options {
	return r.opts
}

// Get returns the allocator for key, creating it if necessary. The caller
// gets a reference to the allocator which it must drop with DecRef.
func (r *Registry) Get(key Key) (*Allocator, error) {
	if key.PageSize == r.opts.PageSize {
		key.PageSize = 0
	}

	for {
		r.Lock()
		e, ok := r.entries[key]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			r.entries[key] = e
		}
		r.Unlock()

		if !ok {
			r.create(key, e)
		} else {
			<-e.ready
		}

		if e.err != nil {
			return nil, e.err
		}
		if e.a.tryIncRef() {
			return e.a, nil
		}

		r.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.Unlock()
	}
}

// PoolManager returns the manager of shared page pools.
func (r *Registry) PoolManager() *PoolManager {
	return r.pools
}

// Malloc allocates memory using the allocator for key.
func (r *Registry) Malloc(key Key, purpose string, size uint64, allowIncremental bool) (uint64, error) {
	a, err := r.Get(key)
	if err != nil {
		return 0, err
	}
	defer a.DecRef()

	return a.Malloc(purpose, size, allowIncremental)
}

// Evict removes the allocators of a session for a single device.
func (r *Registry) Evict(session string, device int) error {
	return r.evict(func(k Key) bool {
		return k.Session == session && k.Device == device
	})
}

// EvictSession removes all allocators of a session.
func (r *Registry) EvictSession(session string) error {
	return r.evict(func(k Key) bool {
		return k.Session == session
	})
}

// Close removes all allocators from the registry.
func (r *Registry) Close() error {
	return r.evict(func(Key) bool { return true })
}

// Allocators returns the allocators currently in the registry.
func (r *Registry) Allocators() []*Allocator {
	r.Lock()
	defer r.Unlock()

	keys := make([]Key, 0, len(r.entries))
	for k, e := range r.entries {
		if isReady(e) && e.a != nil {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, compareKeys)

	allocators := make([]*Allocator, 0, len(keys))
	for _, k := range keys {
		allocators = append(allocators, r.entries[k].a)
	}

	return allocators
}

// Keys returns the keys of allocators in the registry.
func (r *Registry) Keys() []Key {
	r.Lock()
	defer r.Unlock()

	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)

	return keys
}

func (r *Registry) create(key Key, e *entry) {
	defer close(e.ready)

	a, err := r.newAllocator(key)
	if err != nil {
		log.Error("failed to create allocator %s: %v", key, err)
		r.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.Unlock()
		e.err = err
		return
	}

	e.a = a
}

func (r *Registry) newAllocator(key Key) (*Allocator, error) {
	opts := r.opts
	if key.PageSize != 0 {
		opts.PageSize = key.PageSize
		if opts.FallbackPageSize >= opts.PageSize {
			opts.FallbackPageSize = 0
		}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	options := []AllocatorOption{
		WithOptions(opts),
		WithSession(key.Session),
	}

	var put func()
	if opts.SharePool {
		pool, release, err := r.pools.Get(key.Device, key.Kind, opts)
		if err != nil {
			return nil, err
		}
		put = release
		options = append(options, WithPool(pool), WithDestroyHook(release))
	}

	a, err := NewAllocator(r.drv, key.Device, key.Kind, options...)
	if err != nil {
		if put != nil {
			put()
		}
		return nil, err
	}

	return a, nil
}

func (r *Registry) evict(match func(Key) bool) error {
	r.Lock()
	var evicted []*entry
	for k, e := range r.entries {
		if match(k) {
			evicted = append(evicted, e)
			delete(r.entries, k)
			log.Info("evicting allocator %s", k)
		}
	}
	r.Unlock()

	var errs *multierror.Error
	for _, e := range evicted {
		<-e.ready
		if e.a == nil {
			continue
		}
		if err := e.a.DecRef(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func isReady(e *entry) bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

func compareKeys(k1, k2 Key) int {
	if diff := cmp.Compare(k1.Session, k2.Session); diff != 0 {
		return diff
	}
	if diff := cmp.Compare(k1.Device, k2.Device); diff != 0 {
		return diff
	}
	if diff := cmp.Compare(k1.Kind, k2.Kind); diff != 0 {
		return diff
	}
	return cmp.Compare(k1.PageSize, k2.PageSize)
}

// PoolManager hands out physical page pools shared by all allocators of the
// same device, memory kind and page size. A pool is closed once its last
// user is gone.
type PoolManager struct {
	sync.Mutex
	drv   driver.Driver
	pools map[poolKey]*sharedPool
}

type poolKey struct {
	device   int
	kind     Kind
	pageSize uint64
}

type sharedPool struct {
	pool  *Pool
	users int
}

// NewPoolManager creates a manager for shared pools.
func NewPoolManager(drv driver.Driver) *PoolManager {
	return &PoolManager{
		drv:   drv,
		pools: make(map[poolKey]*sharedPool),
	}
}

// Get returns the shared pool for the given device, memory kind and
// options, with a function to call once the pool is no longer used.
func (m *PoolManager) Get(device int, kind Kind, opts Options) (*Pool, func(), error) {
	m.Lock()
	defer m.Unlock()

	key := poolKey{device: device, kind: kind, pageSize: opts.PageSize}
	sp, ok := m.pools[key]
	if !ok {
		props := driver.Props{Device: device, Kind: kind.String()}
		pool, err := NewPool(m.drv, props, opts.PageSize, opts.FallbackPageSize, opts.maxPhysical())
		if err != nil {
			return nil, nil, err
		}
		sp = &sharedPool{pool: pool}
		m.pools[key] = sp
		log.Info("created shared %s page pool for %s memory on device #%d",
			prettySize(opts.PageSize), kind, device)
	}
	sp.users++

	var once sync.Once
	release := func() {
		once.Do(func() { m.put(key, sp) })
	}

	return sp.pool, release, nil
}

// Len returns the number of shared pools.
func (m *PoolManager) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.pools)
}

func (m *PoolManager) put(key poolKey, sp *sharedPool) {
	m.Lock()
	defer m.Unlock()

	sp.users--
	if sp.users > 0 {
		return
	}

	if m.pools[key] == sp {
		delete(m.pools, key)
	}
	if err := sp.pool.Close(); err != nil {
		log.Error("failed to close shared page pool: %v", err)
	}
}

var (
	defaultLock     sync.Mutex
	defaultRegistry *Registry
)

// InitDefault sets up the process-wide default registry.
func InitDefault(drv driver.Driver, opts Options) error {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultRegistry != nil {
		return fmt.Errorf("%w: default registry already initialized", ErrInvalidState)
	}

	r, err := NewRegistry(drv, opts)
	if err != nil {
		return err
	}
	defaultRegistry = r

	return nil
}

// Default returns the process-wide default registry, or nil if it has not
// been initialized.
func Default() *Registry {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	return defaultRegistry
}

// ResetDefault evicts all allocators of the default registry and drops it.
func ResetDefault() error {
	defaultLock.Lock()
	r := defaultRegistry
	defaultRegistry = nil
	defaultLock.Unlock()

	if r == nil {
		return nil
	}
	return r.Close()
}
