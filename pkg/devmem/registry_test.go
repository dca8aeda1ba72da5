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

package devmem_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	. "github.com/containers/accel-devmem/pkg/devmem"
	"github.com/containers/accel-devmem/pkg/devmem/driver"
	"github.com/containers/accel-devmem/pkg/healthz"
)

func newTestRegistry(t *testing.T, drv driver.Driver, opts Options) *Registry {
	r, err := NewRegistry(drv, opts)
	require.NoError(t, err, "registry creation error")
	return r
}

func TestRegistrySameInstance(t *testing.T) {
	m := driver.NewMock()
	r := newTestRegistry(t, m, testOptions(2*mib, 8*mib))
	defer r.Close()

	var (
		key        = Key{Session: "s1", Device: 0, Kind: KindDevice}
		wg         sync.WaitGroup
		allocators = make([]*Allocator, 16)
		errs       = make([]error, 16)
	)

	for i := range allocators {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allocators[i], errs[i] = r.Get(key)
		}(i)
	}
	wg.Wait()

	for i, a := range allocators {
		require.NoError(t, errs[i])
		require.Same(t, allocators[0], a, "all callers must get the same allocator")
		require.NoError(t, a.DecRef())
	}
	require.Equal(t, 1, m.Stats().Reserves)
	require.Equal(t, []Key{key}, r.Keys())
}

func TestRegistryKeys(t *testing.T) {
	m := driver.NewMock()
	r := newTestRegistry(t, m, testOptions(2*mib, 8*mib))
	defer r.Close()

	get := func(key Key) *Allocator {
		a, err := r.Get(key)
		require.NoError(t, err)
		require.NoError(t, a.DecRef())
		return a
	}

	a := get(Key{Session: "s1", Device: 0})
	require.Same(t, a, get(Key{Session: "s1", Device: 0, PageSize: 2 * mib}),
		"default page size must map to the same allocator")
	require.NotSame(t, a, get(Key{Session: "s1", Device: 1}))
	require.NotSame(t, a, get(Key{Session: "s2", Device: 0}))
	require.NotSame(t, a, get(Key{Session: "s1", Device: 0, Kind: KindHost}))

	small := get(Key{Session: "s1", Device: 0, PageSize: 64 * kib})
	require.NotSame(t, a, small)
	size, err := small.PageSize()
	require.NoError(t, err)
	require.Equal(t, 64*kib, size)

	require.Len(t, r.Keys(), 5)
	require.Len(t, r.Allocators(), 5)

	_, err = r.Get(Key{Session: "s1", PageSize: 3 * mib})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Len(t, r.Keys(), 5, "failed creation must not leave an entry")
}

func TestRegistryEvict(t *testing.T) {
	m := driver.NewMock()
	r := newTestRegistry(t, m, testOptions(2*mib, 8*mib))
	defer r.Close()

	held, err := r.Get(Key{Session: "s1", Device: 0})
	require.NoError(t, err)

	for _, key := range []Key{{Session: "s1", Device: 1}, {Session: "s2", Device: 0}} {
		a, err := r.Get(key)
		require.NoError(t, err)
		_, err = a.Malloc("test", 1*mib, true)
		require.NoError(t, err)
		require.NoError(t, a.DecRef())
	}
	require.Equal(t, 3, m.Reservations())

	require.NoError(t, r.Evict("s1", 0))
	require.Len(t, r.Keys(), 2)
	require.Equal(t, 3, m.Reservations(), "held allocator must stay alive")

	_, err = held.Malloc("test", 1*mib, true)
	require.NoError(t, err, "evicted allocator usable while referenced")

	fresh, err := r.Get(Key{Session: "s1", Device: 0})
	require.NoError(t, err)
	require.NotSame(t, held, fresh)
	require.NoError(t, fresh.DecRef())

	require.NoError(t, held.DecRef())
	_, err = held.Malloc("test", 1*mib, true)
	require.ErrorIs(t, err, ErrDestroyed)

	require.NoError(t, r.EvictSession("s1"))
	require.Equal(t, []Key{{Session: "s2", Device: 0}}, r.Keys())
	require.Equal(t, 1, m.Reservations())
}

func TestRegistrySharedPool(t *testing.T) {
	m := driver.NewMock()
	opts := testOptions(2*mib, 8*mib)
	opts.SharePool = true
	opts.ReleasePhysical = false
	r := newTestRegistry(t, m, opts)
	defer r.Close()

	a1, err := r.Get(Key{Session: "s1", Device: 0})
	require.NoError(t, err)
	a2, err := r.Get(Key{Session: "s2", Device: 0})
	require.NoError(t, err)
	defer a2.DecRef()
	a3, err := r.Get(Key{Session: "s1", Device: 1})
	require.NoError(t, err)

	require.Same(t, a1.Pool(), a2.Pool(), "same device must share a pool")
	require.NotSame(t, a1.Pool(), a3.Pool())
	require.Equal(t, 2, r.PoolManager().Len())

	addr, err := a1.Malloc("test", 2*mib, true)
	require.NoError(t, err)
	require.NoError(t, a1.Free(addr))
	require.Equal(t, 1, a1.Pool().FreeLen())

	allocs := m.Stats().Allocs
	_, err = a2.Malloc("test", 2*mib, true)
	require.NoError(t, err)
	require.Equal(t, allocs, m.Stats().Allocs, "page released by one allocator reused by another")
	_, mapped := m.Mapped(a1.Base())
	require.False(t, mapped)

	_, err = a1.Malloc("test", 2*mib, true)
	require.NoError(t, err, "allocator must recover its recycled page")

	require.NoError(t, r.EvictSession("s1"))
	require.NoError(t, a1.DecRef())
	require.NoError(t, a3.DecRef())
	require.Equal(t, 1, r.PoolManager().Len())
}

func TestDefaultRegistry(t *testing.T) {
	require.Nil(t, Default())

	require.NoError(t, InitDefault(driver.NewMock(), testOptions(2*mib, 8*mib)))
	require.NotNil(t, Default())
	require.ErrorIs(t, InitDefault(driver.NewMock(), DefaultOptions()), ErrInvalidState)

	_, err := Default().Malloc(Key{Session: "s"}, "test", 1*mib, true)
	require.NoError(t, err)

	require.NoError(t, ResetDefault())
	require.Nil(t, Default())
	require.NoError(t, ResetDefault())
}

func TestCollector(t *testing.T) {
	m := driver.NewMock()
	r := newTestRegistry(t, m, testOptions(2*mib, 8*mib))
	defer r.Close()

	_, err := r.Malloc(Key{Session: "s1"}, "test", 3*mib, true)
	require.NoError(t, err)

	c := NewCollector(r)
	require.Equal(t, 14, testutil.CollectAndCount(c))

	expected := `
# HELP used_bytes Memory currently allocated.
# TYPE used_bytes gauge
used_bytes{device="0",kind="device",page_size="2M",session="s1"} 3145728
# HELP mapped_bytes Physical memory mapped into the virtual region.
# TYPE mapped_bytes gauge
mapped_bytes{device="0",kind="device",page_size="2M",session="s1"} 4194304
# HELP driver_allocations_total Physical pages allocated from the driver.
# TYPE driver_allocations_total counter
driver_allocations_total{device="0",kind="device",page_size="2M",session="s1"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"used_bytes", "mapped_bytes", "driver_allocations_total"))
}

func TestHealthCheck(t *testing.T) {
	m := driver.NewMock()
	opts := testOptions(2*mib, 8*mib)
	opts.ConsistencyCheck = true
	r := newTestRegistry(t, m, opts)
	defer r.Close()

	a, err := r.Get(Key{Session: "s1"})
	require.NoError(t, err)
	defer a.DecRef()

	status, err := r.HealthCheck()
	require.NoError(t, err)
	require.Equal(t, healthz.Healthy, status)

	require.Error(t, a.Ledger().Flag("test corruption"))

	status, err = r.HealthCheck()
	require.ErrorIs(t, err, ErrCorruptionDetected)
	require.Equal(t, healthz.NonFunctional, status)
}
