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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	. "github.com/containers/accel-devmem/pkg/devmem"
	"github.com/containers/accel-devmem/pkg/devmem/driver"
)

func TestMergerAllocate(t *testing.T) {
	m := driver.NewMock()
	a := newTestAllocator(t, m, testOptions(2*mib, 16*mib))
	defer a.Close()

	mg := NewMerger(a, "batch")
	defer mg.Close()

	addrs, err := mg.Allocate(1*mib, 512*kib, 256*kib)
	require.NoError(t, err)
	require.Equal(t, []uint64{a.Base(), a.Base() + 1*mib, a.Base() + 1*mib + 512*kib}, addrs)

	expected := []ActiveBlock{
		{Addr: a.Base(), Capacity: 1*mib + 768*kib, Used: 1*mib + 768*kib, Fresh: true},
	}
	require.Empty(t, cmp.Diff(expected, mg.Blocks()))
	require.Equal(t, 1*mib+768*kib, mg.UsedBytes())
	require.Equal(t, 1*mib+768*kib, a.UsedBytes(), "misses merged into a single allocation")
	require.Equal(t, uint64(1), a.Stats().Allocs)
}

func TestMergerReset(t *testing.T) {
	m := driver.NewMock()
	a := newTestAllocator(t, m, testOptions(2*mib, 16*mib))
	defer a.Close()

	mg := NewMerger(a, "batch")
	defer mg.Close()

	_, err := mg.Allocate(2*mib, 1*mib, 1*mib)
	require.NoError(t, err)
	peak := mg.PeakBytes()
	require.Equal(t, 4*mib, peak)

	maps := m.Stats().Maps
	mg.Reset()
	require.Zero(t, mg.UsedBytes())
	require.Equal(t, peak, mg.PeakBytes())

	_, err = mg.Allocate(1*mib, 2*mib, 512*kib)
	require.NoError(t, err)
	require.Equal(t, maps, m.Stats().Maps, "no new mappings after reset")

	blocks := mg.Blocks()
	require.Len(t, blocks, 1)
	require.False(t, blocks[0].Fresh)
	require.Equal(t, peak, mg.PeakBytes())
}

func TestMergerFirstFit(t *testing.T) {
	m := driver.NewMock()
	a := newTestAllocator(t, m, testOptions(2*mib, 16*mib))
	defer a.Close()

	mg := NewMerger(a, "batch")
	defer mg.Close()

	_, err := mg.Allocate(1 * mib)
	require.NoError(t, err)
	_, err = mg.Allocate(3 * mib)
	require.NoError(t, err)
	mg.Reset()

	addrs, err := mg.Allocate(512*kib, 2*mib, 512*kib, 4*mib)
	require.NoError(t, err)

	blocks := mg.Blocks()
	require.Len(t, blocks, 3)
	require.Equal(t, 4*mib, blocks[0].Capacity)
	require.True(t, blocks[0].Fresh)

	small, large := blocks[2], blocks[1]
	require.Equal(t, large.Addr, addrs[0], "largest free block is tried first")
	require.Equal(t, large.Addr+512*kib, addrs[1])
	require.Equal(t, large.Addr+2*mib+512*kib, addrs[2])
	require.Equal(t, 3*mib, large.Used)
	require.Zero(t, small.Used)
	require.Equal(t, blocks[0].Addr, addrs[3])
}

func TestMergerRollback(t *testing.T) {
	m := driver.NewMock()
	a := newTestAllocator(t, m, testOptions(2*mib, 16*mib))
	defer a.Close()

	mg := NewMerger(a, "batch")
	defer mg.Close()

	_, err := mg.Allocate(1 * mib)
	require.NoError(t, err)
	mg.Reset()

	m.FailMapAt(1)
	_, err = mg.Allocate(512*kib, 4*mib)
	require.ErrorIs(t, err, driver.ErrDriver)
	require.Zero(t, mg.UsedBytes(), "failed batch must not consume any block")
	require.Len(t, mg.Blocks(), 1)

	_, err = mg.Allocate(0)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestMergerOutOfRange(t *testing.T) {
	type testCase struct {
		name  string
		sizes []uint64
	}

	for _, tc := range []*testCase{
		{
			name:  "size aligning up to zero",
			sizes: []uint64{^uint64(0) - 10},
		},
		{
			name:  "size larger than region",
			sizes: []uint64{16*mib + 1},
		},
		{
			name:  "merged sizes wrapping around",
			sizes: []uint64{^uint64(0) - 1*mib + 1, 2 * mib},
		},
		{
			name:  "merged sizes larger than region",
			sizes: []uint64{256 * kib, 12 * mib, 12 * mib},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := driver.NewMock()
			a := newTestAllocator(t, m, testOptions(2*mib, 16*mib))
			defer a.Close()

			mg := NewMerger(a, "batch")
			defer mg.Close()

			_, err := mg.Allocate(1 * mib)
			require.NoError(t, err)
			mg.Reset()

			addrs, err := mg.Allocate(tc.sizes...)
			require.ErrorIs(t, err, ErrOutOfRange)
			require.Nil(t, addrs)
			require.Zero(t, mg.UsedBytes(), "rejected batch must not consume any block")
			require.Len(t, mg.Blocks(), 1)
			require.Equal(t, 1*mib, a.UsedBytes())

			addrs, err = mg.Allocate(512 * kib)
			require.NoError(t, err)
			require.Equal(t, []uint64{a.Base()}, addrs)
		})
	}
}

func TestMergerClose(t *testing.T) {
	m := driver.NewMock()
	a := newTestAllocator(t, m, testOptions(2*mib, 16*mib))

	mg := NewMerger(a, "batch")
	_, err := mg.Allocate(1*mib, 3*mib)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.Equal(t, 1, m.Reservations(), "merger keeps allocator alive")

	require.NoError(t, mg.Close())
	require.Zero(t, m.Reservations())
	require.Zero(t, m.Mappings())

	_, err = mg.Allocate(1 * mib)
	require.ErrorIs(t, err, ErrInvalidState)
}
