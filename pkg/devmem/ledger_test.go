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
)

func TestSplitRecords(t *testing.T) {
	type testCase struct {
		name     string
		addr     uint64
		size     uint64
		expected []PageRecord
	}

	const base = uint64(0x100000000)

	for _, tc := range []*testCase{
		{
			name: "within a page",
			addr: base + 4*kib,
			size: 8 * kib,
			expected: []PageRecord{
				{PageBase: base, Head: 4 * kib, Used: 8 * kib, MallocAddr: base + 4*kib, MallocLen: 8 * kib},
			},
		},
		{
			name: "full page",
			addr: base,
			size: 2 * mib,
			expected: []PageRecord{
				{PageBase: base, Head: 0, Used: 2 * mib, MallocAddr: base, MallocLen: 2 * mib},
			},
		},
		{
			name: "across pages",
			addr: base + 1*mib,
			size: 3 * mib,
			expected: []PageRecord{
				{PageBase: base, Head: 1 * mib, Used: 1 * mib, MallocAddr: base + 1*mib, MallocLen: 3 * mib},
				{PageBase: base + 2*mib, Head: 0, Used: 2 * mib, MallocAddr: base + 1*mib, MallocLen: 3 * mib},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			recs := SplitRecords(tc.addr, tc.size, 2*mib)
			require.Empty(t, cmp.Diff(tc.expected, recs))
		})
	}
}

func TestLedger(t *testing.T) {
	l := NewLedger()
	recs := SplitRecords(0x200000, 3*mib, 2*mib)

	require.NoError(t, l.Add(recs...))
	require.Equal(t, 2, l.Len())

	adjacent := SplitRecords(0x200000+3*mib, 1*mib, 2*mib)
	require.NoError(t, l.Add(adjacent...), "adjacent ranges must not overlap")
	require.Len(t, l.Records(0x400000), 2)

	require.NoError(t, l.Remove(recs...))
	require.Equal(t, 1, l.Len())
	require.Equal(t, LedgerClean, l.State())

	err := l.Remove(recs...)
	require.ErrorIs(t, err, ErrCorruptionDetected, "double free must be detected")
	require.Equal(t, LedgerFlagged, l.State())
	require.Equal(t, 1, l.Len(), "failed removal must not change records")

	require.ErrorIs(t, l.Add(SplitRecords(0x10000000, 512, 2*mib)...), ErrCorruptionDetected,
		"flagged ledger must stay flagged")
	require.ErrorIs(t, l.Check(), ErrCorruptionDetected)
}

func TestLedgerFlag(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Check())

	require.ErrorIs(t, l.Flag("test %d", 1), ErrCorruptionDetected)
	require.ErrorIs(t, l.Flag("test %d", 2), ErrCorruptionDetected)
	require.Equal(t, "test 1", l.Reason(), "first reason is kept")
	require.Equal(t, "flagged", l.State().String())
}
