// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ef

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderContainsAndFilter(t *testing.T) {
	b := NewBuilder()
	b.AddBatch([]uint64{5, 1, 9})
	b.AddBatch([]uint64{1, 100})
	idx := b.Finish()

	require.True(t, idx.Contains(1))
	require.True(t, idx.Contains(5))
	require.True(t, idx.Contains(9))
	require.True(t, idx.Contains(100))
	require.False(t, idx.Contains(2))
	require.EqualValues(t, 4, idx.Len())

	filtered := idx.Filter([]uint64{1, 2, 3, 9, 100, 200})
	require.Equal(t, []uint64{1, 9, 100}, filtered)
}

func TestNilIndexSelectsAll(t *testing.T) {
	var idx *FileIndex
	require.True(t, idx.Contains(42))
	_, ok := idx.IndexOf(42)
	require.False(t, ok)
	require.Equal(t, []uint64{1, 2, 3}, idx.Filter([]uint64{1, 2, 3}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder()
	b.AddBatch([]uint64{10, 20, 30, 40})
	idx := b.Finish()

	p := filepath.Join(dir, "data.parquet.index=cnt.ef")
	require.NoError(t, idx.Save(p))

	loaded, err := Load(p)
	require.NoError(t, err)
	for _, k := range []uint64{10, 20, 30, 40} {
		require.True(t, loaded.Contains(k))
	}
	require.False(t, loaded.Contains(25))

	mapped, err := MMap(p)
	require.NoError(t, err)
	for _, k := range []uint64{10, 20, 30, 40} {
		require.True(t, mapped.Contains(k))
	}
}

func TestLoadAbsentIsErrAbsent(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ef"))
	require.ErrorIs(t, err, ErrAbsent)
}

func TestIndexOfRank(t *testing.T) {
	b := NewBuilder()
	b.AddBatch([]uint64{7, 3, 15})
	idx := b.Finish()
	pos, ok := idx.IndexOf(3)
	require.True(t, ok)
	require.EqualValues(t, 0, pos)
	pos, ok = idx.IndexOf(15)
	require.True(t, ok)
	require.EqualValues(t, 2, pos)
}
