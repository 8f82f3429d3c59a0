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

package reader

import (
	"bytes"
	"sync"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
)

type row struct {
	NodeID uint64 `parquet:"node_id"`
	Hash   string `parquet:"hash"`
}

// memRangeReaderAt adapts a bytes.Reader to RangeReaderAt and counts how
// many times ReadAt is invoked, so the cache-hit assertions below can
// tell a cached Metadata call from one that re-parsed the footer.
type memRangeReaderAt struct {
	mu     sync.Mutex
	data   []byte
	nCalls int
}

func (m *memRangeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	m.nCalls++
	m.mu.Unlock()
	return bytes.NewReader(m.data).ReadAt(p, off)
}

func (m *memRangeReaderAt) Close() error { return nil }

func buildFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	rows := []row{
		{NodeID: 1, Hash: "aaaa"},
		{NodeID: 2, Hash: "bbbb"},
	}
	require.NoError(t, parquet.Write(&buf, rows))
	return buf.Bytes()
}

func TestCachingReaderMetadataIsMemoised(t *testing.T) {
	data := buildFixture(t)
	ra := &memRangeReaderAt{data: data}
	cr := New("fixture.parquet", ra, int64(len(data)))

	f1, err := cr.Metadata()
	require.NoError(t, err)
	callsAfterFirst := ra.nCalls

	f2, err := cr.Metadata()
	require.NoError(t, err)
	require.Same(t, f1, f2, "second Metadata call must return the cached *parquet.File")
	require.Equal(t, callsAfterFirst, ra.nCalls, "cached Metadata call must not touch the underlying reader again")
}

func TestCachingReaderConcurrentFirstCallsRaceBenignly(t *testing.T) {
	data := buildFixture(t)
	ra := &memRangeReaderAt{data: data}
	cr := New("fixture.parquet", ra, int64(len(data)))

	const n = 16
	results := make([]*parquet.File, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := cr.Metadata()
			require.NoError(t, err)
			results[i] = f
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, results[0], results[i], "all racing callers must observe the single winning parse")
	}
}

func TestCachingReaderGetBytes(t *testing.T) {
	data := buildFixture(t)
	ra := &memRangeReaderAt{data: data}
	cr := New("fixture.parquet", ra, int64(len(data)))

	got, err := cr.GetBytes(0, 4)
	require.NoError(t, err)
	require.Equal(t, data[:4], got)

	ranges, err := cr.GetByteRanges([][2]int64{{0, 2}, {2, 2}})
	require.NoError(t, err)
	require.Equal(t, data[:2], ranges[0])
	require.Equal(t, data[2:4], ranges[1])
}
