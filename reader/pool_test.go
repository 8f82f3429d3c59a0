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
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReusesReleased(t *testing.T) {
	p := New[int]()
	var constructed int32

	factory := func() (int, error) {
		return int(atomic.AddInt32(&constructed, 1)), nil
	}

	l1, err := Acquire(p, factory)
	require.NoError(t, err)
	require.Equal(t, 1, l1.Reader)
	l1.Release()

	l2, err := Acquire(p, factory)
	require.NoError(t, err)
	require.Equal(t, 1, l2.Reader, "second acquire should reuse the released reader, not construct a new one")
	l2.Release()

	require.EqualValues(t, 1, atomic.LoadInt32(&constructed))
}

func TestAcquireGrowsOnDemand(t *testing.T) {
	p := New[int]()
	var constructed int32
	factory := func() (int, error) {
		return int(atomic.AddInt32(&constructed, 1)), nil
	}

	l1, err := Acquire(p, factory)
	require.NoError(t, err)
	l2, err := Acquire(p, factory)
	require.NoError(t, err)

	require.NotEqual(t, l1.Reader, l2.Reader)
	require.EqualValues(t, 2, atomic.LoadInt32(&constructed))

	l1.Release()
	l2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New[int]()
	l, err := Acquire(p, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	l.Release()
	require.NotPanics(t, func() { l.Release() })

	// only one copy should have been pushed back
	_, ok := p.pop()
	require.True(t, ok)
	_, ok = p.pop()
	require.False(t, ok)
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	p := New[int]()
	var constructed int32
	factory := func() (int, error) {
		return int(atomic.AddInt32(&constructed, 1)), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := Acquire(p, factory)
			if err != nil {
				return
			}
			runtime.Gosched()
			l.Release()
		}()
	}
	wg.Wait()

	// the free-list should hold exactly as many readers as were ever
	// constructed, since none are ever discarded once released
	var n int
	for {
		if _, ok := p.pop(); !ok {
			break
		}
		n++
	}
	require.EqualValues(t, constructed, n)
}

func TestLeasedDropsReaderWhenPoolCollected(t *testing.T) {
	p := New[int]()
	l, err := Acquire(p, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	p = nil
	runtime.GC()
	runtime.GC()

	// whether or not the pool was actually collected before Release runs
	// is a GC-timing detail; Release must not panic either way.
	require.NotPanics(t, func() { l.Release() })
}
