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

// Package reader implements the per-file reader pool and the
// metadata-caching wrapper. A Pool amortises the cost of opening a
// file and parsing its footer across many keyed scans of the same
// file; a CachingReader amortises the footer/page-index parse itself
// across the leases drawn from one Pool.
package reader

import (
	"sync/atomic"
	"weak"
)

// node is one entry of the lock-free free-list backing a Pool.
type node[R any] struct {
	reader R
	next   atomic.Pointer[node[R]]
}

// Pool is an unbounded, lock-free pool of idle readers for a single
// file. Pools grow on demand and never shrink: a reader that is
// released is always pushed back, never discarded, so the next
// acquire can skip re-opening the file and re-parsing its footer.
//
// Pool must be allocated with New and referenced through a stable
// *Pool[R] for the lifetime of the readers it hands out, because leases
// hold only a weak back-reference to it (see Leased).
type Pool[R any] struct {
	free atomic.Pointer[node[R]]
}

// New returns an empty Pool.
func New[R any]() *Pool[R] {
	return &Pool[R]{}
}

// push returns r to the free-list. It never blocks and never allocates
// beyond the single node required to hold r.
func (p *Pool[R]) push(r R) {
	n := &node[R]{reader: r}
	for {
		old := p.free.Load()
		n.next.Store(old)
		if p.free.CompareAndSwap(old, n) {
			return
		}
	}
}

// pop removes and returns an idle reader, or ok=false if the pool is
// empty.
func (p *Pool[R]) pop() (r R, ok bool) {
	for {
		old := p.free.Load()
		if old == nil {
			return r, false
		}
		if p.free.CompareAndSwap(old, old.next.Load()) {
			return old.reader, true
		}
	}
}

// Leased is a scoped handle to a reader drawn from a Pool. Callers must
// call Release exactly once when done with Reader; Release is also
// safe to call from a finalizer.
//
// The back-reference to the originating Pool is a weak.Pointer, not a
// strong reference: a Leased reader must not keep its Pool alive after
// the Pool itself has become unreachable. If the Pool has already been
// collected, Release simply drops the reader instead of resurrecting
// the Pool.
type Leased[R any] struct {
	Reader   R
	pool     weak.Pointer[Pool[R]]
	released bool
}

// Acquire returns an idle reader from the pool, or calls factory exactly
// once to construct a new one if the pool is empty. Taking a reader
// from the pool never blocks; whatever I/O factory performs runs in the
// caller's goroutine (table's factory opens the file, which for an S3
// table is a HEAD request). Reading the file footer happens later, on
// the reader's first Metadata call; see CachingReader.
func Acquire[R any](p *Pool[R], factory func() (R, error)) (*Leased[R], error) {
	if r, ok := p.pop(); ok {
		return &Leased[R]{Reader: r, pool: weak.Make(p)}, nil
	}
	r, err := factory()
	if err != nil {
		var zero R
		return &Leased[R]{Reader: zero}, err
	}
	return &Leased[R]{Reader: r, pool: weak.Make(p)}, nil
}

// Release returns the leased reader to its pool, iff the pool is still
// alive. Calling Release more than once is a no-op after the first
// call.
func (l *Leased[R]) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if p := l.pool.Value(); p != nil {
		p.push(l.Reader)
	}
}
