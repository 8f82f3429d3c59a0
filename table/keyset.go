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

package table

import (
	"fmt"
	"sort"

	"github.com/softwareheritage/swh-provenance/colstore"
)

// KeySet is the caller-supplied, already-sorted, already-deduplicated
// set of key values a scan is looking for; it may be empty, in which
// case StreamForKeys returns an empty stream. It is shared,
// read-only, and cheap to pass to every per-file goroutine a scan
// fans out.
type KeySet[K any] struct {
	kt   colstore.KeyType[K]
	vals []K
}

// NewKeySet validates and wraps keys. Keys must already be sorted
// ascending per kt.Less and free of duplicates; NewKeySet only checks
// this invariant, it does not sort or dedupe on the caller's behalf.
func NewKeySet[K any](kt colstore.KeyType[K], keys []K) (*KeySet[K], error) {
	for i := 1; i < len(keys); i++ {
		if !kt.Less(keys[i-1], keys[i]) {
			return nil, fmt.Errorf("table: keys must be sorted ascending and deduplicated, got out-of-order or duplicate at index %d", i)
		}
	}
	return &KeySet[K]{kt: kt, vals: keys}, nil
}

// Empty reports whether the set is empty; an empty set short-circuits
// a scan to an empty stream without touching any file.
func (s *KeySet[K]) Empty() bool { return len(s.vals) == 0 }

// Len returns the number of distinct keys in the set.
func (s *KeySet[K]) Len() int { return len(s.vals) }

// Bounds returns the minimum and maximum key in the set, used by
// row-group and page min/max pruning.
func (s *KeySet[K]) Bounds() (lo, hi K) {
	return s.vals[0], s.vals[len(s.vals)-1]
}

// Contains reports whether k is a member of the set via binary search.
func (s *KeySet[K]) Contains(k K) bool {
	i := sort.Search(len(s.vals), func(i int) bool { return !s.kt.Less(s.vals[i], k) })
	return i < len(s.vals) && s.kt.Equal(s.vals[i], k)
}

// rowMatches is the row-level predicate: for small key sets a linear
// scan beats the binary search's constant overhead, so the threshold
// is kept small (~4 keys).
const linearScanThreshold = 4

func (s *KeySet[K]) rowMatches(k K) bool {
	if len(s.vals) <= linearScanThreshold {
		for _, v := range s.vals {
			if s.kt.Equal(v, k) {
				return true
			}
		}
		return false
	}
	return s.Contains(k)
}
