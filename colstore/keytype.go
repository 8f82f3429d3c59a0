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

// Package colstore holds the capability set a table's key column is
// checked against at each stage of the pruning pipeline. Rather than a
// virtual base class, the three key shapes the engine cares about —
// the dense u64 NodeId, the 20-byte sha1_git hash, and whatever comes
// next — each implement KeyType[T] as a trait-bounded generic, so the
// Table pruning code is written once against KeyType[T] and
// instantiated per key type.
package colstore

import (
	"bytes"

	"github.com/parquet-go/parquet-go"
)

// KeyType is the capability set a key column's element type must
// provide. Every "statistic" method may answer "don't know" via its ok
// return; the pruner treats that as "cannot prune at this stage,
// select everything" rather than as an error.
type KeyType[T any] interface {
	// AsBloomValue returns k encoded as the parquet.Value the column's
	// physical type would produce, so that hashing it against a bloom
	// filter built over that column reproduces the same hash the
	// writer computed. This is not necessarily a byte encoding of k: a
	// uint64 column is stored as a plain-encoded INT64, not a
	// ByteArray, and the bloom hash is defined over that physical
	// encoding.
	AsBloomValue(k T) parquet.Value

	// Equal and Less give the total order the row-level predicate and
	// the sorted-key invariant on caller input rely on.
	Equal(a, b T) bool
	Less(a, b T) bool

	// AsEFKey reports whether k can be represented as a dense uint64
	// for file-level EF/bitmap pruning, and the encoded value when it
	// can. Key types with too large a value space (the 20-byte hash)
	// answer ok=false unconditionally.
	AsEFKey(k T) (enc uint64, ok bool)

	// FromValue decodes a column value read out of a row-group's
	// min/max statistics or a materialised row. ok is false if the
	// value is null or not shaped like T, which the caller treats as
	// "statistics absent for this column".
	FromValue(v parquet.Value) (k T, ok bool)
}

// Uint64Key is the KeyType for NodeId-shaped columns (node.id,
// c_in_r.cnt, c_in_r.revrel, c_in_d.cnt, c_in_d.dir, d_in_r.dir,
// d_in_r.revrel).
type Uint64Key struct{}

// AsBloomValue matches the column's physical storage: a uint64 key
// column is written as a plain-encoded INT64, so the bloom filter's
// hash must be computed over the same int64 representation, not an
// arbitrary byte encoding.
func (Uint64Key) AsBloomValue(k uint64) parquet.Value { return parquet.ValueOf(int64(k)) }

func (Uint64Key) Equal(a, b uint64) bool { return a == b }
func (Uint64Key) Less(a, b uint64) bool  { return a < b }

// AsEFKey is the identity encoding: NodeId is already a dense uint64,
// exactly the shape file-level FileIndex pruning wants.
func (Uint64Key) AsEFKey(k uint64) (uint64, bool) { return k, true }

func (Uint64Key) FromValue(v parquet.Value) (uint64, bool) {
	if v.IsNull() {
		return 0, false
	}
	switch v.Kind() {
	case parquet.Int64:
		return uint64(v.Int64()), true
	case parquet.Int32:
		return uint64(v.Int32()), true
	default:
		return 0, false
	}
}

// HashKey is the KeyType for the 20-byte sha1_git column of the node
// table. Its value space (2^160) is too large for dense EF/bitmap
// pruning, so AsEFKey always answers ok=false: file-level pruning for
// this column degrades to "select all" and the work falls to bloom
// filters and the row-level predicate, as in node_ids_of's semi-join
// fallback.
type HashKey struct{}

// AsBloomValue matches the column's physical storage: sha1_git is a
// fixed-length ByteArray, so hashing the raw 20 bytes reproduces the
// writer's bloom hash.
func (HashKey) AsBloomValue(k [20]byte) parquet.Value { return parquet.ValueOf(k[:]) }
func (HashKey) Equal(a, b [20]byte) bool              { return a == b }
func (HashKey) Less(a, b [20]byte) bool               { return bytes.Compare(a[:], b[:]) < 0 }

func (HashKey) AsEFKey([20]byte) (uint64, bool) { return 0, false }

func (HashKey) FromValue(v parquet.Value) (k [20]byte, ok bool) {
	if v.IsNull() || v.Kind() != parquet.ByteArray {
		return k, false
	}
	b := v.ByteArray()
	if len(b) != 20 {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

// Bounds decodes a row-group's or page's (min, max) statistic pair for
// column values into (lo, hi T). ok is false if either bound is absent
// or undecodable, signalling the caller to skip pruning at this stage.
func Bounds[T any](kt KeyType[T], min, max parquet.Value) (lo, hi T, ok bool) {
	lo, okLo := kt.FromValue(min)
	hi, okHi := kt.FromValue(max)
	if !okLo || !okHi {
		var zero T
		return zero, zero, false
	}
	return lo, hi, true
}

// Overlaps reports whether the closed interval [lo, hi] (a row-group's
// or page's statistics) intersects [qlo, qhi] (the min/max of the
// caller's sorted key set). This is the test behind row-group and
// page min/max pruning.
func Overlaps[T any](kt KeyType[T], lo, hi, qlo, qhi T) bool {
	return !kt.Less(hi, qlo) && !kt.Less(qhi, lo)
}
