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
	"github.com/parquet-go/parquet-go"

	"github.com/softwareheritage/swh-provenance/colstore"
	"github.com/softwareheritage/swh-provenance/ef"
)

// pageRange is a half-open row-index interval [From, To) local to one
// row group, selected by page-index pruning.
type pageRange struct {
	From, To int64
}

// chunkBounds derives a row group's [min, max] for its key column from
// the column's page index, since parquet-go exposes per-page
// statistics directly but not a single precomputed per-chunk bound.
// ok is false if the column carries no index at all, which the caller
// treats as "missing row-group statistics, skip this pruning stage".
func chunkBounds[K any](kt colstore.KeyType[K], chunk parquet.ColumnChunk) (lo, hi K, ok bool) {
	ci, err := chunk.ColumnIndex()
	if err != nil || ci == nil {
		var zero K
		return zero, zero, false
	}
	n := ci.NumPages()
	if n == 0 {
		var zero K
		return zero, zero, false
	}
	first := true
	for i := 0; i < n; i++ {
		if ci.NullPage(i) {
			continue
		}
		pmin, okMin := kt.FromValue(ci.MinValue(i))
		pmax, okMax := kt.FromValue(ci.MaxValue(i))
		if !okMin || !okMax {
			continue
		}
		if first {
			lo, hi, ok = pmin, pmax, true
			first = false
			continue
		}
		if kt.Less(pmin, lo) {
			lo = pmin
		}
		if kt.Less(hi, pmax) {
			hi = pmax
		}
	}
	return lo, hi, ok
}

// bloomMayContain consults the row group's bloom filter on the key
// column, if any, for every key in the set; a row group survives iff
// at least one key tests positive. ok is false if the chunk carries no
// bloom filter, meaning the stage is skipped.
func bloomMayContain[K any](kt colstore.KeyType[K], chunk parquet.ColumnChunk, keys *KeySet[K]) (maybeContains bool, ok bool) {
	bf := chunk.BloomFilter()
	if bf == nil {
		return true, false
	}
	for _, k := range keys.vals {
		hit, err := bf.Check(kt.AsBloomValue(k))
		if err == nil && hit {
			return true, true
		}
	}
	return false, true
}

// selectedPages walks a column's page index and offset index together
// and returns the local row ranges of pages whose [min, max] overlaps
// the query's key bounds, plus the total number of pages considered
// (so the caller can derive how many were pruned). A page with no
// bounds (null page, or undecodable statistics) is conservatively
// selected, since "don't know" means "select all".
func selectedPages[K any](kt colstore.KeyType[K], chunk parquet.ColumnChunk, numRows int64, qlo, qhi K) (ranges []pageRange, total int, ok bool) {
	ci, err := chunk.ColumnIndex()
	if err != nil || ci == nil {
		return nil, 0, false
	}
	oi, err := chunk.OffsetIndex()
	if err != nil || oi == nil {
		return nil, 0, false
	}
	n := ci.NumPages()
	if n == 0 || oi.NumPages() != n {
		return nil, 0, false
	}
	for i := 0; i < n; i++ {
		from := oi.FirstRowIndex(i)
		to := numRows
		if i+1 < n {
			to = oi.FirstRowIndex(i + 1)
		}
		if ci.NullPage(i) {
			ranges = append(ranges, pageRange{From: from, To: to})
			continue
		}
		lo, okLo := kt.FromValue(ci.MinValue(i))
		hi, okHi := kt.FromValue(ci.MaxValue(i))
		if !okLo || !okHi {
			ranges = append(ranges, pageRange{From: from, To: to})
			continue
		}
		if colstore.Overlaps(kt, lo, hi, qlo, qhi) {
			ranges = append(ranges, pageRange{From: from, To: to})
		}
	}
	return ranges, n, true
}

// efFilterKeys narrows keys to those that might be present in a file
// according to its EF index. Keys whose type cannot be EF-encoded
// (HashKey) always pass through unfiltered, since this stage only
// applies to key types that implement AsEFKey.
func efFilterKeys[K any](kt colstore.KeyType[K], idx *ef.FileIndex, keys []K) []K {
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		enc, ok := kt.AsEFKey(k)
		if !ok || idx.Contains(enc) {
			out = append(out, k)
		}
	}
	return out
}
