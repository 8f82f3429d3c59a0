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

// Package ef implements the file-level succinct sorted-integer set used
// to prune whole files out of a keyed table scan before a footer is
// ever read. The set is the exact distinct value set of one column in
// one file: if a key is absent from the set, no row in the file
// carries that key.
//
// The set is backed by a RoaringBitmap
// (github.com/RoaringBitmap/roaring/roaring64), which gives an
// amortised O(1) membership test over a compressed, sorted
// representation of a uint64 set. See DESIGN.md for the tradeoff
// against a literal Elias-Fano encoding.
package ef

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// ErrAbsent is a sentinel used internally to signal "no index file";
// callers should treat it as "cannot prune at this stage", not a fatal
// condition.
var ErrAbsent = errors.New("ef: index file absent")

// FileIndex is the distinct set of values of one key column within one
// table file. A nil *FileIndex is valid and behaves as "don't know":
// every Contains call returns true and every IndexOf call returns not-ok,
// which the caller's pruning pipeline treats as "select all".
type FileIndex struct {
	bitmap *roaring64.Bitmap
}

// Contains reports whether k is a member of the set. A nil receiver
// (absent index) always returns true: the pruning pipeline falls back
// to the next stage rather than wrongly excluding a file.
func (idx *FileIndex) Contains(k uint64) bool {
	if idx == nil || idx.bitmap == nil {
		return true
	}
	return idx.bitmap.Contains(k)
}

// IndexOf returns the rank (0-based position within the sorted set) of
// k, or ok=false if k is not present.
func (idx *FileIndex) IndexOf(k uint64) (pos uint64, ok bool) {
	if idx == nil || idx.bitmap == nil || !idx.bitmap.Contains(k) {
		return 0, false
	}
	return idx.bitmap.Rank(k) - 1, true
}

// Len returns the number of distinct keys in the index, or 0 for an
// absent index.
func (idx *FileIndex) Len() uint64 {
	if idx == nil || idx.bitmap == nil {
		return 0
	}
	return idx.bitmap.GetCardinality()
}

// Filter narrows keys (assumed sorted ascending, deduplicated) down to
// the subset that is actually present in idx. When idx is nil/absent,
// Filter returns keys unmodified: pruning is deferred to later stages.
func (idx *FileIndex) Filter(keys []uint64) []uint64 {
	if idx == nil || idx.bitmap == nil {
		return keys
	}
	out := keys[:0:0]
	for _, k := range keys {
		if idx.bitmap.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

// Builder accumulates a sorted, deduplicated key set in large batches
// and produces a FileIndex. Batches need not be individually sorted;
// RoaringBitmap's internal containers absorb the dedupe/merge work that
// the source Elias-Fano builder would otherwise need an explicit
// radix-sort-and-k-way-merge pass for.
type Builder struct {
	bitmap *roaring64.Bitmap
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{bitmap: roaring64.New()}
}

// AddBatch folds a batch of key-column values into the set under
// construction.
func (b *Builder) AddBatch(keys []uint64) {
	b.bitmap.AddMany(keys)
}

// Finish compacts the accumulated set and returns the resulting
// FileIndex. The Builder must not be used afterwards.
func (b *Builder) Finish() *FileIndex {
	b.bitmap.RunOptimize()
	return &FileIndex{bitmap: b.bitmap}
}

// WriteTo serializes idx in the on-disk sidecar format
// (`<file>.index=<column>.ef`).
func (idx *FileIndex) WriteTo(w io.Writer) (int64, error) {
	if idx == nil || idx.bitmap == nil {
		return 0, fmt.Errorf("ef: cannot serialize an absent index")
	}
	return idx.bitmap.WriteTo(w)
}

// Save writes idx to path, the convention used for the co-located EF
// sidecar file.
func (idx *FileIndex) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := idx.WriteTo(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a sidecar index file fully into memory. Use MMap to avoid
// the eager read when the file is large and backed by local disk.
func Load(path string) (*FileIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAbsent, path)
		}
		return nil, err
	}
	defer f.Close()
	bm := roaring64.New()
	if _, err := bm.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("ef: decoding %s: %w", path, err)
	}
	return &FileIndex{bitmap: bm}, nil
}

// SidecarPath returns the path of the EF-index sidecar file for a table
// file at relPath, column column, rooted at indexRoot: the EF-index
// path for file X of column C is X.index=C.ef in a parallel directory
// tree rooted at a separately configurable path.
func SidecarPath(indexRoot, relPath, column string) string {
	return indexRoot + "/" + relPath + ".index=" + column + ".ef"
}
