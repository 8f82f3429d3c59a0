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
	"github.com/softwareheritage/swh-provenance/ef"
	"github.com/softwareheritage/swh-provenance/reader"
)

// FileHandle binds one physical Parquet file to its own ReaderPool and
// optional FileIndex. A Table holds one FileHandle per file for its
// entire lifetime; FileHandles are immutable once constructed other
// than the lock-free pool of leased readers inside them.
type FileHandle struct {
	// Path identifies the file for diagnostics and for locating its
	// EF-index sidecar.
	Path string
	// Size is the file size in bytes, required up front by
	// parquet.OpenFile.
	Size int64
	// Index is the file-level succinct set index for the table's key
	// column, or nil if the sidecar was absent at load time — absence
	// of an EF index is non-fatal. A nil *ef.FileIndex already answers
	// Contains with "true" for everything, so callers never need a nil
	// check before using it.
	Index *ef.FileIndex

	pool *reader.Pool[*reader.CachingReader]
	open func() (reader.RangeReaderAt, error)
}

// newFileHandle constructs a FileHandle. open is called (by the
// reader pool's factory, at most once per concurrently-live lease) to
// obtain a fresh byte-range reader for the file; for a local table
// this is typically os.Open wrapped to satisfy reader.RangeReaderAt.
func newFileHandle(path string, size int64, idx *ef.FileIndex, open func() (reader.RangeReaderAt, error)) *FileHandle {
	return &FileHandle{
		Path:  path,
		Size:  size,
		Index: idx,
		pool:  reader.New[*reader.CachingReader](),
		open:  open,
	}
}

// acquire leases a CachingReader for this file, reusing the first idle
// one in the pool if any, or constructing a new one via open.
func (fh *FileHandle) acquire() (*reader.Leased[*reader.CachingReader], error) {
	return reader.Acquire(fh.pool, func() (*reader.CachingReader, error) {
		ra, err := fh.open()
		if err != nil {
			return nil, err
		}
		return reader.New(fh.Path, ra, fh.Size), nil
	})
}
