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
	"fmt"
	"io"
	"sync/atomic"

	"github.com/parquet-go/parquet-go"
)

// RangeReaderAt is the byte-range-capable reader a CachingReader wraps.
// *os.File and any object-store "get object range" client that
// implements io.ReaderAt satisfy this directly.
type RangeReaderAt interface {
	io.ReaderAt
	io.Closer
}

// CachingReader wraps a RangeReaderAt and memoises the parsed Parquet
// file metadata (footer, column index, and offset index) for the
// lifetime of the reader.
//
// The first Metadata call performs the footer read and eagerly
// enriches it with the page index in the same call rather than
// deferring that work to a later, separate parse: the cache stores the
// enriched result, so a second Metadata call from a different table
// scan never re-parses the footer or the page index.
//
// Concurrent first calls race benignly: both may perform the I/O, but
// only the first to finish installs its result; the loser's parsed
// metadata is discarded.
type CachingReader struct {
	name string
	ra   RangeReaderAt
	size int64

	cached atomic.Pointer[parquet.File]
}

// New wraps ra (sized size bytes, identified by name for diagnostics)
// in a CachingReader.
func New(name string, ra RangeReaderAt, size int64) *CachingReader {
	return &CachingReader{name: name, ra: ra, size: size}
}

// Name returns the identifier the CachingReader was constructed with.
func (c *CachingReader) Name() string { return c.name }

// Metadata returns the cached, page-index-enriched Parquet file
// metadata, parsing it on the first call.
func (c *CachingReader) Metadata() (*parquet.File, error) {
	if f := c.cached.Load(); f != nil {
		return f, nil
	}
	f, err := parquet.OpenFile(c.ra, c.size,
		parquet.SkipPageIndex(false),
		parquet.SkipBloomFilters(false),
	)
	if err != nil {
		return nil, fmt.Errorf("reader: parsing footer of %s: %w", c.name, err)
	}
	if c.cached.CompareAndSwap(nil, f) {
		return f, nil
	}
	// lost the race: some other goroutine's parse won, use that one
	// and let ours (and its page index buffers) be garbage collected
	return c.cached.Load(), nil
}

// GetBytes reads a single byte range. Unlike Metadata, this is not
// cached: by the time a range is requested the pruning pipeline has
// already decided the range is worth reading exactly once, so caching
// it would only hold memory for data unlikely to be re-read.
func (c *CachingReader) GetBytes(off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := c.ra.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("reader: reading %d bytes at %d from %s: %w", n, off, c.name, err)
	}
	return buf, nil
}

// GetByteRanges is the batched form of GetBytes, for several disjoint
// ranges of the same file. Each range is read with its own GetBytes
// call, in order; no multi-range request is issued.
func (c *CachingReader) GetByteRanges(ranges [][2]int64) ([][]byte, error) {
	out := make([][]byte, len(ranges))
	for i, r := range ranges {
		b, err := c.GetBytes(r[0], r[1])
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Close closes the underlying RangeReaderAt.
func (c *CachingReader) Close() error {
	return c.ra.Close()
}
