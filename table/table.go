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

// Package table implements the keyed streaming scan over one
// directory of homogeneous-schema Parquet files, including the
// multi-stage pruning pipeline: file-level EF pruning, row-group
// min/max, bloom filters, page-index min/max, and a row-level
// predicate applied during decode.
package table

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"runtime"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"github.com/softwareheritage/swh-provenance/colstore"
	"github.com/softwareheritage/swh-provenance/ef"
	"github.com/softwareheritage/swh-provenance/fsutil"
	"github.com/softwareheritage/swh-provenance/objstore"
	"github.com/softwareheritage/swh-provenance/reader"
)

// Config describes one table: its on-disk location, its key column's
// type and position, and where to find EF-index sidecars.
type Config[K any] struct {
	// Name identifies the table in logs and error messages (e.g.
	// "node", "c_in_r").
	Name string
	// KeyType is the capability set for this table's key column.
	KeyType colstore.KeyType[K]
	// KeyColumn is the sidecar-index column tag, e.g. "id" or "cnt"
	// (used to build the "<file>.index=<column>.ef" sidecar path).
	KeyColumn string
	// KeyColumnIndex is the leaf index of the key column within a
	// decoded parquet.Row, in schema-declaration order.
	KeyColumnIndex int
}

// Table is a directory of homogeneous-schema Parquet files exposing a
// single operation: stream the rows whose key column contains any of
// a caller-supplied key set.
type Table[K any] struct {
	cfg       Config[K]
	indexRoot string

	mu    sync.RWMutex
	files []*FileHandle
}

// Open lists dataDir — a local path, an optional "file://" URL, or an
// "s3://bucket/prefix" URL — registers every *.parquet file found
// directly inside it with its size (the file itself is opened later, by
// the reader pool, on first scan), and, for a local dataDir, attempts to mmap
// its EF-index sidecar from indexRoot (or dataDir itself if indexRoot
// is empty, i.e. the co-located layout). A missing sidecar is not an
// error: the FileHandle's Index is left nil, which every ef query
// already treats as "select all". An object-store dataDir never has an
// EF index: mmap has no meaning over a network object, so file-level
// pruning for such a table always falls through to bloom filters and
// the row-level predicate.
//
// Schema equivalence across files is not checked here: callers that
// want that bootstrap invariant verified should use provdb.Database,
// which calls Open once per table and checks schemas across the whole
// bundle.
func Open[K any](dataDir, indexRoot string, cfg Config[K]) (*Table[K], error) {
	fsys, root, err := objstore.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", cfg.Name, err)
	}
	remote := objstore.IsRemote(dataDir)
	if indexRoot == "" {
		indexRoot = dataDir
	}

	t := &Table[K]{cfg: cfg, indexRoot: indexRoot}
	err = fsutil.VisitDir(fsys, root, "", "*.parquet", func(d fsutil.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		name := path.Join(root, d.Name())
		display := objstore.Join(dataDir, d.Name())
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", display, err)
		}

		var idx *ef.FileIndex
		if !remote {
			sidecar := ef.SidecarPath(indexRoot, d.Name(), cfg.KeyColumn)
			idx, err = ef.MMap(sidecar)
			if err != nil {
				if !errors.Is(err, ef.ErrAbsent) {
					return fmt.Errorf("loading index for %s: %w", display, err)
				}
				idx = nil
			}
		}

		fh := newFileHandle(display, info.Size(), idx, func() (reader.RangeReaderAt, error) {
			f, err := fsys.Open(name)
			if err != nil {
				return nil, err
			}
			ra, ok := f.(reader.RangeReaderAt)
			if !ok {
				f.Close()
				return nil, fmt.Errorf("%s: file handle does not support ranged reads", name)
			}
			return ra, nil
		})
		t.files = append(t.files, fh)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("table %s: listing %s: %w", cfg.Name, dataDir, err)
	}
	return t, nil
}

// Refresh relists the table directory and replaces the file list,
// leaving any in-flight scan's Snapshot (taken before the call)
// unaffected. Tables are normally constructed once at process start;
// Refresh exists for long-lived servers that want to pick up newly
// added files without a restart — it does not remove files still in
// use by a live Snapshot.
func (t *Table[K]) Refresh(dataDir, indexRoot string) error {
	fresh, err := Open(dataDir, indexRoot, t.cfg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.files = fresh.files
	t.mu.Unlock()
	return nil
}

// Snapshot captures the table's current file list for one scan.
func (t *Table[K]) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return newSnapshot(t.files)
}

// Name returns the table's configured name.
func (t *Table[K]) Name() string { return t.cfg.Name }

// Result is one decoded row, or a terminal error, emitted by
// StreamForKeys.
type Result[R any] struct {
	Row R
	Err error
}

// concurrencyWindow bounds both the number of files scanned
// concurrently and the flattening output channel's capacity.
func concurrencyWindow() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

// StreamForKeys is a free function, not a method, because Go forbids a
// generic method from introducing a type parameter beyond its
// receiver's: R (the decoded row type) varies per call-site even
// though K (the key type) is fixed for the Table.
//
// An empty keys set returns immediately with a closed, empty,
// well-typed stream and zero metrics, without opening any file.
func StreamForKeys[K, R any](ctx context.Context, t *Table[K], snap *Snapshot, keys *KeySet[K]) (*ScanInitMetrics, <-chan Result[R], error) {
	metrics := &ScanInitMetrics{}
	if keys.Empty() {
		ch := make(chan Result[R])
		close(ch)
		return metrics, ch, nil
	}

	out := make(chan Result[R], concurrencyWindow())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyWindow())

	for _, fh := range snap.Files() {
		fh := fh
		g.Go(func() error {
			err := scanFile[K, R](gctx, t.cfg, fh, keys, metrics, out)
			if err != nil {
				select {
				case out <- Result[R]{Err: fmt.Errorf("table %s: scanning %s: %w", t.cfg.Name, fh.Path, err)}:
				case <-gctx.Done():
				}
			}
			return nil // per-file errors are delivered in-band, not via errgroup
		})
	}

	go func() {
		g.Wait()
		close(out)
	}()

	return metrics, out, nil
}

// scanFile runs the six-stage pruning pipeline against one file and
// emits matching rows into out.
func scanFile[K, R any](ctx context.Context, cfg Config[K], fh *FileHandle, keys *KeySet[K], metrics *ScanInitMetrics, out chan<- Result[R]) error {
	kt := cfg.KeyType

	// stage 1: file-level EF pruning
	t0 := time.Now()
	candidates := efFilterKeys(kt, fh.Index, keys.vals)
	metrics.FileLevelPruneTime.add(time.Since(t0))
	if len(candidates) == 0 {
		metrics.FilesPruned.Add(1)
		return nil
	}
	metrics.FilesSelected.Add(1)
	fileKeys, err := NewKeySet(kt, candidates)
	if err != nil {
		return err
	}
	qlo, qhi := fileKeys.Bounds()

	// stage 2: open reader + footer (cached)
	t0 = time.Now()
	lease, err := fh.acquire()
	if err != nil {
		return err
	}
	defer lease.Release()
	meta, err := lease.Reader.Metadata()
	metrics.FooterLoadTime.add(time.Since(t0))
	if err != nil {
		return err
	}

	for _, rg := range meta.RowGroups() {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunks := rg.ColumnChunks()
		if cfg.KeyColumnIndex >= len(chunks) {
			return fmt.Errorf("key column index %d out of range (row group has %d columns)", cfg.KeyColumnIndex, len(chunks))
		}
		chunk := chunks[cfg.KeyColumnIndex]

		// stage 3: row-group min/max
		t0 = time.Now()
		lo, hi, ok := chunkBounds(kt, chunk)
		metrics.RowGroupStatsTime.add(time.Since(t0))
		if ok {
			if !colstore.Overlaps(kt, lo, hi, qlo, qhi) {
				metrics.RowGroupsPrunedByStats.Add(1)
				continue
			}
			metrics.RowGroupsSelectedByStats.Add(1)
		}

		// stage 4: bloom filter
		t0 = time.Now()
		maybe, bloomOK := bloomMayContain(kt, chunk, fileKeys)
		metrics.BloomFilterTime.add(time.Since(t0))
		if bloomOK {
			if !maybe {
				metrics.RowGroupsPrunedByBloom.Add(1)
				continue
			}
			metrics.RowGroupsSelectedByBloom.Add(1)
		}

		// stage 5: page index
		t0 = time.Now()
		ranges, total, pagesOK := selectedPages(kt, chunk, rg.NumRows(), qlo, qhi)
		metrics.PageIndexTime.add(time.Since(t0))
		if !pagesOK {
			ranges = []pageRange{{From: 0, To: rg.NumRows()}}
		} else {
			metrics.PagesSelected.Add(int64(len(ranges)))
			metrics.PagesPruned.Add(int64(total - len(ranges)))
		}
		if len(ranges) == 0 {
			continue
		}

		// stage 6: row-level predicate during decode
		if err := decodeRanges[K, R](ctx, rg, ranges, cfg, fileKeys, metrics, out); err != nil {
			return err
		}
	}
	return nil
}

// decodeRanges reads the selected row ranges of one row group,
// applies the exact row-level predicate, and emits matching rows.
func decodeRanges[K, R any](ctx context.Context, rg parquet.RowGroup, ranges []pageRange, cfg Config[K], keys *KeySet[K], metrics *ScanInitMetrics, out chan<- Result[R]) error {
	buf := make([]parquet.Row, 64)
	for _, rng := range ranges {
		if err := decodeRange[K, R](ctx, rg, rng, buf, cfg, keys, metrics, out); err != nil {
			return err
		}
	}
	return nil
}

// decodeRange reads one selected row range of a row group, applies
// the row-level predicate to each row, and emits the rows that match.
func decodeRange[K, R any](ctx context.Context, rg parquet.RowGroup, rng pageRange, buf []parquet.Row, cfg Config[K], keys *KeySet[K], metrics *ScanInitMetrics, out chan<- Result[R]) error {
	schema := rg.Schema()
	sliced := parquet.SliceRowGroup(rg, rng.From, rng.To)
	rows := sliced.Rows()
	defer rows.Close()

	for {
		n, readErr := rows.ReadRows(buf)
		for i := 0; i < n; i++ {
			row := buf[i]
			if cfg.KeyColumnIndex >= len(row) {
				continue
			}
			metrics.RowsInSelectedPages.Add(1)
			k, ok := cfg.KeyType.FromValue(row[cfg.KeyColumnIndex])
			if !ok || !keys.rowMatches(k) {
				metrics.RowsPrunedByRowFilter.Add(1)
				continue
			}
			metrics.RowsSelectedByRowFilter.Add(1)

			var r R
			if rerr := schema.Reconstruct(&r, row); rerr != nil {
				return rerr
			}
			select {
			case out <- Result[R]{Row: r}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return readErr
			}
			return nil
		}
	}
}
