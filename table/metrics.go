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
	"sync/atomic"
	"time"
)

// stageDuration tracks cumulative time spent in one pruning stage
// across every file in a scan, stored as nanoseconds so concurrent
// per-file goroutines can update it with a single atomic add.
type stageDuration struct {
	nanos atomic.Int64
}

func (d *stageDuration) add(dur time.Duration) { d.nanos.Add(int64(dur)) }
func (d *stageDuration) Duration() time.Duration {
	return time.Duration(d.nanos.Load())
}

// ScanInitMetrics accumulates per-stage counters for one
// StreamForKeys call (which returns it), summed across every file the scan
// touches. Keeping this breakdown per query rather than only as a
// process-wide total lets a caller tell a cold, index-miss-heavy scan
// from a warm, fully-pruned one; the type is built to be updated
// concurrently from one goroutine per scanned file.
type ScanInitMetrics struct {
	FilesPruned   atomic.Int64
	FilesSelected atomic.Int64

	RowGroupsPrunedByStats   atomic.Int64
	RowGroupsSelectedByStats atomic.Int64

	RowGroupsPrunedByBloom   atomic.Int64
	RowGroupsSelectedByBloom atomic.Int64

	PagesPruned   atomic.Int64
	PagesSelected atomic.Int64

	RowsSelectedByRowFilter atomic.Int64
	RowsPrunedByRowFilter   atomic.Int64
	RowsInSelectedPages     atomic.Int64

	FileLevelPruneTime  stageDuration
	FooterLoadTime      stageDuration
	RowGroupStatsTime   stageDuration
	BloomFilterTime     stageDuration
	PageIndexTime       stageDuration
	RowFilterDecodeTime stageDuration
}

// CheckInvariant verifies the identity every completed scan must
// satisfy: rows accepted and rejected by the row-level predicate must
// together account for every row in the pages stage 5 selected. A
// violation indicates a bug in the pruning pipeline, not a data
// problem, so callers (tests, mostly) should treat it as fatal.
func (m *ScanInitMetrics) CheckInvariant() error {
	selected := m.RowsSelectedByRowFilter.Load()
	pruned := m.RowsPrunedByRowFilter.Load()
	total := m.RowsInSelectedPages.Load()
	if selected+pruned != total {
		return fmt.Errorf("table: scan metrics invariant violated: selected(%d) + pruned(%d) != rows_in_selected_pages(%d)",
			selected, pruned, total)
	}
	return nil
}

// String renders a one-line human-readable summary, useful in logs.
func (m *ScanInitMetrics) String() string {
	return fmt.Sprintf(
		"files[pruned=%d selected=%d] row_groups_stats[pruned=%d selected=%d] row_groups_bloom[pruned=%d selected=%d] pages[pruned=%d selected=%d] rows[selected=%d pruned=%d]",
		m.FilesPruned.Load(), m.FilesSelected.Load(),
		m.RowGroupsPrunedByStats.Load(), m.RowGroupsSelectedByStats.Load(),
		m.RowGroupsPrunedByBloom.Load(), m.RowGroupsSelectedByBloom.Load(),
		m.PagesPruned.Load(), m.PagesSelected.Load(),
		m.RowsSelectedByRowFilter.Load(), m.RowsPrunedByRowFilter.Load(),
	)
}
