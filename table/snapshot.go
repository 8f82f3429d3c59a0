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

// Snapshot is the immutable list of files a single StreamForKeys call
// scans, giving every scan a fixed view of the table directory so that
// a long-running scan is unaffected by a concurrent relisting of the
// directory. It is captured once per StreamForKeys call and never
// mutated afterwards.
//
// This is not a transaction in the write-path sense — there is no
// write path in this engine — it only isolates one scan's file list
// from Table.Refresh being called concurrently by another goroutine.
type Snapshot struct {
	files []*FileHandle
}

// Files returns the file handles captured in this snapshot, in the
// order they were listed.
func (s *Snapshot) Files() []*FileHandle {
	return s.files
}

// Len reports how many files this snapshot covers.
func (s *Snapshot) Len() int { return len(s.files) }

// newSnapshot copies the current file handle list so the caller holds
// a stable view even if the Table's own list is later replaced by
// Refresh.
func newSnapshot(files []*FileHandle) *Snapshot {
	cp := make([]*FileHandle, len(files))
	copy(cp, files)
	return &Snapshot{files: cp}
}
