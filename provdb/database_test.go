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

package provdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
)

func mkTableDir(t *testing.T, root string, sub string) string {
	t.Helper()
	dir := filepath.Join(root, sub)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func writeNodeFixture(t *testing.T, dir, name string, rows []NodeRow) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, parquet.Write(f, rows))
}

func writeCInRFixture(t *testing.T, dir, name string, rows []ContentInRevisionRow) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, parquet.Write(f, rows))
}

func writeCInDFixture(t *testing.T, dir, name string, rows []ContentInDirectoryRow) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, parquet.Write(f, rows))
}

func writeDInRFixture(t *testing.T, dir, name string, rows []DirectoryInRevisionRow) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, parquet.Write(f, rows))
}

func newFixtureDatabase(t *testing.T) *Database {
	t.Helper()
	root := t.TempDir()
	layout := DefaultLayout(root)

	nodes := mkTableDir(t, root, "nodes")
	cInR := mkTableDir(t, root, "contents_in_revisions_without_frontiers")
	cInD := mkTableDir(t, root, "contents_in_frontier_directories")
	dInR := mkTableDir(t, root, "frontier_directories_in_revisions")

	hash := func(b byte) []byte {
		h := make([]byte, 20)
		h[19] = b
		return h
	}
	writeNodeFixture(t, nodes, "a.parquet", []NodeRow{
		{Id: 1, Type: "cnt", Sha1Git: hash(1)},
		{Id: 2, Type: "dir", Sha1Git: hash(2)},
		{Id: 3, Type: "rev", Sha1Git: hash(3)},
	})
	writeCInRFixture(t, cInR, "a.parquet", []ContentInRevisionRow{
		{Cnt: 1, RevRel: 3, RevRelAuthorDate: 1111122220, Path: []byte("README.md")},
	})
	writeCInDFixture(t, cInD, "a.parquet", []ContentInDirectoryRow{
		{Cnt: 1, Dir: 2, Path: []byte("README.md")},
	})
	writeDInRFixture(t, dInR, "a.parquet", []DirectoryInRevisionRow{
		{Dir: 2, RevRel: 3, RevRelAuthorDate: 1111122220, Path: []byte("")},
	})

	db, err := Open(layout, "")
	require.NoError(t, err)
	return db
}

func TestOpenBootstrapsAllFourTables(t *testing.T) {
	db := newFixtureDatabase(t)
	require.Equal(t, "node", db.NodeByID.Name())
	require.Equal(t, "node", db.NodeByHash.Name())
	require.Equal(t, "c_in_r", db.CInR.Name())
	require.Equal(t, "c_in_d", db.CInD.Name())
	require.Equal(t, "d_in_r", db.DInR.Name())
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	root := t.TempDir()
	dir := mkTableDir(t, root, "nodes")
	writeNodeFixture(t, dir, "a.parquet", []NodeRow{{Id: 1, Type: "cnt", Sha1Git: make([]byte, 20)}})

	type driftedNodeRow struct {
		Id uint64 `parquet:"id"`
	}
	f, err := os.Create(filepath.Join(dir, "b.parquet"))
	require.NoError(t, err)
	require.NoError(t, parquet.Write(f, []driftedNodeRow{{Id: 2}}))
	require.NoError(t, f.Close())

	require.NoError(t, os.MkdirAll(filepath.Join(root, "contents_in_frontier_directories"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "frontier_directories_in_revisions"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "contents_in_revisions_without_frontiers"), 0o755))

	_, err = Open(DefaultLayout(root), "")
	require.Error(t, err)
}

func TestRefreshPicksUpNewFiles(t *testing.T) {
	db := newFixtureDatabase(t)
	require.Equal(t, 1, db.NodeByID.Snapshot().Len())

	writeNodeFixture(t, db.layout.Nodes, "b.parquet", []NodeRow{{Id: 4, Type: "cnt", Sha1Git: make([]byte, 20)}})
	require.NoError(t, db.Refresh())
	require.Equal(t, 2, db.NodeByID.Snapshot().Len())
	require.Equal(t, 2, db.NodeByHash.Snapshot().Len())
}
