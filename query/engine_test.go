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

package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/softwareheritage/swh-provenance/provdb"
	"github.com/softwareheritage/swh-provenance/swhid"
)

func mustParse(t *testing.T, s string) swhid.ID {
	t.Helper()
	id, err := swhid.Parse(s)
	require.NoError(t, err)
	return id
}

// buildFixtureDatabase reproduces a tiny synthetic provenance dataset:
//
//	rev 00..00 "Initial commit" -> dir 00..01 -> cnt 00..02 (README.md)
//	dir 00..03 -> cnt 00..04 (parser.c), unreachable from any revision
//
// Frontier directories: {00..01}. Author date of rev 00..00: 1111122220.
func buildFixtureDatabase(t *testing.T) *provdb.Database {
	t.Helper()
	root := t.TempDir()
	layout := provdb.DefaultLayout(root)

	mk := func(sub string) string {
		dir := filepath.Join(root, sub)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		return dir
	}
	nodes := mk("nodes")
	cInR := mk("contents_in_revisions_without_frontiers")
	cInD := mk("contents_in_frontier_directories")
	dInR := mk("frontier_directories_in_revisions")

	hash := func(b byte) []byte {
		h := make([]byte, 20)
		h[19] = b
		return h
	}
	write := func(dir, name string, rows any) {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, parquet.Write(f, rows))
	}

	// NodeIds: rev=10, dir1(frontier)=11, cnt README=12, dir2=13, cnt parser.c=14.
	write(nodes, "a.parquet", []provdb.NodeRow{
		{Id: 10, Type: "rev", Sha1Git: hash(0x00)},
		{Id: 11, Type: "dir", Sha1Git: hash(0x01)},
		{Id: 12, Type: "cnt", Sha1Git: hash(0x02)},
		{Id: 13, Type: "dir", Sha1Git: hash(0x03)},
		{Id: 14, Type: "cnt", Sha1Git: hash(0x04)},
	})
	// cnt 12 is reachable directly from dir 11, a frontier directory,
	// so it goes through c_in_d/d_in_r, not c_in_r.
	write(cInD, "a.parquet", []provdb.ContentInDirectoryRow{
		{Cnt: 12, Dir: 11, Path: []byte("README.md")},
	})
	write(dInR, "a.parquet", []provdb.DirectoryInRevisionRow{
		{Dir: 11, RevRel: 10, RevRelAuthorDate: 1111122220, Path: []byte("")},
	})
	// cnt 14 is under dir 13, which is never reachable from any revision:
	// dangling content, no row in any table should name it as an anchor.
	write(cInR, "a.parquet", []provdb.ContentInRevisionRow{})

	db, err := provdb.Open(layout, "")
	require.NoError(t, err)
	return db
}

func TestWhereIsOneViaFrontierDirectory(t *testing.T) {
	db := buildFixtureDatabase(t)
	eng := New(db, nil)

	res, err := eng.WhereIsOne(context.Background(), mustParse(t, "swh:1:cnt:0000000000000000000000000000000000000002"))
	require.NoError(t, err)
	require.NotNil(t, res.Anchor)
	require.Equal(t, "swh:1:rev:0000000000000000000000000000000000000000", res.Anchor.String())
}

func TestWhereIsOneViaFrontierDirectorySWHID(t *testing.T) {
	db := buildFixtureDatabase(t)
	eng := New(db, nil)

	res, err := eng.WhereIsOne(context.Background(), mustParse(t, "swh:1:dir:0000000000000000000000000000000000000001"))
	require.NoError(t, err)
	require.NotNil(t, res.Anchor)
	require.Equal(t, "swh:1:rev:0000000000000000000000000000000000000000", res.Anchor.String())
}

func TestWhereIsOneDanglingContentHasNoAnchor(t *testing.T) {
	db := buildFixtureDatabase(t)
	eng := New(db, nil)

	res, err := eng.WhereIsOne(context.Background(), mustParse(t, "swh:1:cnt:0000000000000000000000000000000000000004"))
	require.NoError(t, err)
	require.Nil(t, res.Anchor)
}

func TestWhereIsOneUnknownSWHIDIsNotFound(t *testing.T) {
	db := buildFixtureDatabase(t)
	eng := New(db, nil)

	_, err := eng.WhereIsOne(context.Background(), mustParse(t, "swh:1:cnt:ffffffffffffffffffffffffffffffffffffffff"))
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestNodeIDsOfRejectsDuplicateRequest(t *testing.T) {
	db := buildFixtureDatabase(t)
	eng := New(db, nil)
	id := mustParse(t, "swh:1:cnt:0000000000000000000000000000000000000002")

	_, err := eng.NodeIDsOf(context.Background(), []swhid.ID{id, id})
	require.ErrorIs(t, err, ErrDuplicateSWHID)
}

func TestSWHIDsOfRoundTrips(t *testing.T) {
	db := buildFixtureDatabase(t)
	eng := New(db, nil)
	id := mustParse(t, "swh:1:rev:0000000000000000000000000000000000000000")

	nodeIDs, err := eng.NodeIDsOf(context.Background(), []swhid.ID{id})
	require.NoError(t, err)

	back, err := eng.SWHIDsOf(context.Background(), nodeIDs)
	require.NoError(t, err)
	require.Equal(t, id, back[0])
}
