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

package provrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/softwareheritage/swh-provenance/provdb"
	"github.com/softwareheritage/swh-provenance/query"
)

func newFixtureServer(t *testing.T) *Server {
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

	write(nodes, "a.parquet", []provdb.NodeRow{
		{Id: 10, Type: "rev", Sha1Git: hash(0x00)},
		{Id: 11, Type: "cnt", Sha1Git: hash(0x02)},
	})
	write(cInR, "a.parquet", []provdb.ContentInRevisionRow{
		{Cnt: 11, RevRel: 10, RevRelAuthorDate: 1111122220, Path: []byte("README.md")},
	})
	write(cInD, "a.parquet", []provdb.ContentInDirectoryRow{})
	write(dInR, "a.parquet", []provdb.DirectoryInRevisionRow{})

	db, err := provdb.Open(layout, "")
	require.NoError(t, err)

	eng := query.New(db, nil)
	logger := log.New(io.Discard, "", 0)
	return New(eng, logger, 0)
}

func TestHandleWhereIsOneSuccess(t *testing.T) {
	s := newFixtureServer(t)
	req := httptest.NewRequest(http.MethodGet, "/where-is-one?swhid=swh:1:cnt:0000000000000000000000000000000000000002", nil)
	w := httptest.NewRecorder()
	s.handleWhereIsOne(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body whereIsOneResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "swh:1:rev:0000000000000000000000000000000000000000", body.Anchor)
}

func TestHandleWhereIsOneMalformedSWHID(t *testing.T) {
	s := newFixtureServer(t)
	req := httptest.NewRequest(http.MethodGet, "/where-is-one?swhid=not-a-swhid", nil)
	w := httptest.NewRecorder()
	s.handleWhereIsOne(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWhereIsOneUnknownSWHID(t *testing.T) {
	s := newFixtureServer(t)
	req := httptest.NewRequest(http.MethodGet, "/where-is-one?swhid=swh:1:cnt:ffffffffffffffffffffffffffffffffffffffff", nil)
	w := httptest.NewRecorder()
	s.handleWhereIsOne(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleWhereAreOneStreamsBothResults(t *testing.T) {
	s := newFixtureServer(t)
	var body bytes.Buffer
	body.WriteString(`{"swhid":"swh:1:cnt:0000000000000000000000000000000000000002"}` + "\n")
	body.WriteString(`{"swhid":"swh:1:cnt:ffffffffffffffffffffffffffffffffffffffff"}` + "\n")

	req := httptest.NewRequest(http.MethodPost, "/where-are-one", &body)
	w := httptest.NewRecorder()
	s.handleWhereAreOne(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	scanner := bufio.NewScanner(w.Body)
	var results []whereAreOneResponse
	for scanner.Scan() {
		var r whereAreOneResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	require.Len(t, results, 2)

	byInput := make(map[string]whereAreOneResponse)
	for _, r := range results {
		byInput[r.SWHID] = r
	}
	found := byInput["swh:1:cnt:0000000000000000000000000000000000000002"]
	require.Equal(t, "swh:1:rev:0000000000000000000000000000000000000000", found.Anchor)
	notFound := byInput["swh:1:cnt:ffffffffffffffffffffffffffffffffffffffff"]
	require.NotEmpty(t, notFound.Error)
}
