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

// Package provdb bootstraps the fixed four-table bundle: node, c_in_r,
// c_in_d, d_in_r. Opening a Database reads every file's footer once,
// verifies every file within a table shares one schema, and mmaps
// whatever EF-index sidecars are present — all of it done once at
// process start and held for the process lifetime.
package provdb

import (
	"fmt"

	"github.com/softwareheritage/swh-provenance/colstore"
	"github.com/softwareheritage/swh-provenance/objstore"
	"github.com/softwareheritage/swh-provenance/table"
)

// NodeRow is the row schema of the node table: the NodeId, a
// dictionary-encoded type tag, and the 20-byte sha1_git hash.
type NodeRow struct {
	Id      uint64 `parquet:"id"`
	Type    string `parquet:"type,dict"`
	Sha1Git []byte `parquet:"sha1_git"`
}

// ContentInRevisionRow is the row schema of c_in_r: contents reachable
// directly from a revision/release with no frontier directory between
// them.
type ContentInRevisionRow struct {
	Cnt              uint64 `parquet:"cnt"`
	RevRel           uint64 `parquet:"revrel"`
	RevRelAuthorDate int64  `parquet:"revrel_author_date"`
	Path             []byte `parquet:"path"`
}

// ContentInDirectoryRow is the row schema of c_in_d: contents reachable
// from a frontier directory.
type ContentInDirectoryRow struct {
	Cnt  uint64 `parquet:"cnt"`
	Dir  uint64 `parquet:"dir"`
	Path []byte `parquet:"path"`
}

// DirectoryInRevisionRow is the row schema of d_in_r: frontier
// directories reachable from a revision/release.
type DirectoryInRevisionRow struct {
	Dir              uint64 `parquet:"dir"`
	RevRel           uint64 `parquet:"revrel"`
	RevRelAuthorDate int64  `parquet:"revrel_author_date"`
	Path             []byte `parquet:"path"`
}

// Layout names the four table directories under a database root.
type Layout struct {
	Nodes                              string
	ContentsInFrontierDirectories      string
	FrontierDirectoriesInRevisions     string
	ContentsInRevisionsWithoutFrontier string
}

// DefaultLayout is the standard directory layout for a database rooted
// at root, which may be a local path or an "s3://bucket/prefix" URL.
func DefaultLayout(root string) Layout {
	return Layout{
		Nodes:                              objstore.Join(root, "nodes"),
		ContentsInFrontierDirectories:      objstore.Join(root, "contents_in_frontier_directories"),
		FrontierDirectoriesInRevisions:     objstore.Join(root, "frontier_directories_in_revisions"),
		ContentsInRevisionsWithoutFrontier: objstore.Join(root, "contents_in_revisions_without_frontiers"),
	}
}

// Database is the fixed bundle of four relation tables that answers
// every query the engine supports. The node table is opened twice,
// under two different key-column configurations: NodeByID (keyed on
// the dense NodeId, the column that actually carries an EF index) and
// NodeByHash (keyed on the 20-byte sha1_git, used by the
// node_ids_of semi-join fallback; this column has no EF index, so
// NodeByHash relies on bloom filters and the row-level predicate
// alone).
type Database struct {
	NodeByID   *table.Table[uint64]
	NodeByHash *table.Table[[20]byte]
	CInR       *table.Table[uint64]
	CInD       *table.Table[uint64]
	DInR       *table.Table[uint64]

	layout    Layout
	indexRoot string
}

// Open bootstraps all four tables from layout, verifying schema
// equivalence within each table directory first — a schema mismatch is
// treated as fatal corruption and the service refuses to start.
// indexRoot is the base path for EF-index sidecars; pass "" to use
// each table's own directory (the co-located layout).
func Open(layout Layout, indexRoot string) (*Database, error) {
	dirs := []string{
		layout.Nodes,
		layout.ContentsInFrontierDirectories,
		layout.FrontierDirectoriesInRevisions,
		layout.ContentsInRevisionsWithoutFrontier,
	}
	for _, dir := range dirs {
		if err := checkSchemaEquivalence(dir); err != nil {
			return nil, fmt.Errorf("provdb: %w", err)
		}
	}

	nodeIdxRoot := subIndexRoot(indexRoot, "nodes")
	nodeByID, err := table.Open(layout.Nodes, nodeIdxRoot, table.Config[uint64]{
		Name: "node", KeyType: colstore.Uint64Key{}, KeyColumn: "id", KeyColumnIndex: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("provdb: opening node (by id): %w", err)
	}
	nodeByHash, err := table.Open(layout.Nodes, nodeIdxRoot, table.Config[[20]byte]{
		Name: "node", KeyType: colstore.HashKey{}, KeyColumn: "sha1_git", KeyColumnIndex: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("provdb: opening node (by hash): %w", err)
	}

	cInR, err := table.Open(layout.ContentsInRevisionsWithoutFrontier, subIndexRoot(indexRoot, "contents_in_revisions_without_frontiers"), table.Config[uint64]{
		Name: "c_in_r", KeyType: colstore.Uint64Key{}, KeyColumn: "cnt", KeyColumnIndex: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("provdb: opening c_in_r: %w", err)
	}
	cInD, err := table.Open(layout.ContentsInFrontierDirectories, subIndexRoot(indexRoot, "contents_in_frontier_directories"), table.Config[uint64]{
		Name: "c_in_d", KeyType: colstore.Uint64Key{}, KeyColumn: "cnt", KeyColumnIndex: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("provdb: opening c_in_d: %w", err)
	}
	dInR, err := table.Open(layout.FrontierDirectoriesInRevisions, subIndexRoot(indexRoot, "frontier_directories_in_revisions"), table.Config[uint64]{
		Name: "d_in_r", KeyType: colstore.Uint64Key{}, KeyColumn: "dir", KeyColumnIndex: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("provdb: opening d_in_r: %w", err)
	}

	return &Database{
		NodeByID:   nodeByID,
		NodeByHash: nodeByHash,
		CInR:       cInR,
		CInD:       cInD,
		DInR:       dInR,
		layout:     layout,
		indexRoot:  indexRoot,
	}, nil
}

// subIndexRoot mirrors a table's subdirectory name under indexRoot, so
// a single --indexes base path fans out into one parallel directory
// per table, exactly as the co-located layout does. An empty indexRoot
// keeps the co-located default (table.Open treats "" as "same as the
// data directory").
func subIndexRoot(indexRoot, tableDir string) string {
	if indexRoot == "" {
		return ""
	}
	return objstore.Join(indexRoot, tableDir)
}

// Refresh relists every table's directory, picking up newly written
// files without a process restart.
func (d *Database) Refresh() error {
	if err := d.NodeByID.Refresh(d.layout.Nodes, subIndexRoot(d.indexRoot, "nodes")); err != nil {
		return err
	}
	if err := d.NodeByHash.Refresh(d.layout.Nodes, subIndexRoot(d.indexRoot, "nodes")); err != nil {
		return err
	}
	if err := d.CInR.Refresh(d.layout.ContentsInRevisionsWithoutFrontier, subIndexRoot(d.indexRoot, "contents_in_revisions_without_frontiers")); err != nil {
		return err
	}
	if err := d.CInD.Refresh(d.layout.ContentsInFrontierDirectories, subIndexRoot(d.indexRoot, "contents_in_frontier_directories")); err != nil {
		return err
	}
	if err := d.DInR.Refresh(d.layout.FrontierDirectoriesInRevisions, subIndexRoot(d.indexRoot, "frontier_directories_in_revisions")); err != nil {
		return err
	}
	return nil
}
