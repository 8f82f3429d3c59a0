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

// Package query implements the translation from symbolic SWHIDs to
// NodeIds, the keyed joins across the four provenance relations, and
// the single-answer where_is_one operation.
package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/softwareheritage/swh-provenance/colstore"
	"github.com/softwareheritage/swh-provenance/graphstore"
	"github.com/softwareheritage/swh-provenance/provdb"
	"github.com/softwareheritage/swh-provenance/swhid"
	"github.com/softwareheritage/swh-provenance/table"
)

// ErrDuplicateSWHID is returned by NodeIDsOf when the input contains
// the same SWHID more than once. Rejecting the batch outright is
// simpler and safer than silently de-duplicating and leaves the
// decision of how to handle repeats to the caller.
var ErrDuplicateSWHID = errors.New("query: duplicate SWHID in request")

// NotFoundError reports the SWHIDs (or NodeIds, rendered as
// "node:<id>") that could not be resolved.
type NotFoundError struct {
	Missing []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("query: not found: %v", e.Missing)
}

// Engine translates SWHIDs to NodeIds and back, and answers
// where_is_one. A nil Store falls back to the semi-join path against
// the node table for every lookup.
type Engine struct {
	db    *provdb.Database
	store graphstore.Store
}

// New builds an Engine over db. store may be nil, in which case every
// SWHID/NodeId translation goes through the node table's semi-join
// instead of an O(1) property-store lookup.
func New(db *provdb.Database, store graphstore.Store) *Engine {
	return &Engine{db: db, store: store}
}

// NodeIDsOf resolves SWHIDs to NodeIds, preserving input order.
// Duplicate inputs are rejected with ErrDuplicateSWHID. Any SWHID
// absent from the node table (or the graph store, if configured)
// produces a *NotFoundError listing every missing SWHID.
func (e *Engine) NodeIDsOf(ctx context.Context, ids []swhid.ID) ([]swhid.NodeId, error) {
	if err := checkNoDuplicates(ids); err != nil {
		return nil, err
	}
	if e.store != nil {
		out := make([]swhid.NodeId, len(ids))
		var missing []string
		for i, id := range ids {
			n, err := e.store.NodeID(id)
			if err != nil {
				missing = append(missing, id.String())
				continue
			}
			out[i] = n
		}
		if len(missing) > 0 {
			return nil, &NotFoundError{Missing: missing}
		}
		return out, nil
	}
	return e.nodeIDsOfByScan(ctx, ids)
}

type nodeKey struct {
	typ  string
	hash [20]byte
}

// nodeIDsOfByScan performs the semi-join fallback: scan the node table
// keyed on sha1_git, then diagnose missing SWHIDs by set difference
// between input and returned (type, sha1_git) pairs.
func (e *Engine) nodeIDsOfByScan(ctx context.Context, ids []swhid.ID) ([]swhid.NodeId, error) {
	hashes := make([][20]byte, len(ids))
	for i, id := range ids {
		hashes[i] = id.Hash
	}
	sortedHashes := dedupeSortedHashes(hashes)
	ks, err := table.NewKeySet[[20]byte](colstore.HashKey{}, sortedHashes)
	if err != nil {
		return nil, fmt.Errorf("query: node_ids_of: %w", err)
	}

	found := make(map[nodeKey]uint64, len(ids))
	if !ks.Empty() {
		snap := e.db.NodeByHash.Snapshot()
		_, ch, err := table.StreamForKeys[[20]byte, provdb.NodeRow](ctx, e.db.NodeByHash, snap, ks)
		if err != nil {
			return nil, fmt.Errorf("query: node_ids_of: %w", err)
		}
		for r := range ch {
			if r.Err != nil {
				return nil, fmt.Errorf("query: node_ids_of: %w", r.Err)
			}
			var h [20]byte
			copy(h[:], r.Row.Sha1Git)
			found[nodeKey{typ: r.Row.Type, hash: h}] = r.Row.Id
		}
	}

	out := make([]swhid.NodeId, len(ids))
	var missing []string
	for i, id := range ids {
		row, ok := found[nodeKey{typ: id.Type.String(), hash: id.Hash}]
		if !ok {
			missing = append(missing, id.String())
			continue
		}
		out[i] = swhid.NodeId(row)
	}
	if len(missing) > 0 {
		return nil, &NotFoundError{Missing: missing}
	}
	return out, nil
}

// SWHIDsOf resolves NodeIds back to SWHIDs, preserving input order.
func (e *Engine) SWHIDsOf(ctx context.Context, nodes []swhid.NodeId) ([]swhid.ID, error) {
	if e.store != nil {
		out := make([]swhid.ID, len(nodes))
		var missing []string
		for i, n := range nodes {
			id, err := e.store.SWHID(n)
			if err != nil {
				missing = append(missing, fmt.Sprintf("node:%d", n))
				continue
			}
			out[i] = id
		}
		if len(missing) > 0 {
			return nil, &NotFoundError{Missing: missing}
		}
		return out, nil
	}
	return e.swhidsOfByScan(ctx, nodes)
}

func (e *Engine) swhidsOfByScan(ctx context.Context, nodes []swhid.NodeId) ([]swhid.ID, error) {
	keys := make([]uint64, len(nodes))
	for i, n := range nodes {
		keys[i] = uint64(n)
	}
	sortedKeys := dedupeSortedUint64(keys)
	ks, err := table.NewKeySet[uint64](colstore.Uint64Key{}, sortedKeys)
	if err != nil {
		return nil, fmt.Errorf("query: swhids_of: %w", err)
	}

	found := make(map[uint64]provdb.NodeRow, len(nodes))
	if !ks.Empty() {
		snap := e.db.NodeByID.Snapshot()
		_, ch, err := table.StreamForKeys[uint64, provdb.NodeRow](ctx, e.db.NodeByID, snap, ks)
		if err != nil {
			return nil, fmt.Errorf("query: swhids_of: %w", err)
		}
		for r := range ch {
			if r.Err != nil {
				return nil, fmt.Errorf("query: swhids_of: %w", r.Err)
			}
			found[r.Row.Id] = r.Row
		}
	}

	out := make([]swhid.ID, len(nodes))
	var missing []string
	for i, n := range nodes {
		row, ok := found[uint64(n)]
		if !ok {
			missing = append(missing, fmt.Sprintf("node:%d", n))
			continue
		}
		typ, ok := swhid.ParseNodeType(row.Type)
		if !ok {
			return nil, fmt.Errorf("query: swhids_of: node %d has unknown type %q", n, row.Type)
		}
		var hash [20]byte
		copy(hash[:], row.Sha1Git)
		out[i] = swhid.ID{Version: 1, Type: typ, Hash: hash}
	}
	if len(missing) > 0 {
		return nil, &NotFoundError{Missing: missing}
	}
	return out, nil
}

// Result is the answer to one where_is_one query: the SWHID itself,
// and the anchoring revision/release SWHID if one was found.
type Result struct {
	SWHID  swhid.ID
	Anchor *swhid.ID
}

// WhereIsOne resolves the SWHID to a NodeId and locates its anchoring
// revision/release. A content is looked up by probing c_in_r directly,
// falling back to the c_in_d ⋈ d_in_r two-hop join. A frontier
// directory is itself one hop from its anchor, so it is looked up by
// probing d_in_r directly with dir = node_id instead of running the
// content-oriented probes.
func (e *Engine) WhereIsOne(ctx context.Context, id swhid.ID) (*Result, error) {
	nodeIDs, err := e.NodeIDsOf(ctx, []swhid.ID{id})
	if err != nil {
		return nil, err
	}
	node := nodeIDs[0]

	var anchor swhid.NodeId
	var ok bool
	switch id.Type {
	case swhid.Directory:
		anchor, ok, err = e.probeDInR(ctx, node)
	default:
		anchor, ok, err = e.probeCInR(ctx, node)
		if err == nil && !ok {
			anchor, ok, err = e.probeTwoHop(ctx, node)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("query: where_is_one %s: %w", id, err)
	}

	res := &Result{SWHID: id}
	if ok {
		anchorIDs, err := e.SWHIDsOf(ctx, []swhid.NodeId{anchor})
		if err != nil {
			return nil, fmt.Errorf("query: where_is_one %s: resolving anchor: %w", id, err)
		}
		res.Anchor = &anchorIDs[0]
	}
	return res, nil
}

// probeCInR is step 2 of where_is_one: a limit-1 probe of c_in_r for
// cnt = contentNode. The scan's context is cancelled the moment one
// row arrives so that any other in-flight per-file goroutines stop
// producing rather than blocking on the now-unread output channel.
func (e *Engine) probeCInR(ctx context.Context, contentNode swhid.NodeId) (swhid.NodeId, bool, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ks, err := table.NewKeySet[uint64](colstore.Uint64Key{}, []uint64{uint64(contentNode)})
	if err != nil {
		return 0, false, err
	}
	snap := e.db.CInR.Snapshot()
	_, ch, err := table.StreamForKeys[uint64, provdb.ContentInRevisionRow](scanCtx, e.db.CInR, snap, ks)
	if err != nil {
		return 0, false, err
	}
	for r := range ch {
		if r.Err != nil {
			return 0, false, r.Err
		}
		return swhid.NodeId(r.Row.RevRel), true, nil
	}
	return 0, false, nil
}

// probeDInR is the directory-anchor lookup: a limit-1 probe of d_in_r
// for dir = dirNode. A frontier directory is already the join key of
// d_in_r, so no two-hop join through c_in_d is needed.
func (e *Engine) probeDInR(ctx context.Context, dirNode swhid.NodeId) (swhid.NodeId, bool, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ks, err := table.NewKeySet[uint64](colstore.Uint64Key{}, []uint64{uint64(dirNode)})
	if err != nil {
		return 0, false, err
	}
	snap := e.db.DInR.Snapshot()
	_, ch, err := table.StreamForKeys[uint64, provdb.DirectoryInRevisionRow](scanCtx, e.db.DInR, snap, ks)
	if err != nil {
		return 0, false, err
	}
	for r := range ch {
		if r.Err != nil {
			return 0, false, r.Err
		}
		return swhid.NodeId(r.Row.RevRel), true, nil
	}
	return 0, false, nil
}

// probeTwoHop is step 3 of where_is_one: the c_in_d ⋈ d_in_r semi-join.
// It collects every frontier directory containing contentNode, then
// probes d_in_r with that (small, deduplicated) set of directories and
// returns the first revision/release found.
func (e *Engine) probeTwoHop(ctx context.Context, contentNode swhid.NodeId) (swhid.NodeId, bool, error) {
	dirs, err := e.dirsContaining(ctx, contentNode)
	if err != nil {
		return 0, false, err
	}
	if len(dirs) == 0 {
		return 0, false, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ks, err := table.NewKeySet[uint64](colstore.Uint64Key{}, dirs)
	if err != nil {
		return 0, false, err
	}
	snap := e.db.DInR.Snapshot()
	_, ch, err := table.StreamForKeys[uint64, provdb.DirectoryInRevisionRow](scanCtx, e.db.DInR, snap, ks)
	if err != nil {
		return 0, false, err
	}
	for r := range ch {
		if r.Err != nil {
			return 0, false, r.Err
		}
		return swhid.NodeId(r.Row.RevRel), true, nil
	}
	return 0, false, nil
}

// dirsContaining scans c_in_d for every frontier directory that
// reaches contentNode directly, returning the distinct, sorted set of
// directory NodeIds.
func (e *Engine) dirsContaining(ctx context.Context, contentNode swhid.NodeId) ([]uint64, error) {
	ks, err := table.NewKeySet[uint64](colstore.Uint64Key{}, []uint64{uint64(contentNode)})
	if err != nil {
		return nil, err
	}
	snap := e.db.CInD.Snapshot()
	_, ch, err := table.StreamForKeys[uint64, provdb.ContentInDirectoryRow](ctx, e.db.CInD, snap, ks)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]struct{})
	var dirs []uint64
	for r := range ch {
		if r.Err != nil {
			return nil, r.Err
		}
		if _, ok := seen[r.Row.Dir]; ok {
			continue
		}
		seen[r.Row.Dir] = struct{}{}
		dirs = append(dirs, r.Row.Dir)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i] < dirs[j] })
	return dirs, nil
}

func checkNoDuplicates(ids []swhid.ID) error {
	seen := make(map[swhid.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return ErrDuplicateSWHID
		}
		seen[id] = struct{}{}
	}
	return nil
}

func dedupeSortedHashes(hashes [][20]byte) [][20]byte {
	sorted := append([][20]byte(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })
	out := sorted[:0]
	for i, h := range sorted {
		if i == 0 || h != sorted[i-1] {
			out = append(out, h)
		}
	}
	return out
}

func dedupeSortedUint64(keys []uint64) []uint64 {
	sorted := append([]uint64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:0]
	for i, k := range sorted {
		if i == 0 || k != sorted[i-1] {
			out = append(out, k)
		}
	}
	return out
}
