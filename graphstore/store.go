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

// Package graphstore holds the SWHID↔NodeId bijection as an opaque
// collaborator. Building the perfect-hash SWHID↔node-id map is a
// separate offline concern — the query engine only ever consumes it
// through the Store interface below. This package also provides a
// trivial in-memory Store, usable in tests and for databases small
// enough that a perfect-hash structure isn't worth building.
package graphstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/softwareheritage/swh-provenance/swhid"
)

// ErrNotFound is returned by Store lookups for identifiers the store
// has no mapping for.
var ErrNotFound = errors.New("graphstore: not found")

// Store is the bijective SWHID↔NodeId lookup the query engine
// consumes directly, skipping the node table's semi-join entirely
// when configured: a graph property store turns node-id resolution
// into an O(1) lookup per SWHID instead of a scan.
type Store interface {
	NodeID(id swhid.ID) (swhid.NodeId, error)
	SWHID(n swhid.NodeId) (swhid.ID, error)
}

// Memory is a trivial, fully in-memory Store backed by two maps. It is
// not the perfect-hash structure the production property store uses,
// but it satisfies the same interface and is adequate for tests and
// small databases.
type Memory struct {
	mu      sync.RWMutex
	toNode  map[swhid.ID]swhid.NodeId
	toSWHID map[swhid.NodeId]swhid.ID
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		toNode:  make(map[swhid.ID]swhid.NodeId),
		toSWHID: make(map[swhid.NodeId]swhid.ID),
	}
}

// Set inserts (or overwrites) the bijection between id and n.
func (m *Memory) Set(id swhid.ID, n swhid.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toNode[id] = n
	m.toSWHID[n] = id
}

func (m *Memory) NodeID(id swhid.ID) (swhid.NodeId, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.toNode[id]
	if !ok {
		return 0, ErrNotFound
	}
	return n, nil
}

func (m *Memory) SWHID(n swhid.NodeId) (swhid.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.toSWHID[n]
	if !ok {
		return swhid.ID{}, ErrNotFound
	}
	return id, nil
}

// LoadFile builds a Memory store from a "<swhid> <node_id>" text file,
// one mapping per line, blank lines and "#"-prefixed lines ignored.
// This is a placeholder loader for the --graph CLI flag: the
// production perfect-hash format belongs to a separate offline build
// pipeline; this format exists so the flag has a real, testable effect
// instead of being accepted and silently ignored.
func LoadFile(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("graphstore: %w", err)
	}
	defer f.Close()

	m := NewMemory()
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("graphstore: %s:%d: expected '<swhid> <node_id>'", path, lineNo)
		}
		id, err := swhid.Parse(fields[0])
		if err != nil {
			return nil, fmt.Errorf("graphstore: %s:%d: %w", path, lineNo, err)
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("graphstore: %s:%d: bad node id %q", path, lineNo, fields[1])
		}
		m.Set(id, swhid.NodeId(n))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("graphstore: %s: %w", path, err)
	}
	return m, nil
}
