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

// Package swhid implements the external, textual identifier used by the
// provenance store (SWHID) and the dense internal NodeId it is mapped to.
package swhid

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NodeType identifies the kind of artifact a SWHID refers to.
type NodeType uint8

const (
	Content NodeType = iota
	Directory
	Revision
	Release
	Snapshot
	Origin
)

var nodeTypeName = [...]string{"cnt", "dir", "rev", "rel", "snp", "ori"}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeName) {
		return nodeTypeName[t]
	}
	return "invalid"
}

func parseNodeType(s string) (NodeType, bool) {
	for i, name := range nodeTypeName {
		if name == s {
			return NodeType(i), true
		}
	}
	return 0, false
}

// ParseNodeType exports parseNodeType for callers that reconstruct a
// NodeType from a table's dictionary-encoded "type" column (the node
// table stores the tag as a string, not a NodeType).
func ParseNodeType(s string) (NodeType, bool) { return parseNodeType(s) }

// HashSize is the length in bytes of a SWHID's content hash (sha1_git).
const HashSize = 20

// ID is the external identifier of a software artifact:
// swh:<version>:<type>:<40-hex hash>.
type ID struct {
	Version byte
	Type    NodeType
	Hash    [HashSize]byte
}

// InvalidError is returned by Parse when the input is not a
// well-formed SWHID. It is always mapped to an RPC InvalidArgument.
type InvalidError struct {
	Input string
	Cause string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid SWHID %q: %s", e.Input, e.Cause)
}

// Parse decodes the textual form of a SWHID.
//
// On any malformed input Parse returns an *InvalidError, which the RPC
// layer maps to a 400 Bad Request response.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != "swh" {
		return ID{}, &InvalidError{Input: s, Cause: "expected 'swh:<version>:<type>:<hash>'"}
	}
	if len(parts[1]) != 1 || parts[1][0] < '1' || parts[1][0] > '9' {
		return ID{}, &InvalidError{Input: s, Cause: "bad namespace version"}
	}
	typ, ok := parseNodeType(parts[2])
	if !ok {
		return ID{}, &InvalidError{Input: s, Cause: "unknown object type " + parts[2]}
	}
	if len(parts[3]) != HashSize*2 {
		return ID{}, &InvalidError{Input: s, Cause: "hash must be 40 hex characters"}
	}
	var hash [HashSize]byte
	if _, err := hex.Decode(hash[:], []byte(parts[3])); err != nil {
		return ID{}, &InvalidError{Input: s, Cause: "hash is not valid hex"}
	}
	return ID{Version: parts[1][0] - '0', Type: typ, Hash: hash}, nil
}

// String renders the SWHID in its canonical textual form.
func (id ID) String() string {
	return fmt.Sprintf("swh:%d:%s:%s", id.Version, id.Type, hex.EncodeToString(id.Hash[:]))
}

// NodeId is the dense internal identifier used by every table except
// the textual SWHID itself. It is bijective with ID via the graph
// property store (see package graphstore).
type NodeId uint64

// Timestamp is seconds-since-epoch, signed, matching the revrel_author_date
// columns of c_in_r and d_in_r.
type Timestamp int64
