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

package swhid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"swh:1:cnt:0000000000000000000000000000000000000002",
		"swh:1:dir:0000000000000000000000000000000000000001",
		"swh:1:rev:0000000000000000000000000000000000000000",
		"swh:1:rel:ffffffffffffffffffffffffffffffffffffffff",
	}
	for _, s := range cases {
		id, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, id.String())
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"not-a-swhid",
		"swh:1:cnt:too-short",
		"swh:1:bogus:0000000000000000000000000000000000000002",
		"swh:cnt:0000000000000000000000000000000000000002",
	}
	for _, s := range cases {
		_, err := Parse(s)
		require.Error(t, err)
		var invalid *InvalidError
		require.ErrorAs(t, err, &invalid)
	}
}

func TestNodeTypeString(t *testing.T) {
	require.Equal(t, "cnt", Content.String())
	require.True(t, strings.HasPrefix(NodeType(200).String(), "invalid"))
}
