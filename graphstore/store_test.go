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

package graphstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/softwareheritage/swh-provenance/swhid"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	id, err := swhid.Parse("swh:1:cnt:0000000000000000000000000000000000000002")
	require.NoError(t, err)
	m.Set(id, 42)

	n, err := m.NodeID(id)
	require.NoError(t, err)
	require.EqualValues(t, 42, n)

	got, err := m.SWHID(42)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestMemoryNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.NodeID(swhid.ID{})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.SWHID(7)
	require.ErrorIs(t, err, ErrNotFound)
}
