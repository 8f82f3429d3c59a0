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

//go:build linux

package ef

import (
	"bytes"
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring/roaring64"
	"golang.org/x/sys/unix"
)

// MMap loads a sidecar index file by mapping it into the address space
// (PROT_READ, MAP_PRIVATE) rather than issuing read(2) calls.
//
// The whole mapping is decoded into an in-process RoaringBitmap before
// MMap returns, and the mapping is then unmapped: the returned
// FileIndex holds a heap copy, so Contains/IndexOf never touch the
// mapped file and the index is not paged in lazily.
func MMap(path string) (*FileIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAbsent, path)
		}
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return &FileIndex{bitmap: roaring64.New()}, nil
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("ef: mmap %s: %w", path, err)
	}
	defer unix.Munmap(mem)
	bm := roaring64.New()
	if _, err := bm.ReadFrom(bytes.NewReader(mem)); err != nil {
		return nil, fmt.Errorf("ef: decoding mmap of %s: %w", path, err)
	}
	return &FileIndex{bitmap: bm}, nil
}
