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
	"fmt"
	"io"
	"os"
	"path"

	"github.com/parquet-go/parquet-go"

	"github.com/softwareheritage/swh-provenance/fsutil"
	"github.com/softwareheritage/swh-provenance/objstore"
)

// readerAtCloser is what parquet.OpenFile needs from an opened table
// file, regardless of whether it came from the local filesystem or an
// object-store bucket.
type readerAtCloser interface {
	io.ReaderAt
	io.Closer
}

// checkSchemaEquivalence opens dir (a local path or an object-store
// URL, exactly like table.Open), lists it via fsutil.VisitDir, and
// verifies every *.parquet file shares one schema (fields, types,
// nullability). A mismatch is treated as corruption: fatal at load
// time, refuse to start.
func checkSchemaEquivalence(dir string) error {
	fsys, root, err := objstore.Open(dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}

	var first *parquet.Schema
	var firstName string
	err = fsutil.VisitDir(fsys, root, "", "*.parquet", func(d fsutil.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		name := path.Join(root, d.Name())
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		f, err := fsys.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		ra, ok := f.(readerAtCloser)
		if !ok {
			return fmt.Errorf("%s: file handle does not support ranged reads", name)
		}

		pf, err := parquet.OpenFile(ra, info.Size())
		if err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
		schema := pf.Schema()
		if first == nil {
			first, firstName = schema, d.Name()
			return nil
		}
		if !schemasEqual(first, schema) {
			return fmt.Errorf("schema mismatch: %s and %s in %s have different schemas", firstName, d.Name(), dir)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("table directory %s does not exist", dir)
		}
		return err
	}
	return nil
}

// schemasEqual compares two Parquet schemas by their canonical string
// form; parquet.Schema doesn't expose a structural Equal, but two
// schemas with the same fields, types and nullability always print
// identically.
func schemasEqual(a, b *parquet.Schema) bool {
	return a.String() == b.String()
}
