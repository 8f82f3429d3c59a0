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

// Package objstore resolves a table or database location string to the
// fs.FS backing it: a bare path or "file://" URL opens the local
// filesystem, and an "s3://bucket/prefix" URL opens the bucket via
// objstore/s3, deriving credentials ambiently on first use.
package objstore

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/softwareheritage/swh-provenance/objstore/s3"
)

// IsRemote reports whether location names an object-store URL rather
// than a local path. Table and provdb use this to decide whether an
// EF-index sidecar can be mmapped (local only — there is no such thing
// as mmapping a network object).
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// Open resolves location to an fs.FS plus the path of location's root
// within that fs.FS (suitable as the name argument to fsutil.VisitDir
// or fsutil.WalkDir).
func Open(location string) (fsys fs.FS, root string, err error) {
	if !IsRemote(location) {
		dir := strings.TrimPrefix(location, "file://")
		return os.DirFS(dir), ".", nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, "", fmt.Errorf("objstore: parsing %q: %w", location, err)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("objstore: %q names no bucket", location)
	}
	key, err := ambientKey()
	if err != nil {
		return nil, "", fmt.Errorf("objstore: %q: %w", location, err)
	}
	prefix := strings.TrimPrefix(strings.TrimSuffix(u.Path, "/"), "/")
	if prefix == "" {
		prefix = "."
	}
	return &s3.BucketFS{Key: key, Bucket: u.Host}, prefix, nil
}

// Join appends sub to root the way DefaultLayout fans a database root
// out into its four table directories, preserving an "s3://bucket/..."
// scheme instead of letting filepath.Join collapse its double slash.
func Join(root, sub string) string {
	if IsRemote(root) {
		return strings.TrimSuffix(root, "/") + "/" + sub
	}
	return filepath.Join(root, sub)
}

// ambientKey derives the process's S3 signing key at most once: every
// s3:// table and the EF-index-sidecar-free database bundle they
// belong to share one set of AWS credentials for the process lifetime.
var (
	keyOnce sync.Once
	key     *s3.Key
	keyErr  error
)

func ambientKey() (*s3.Key, error) {
	keyOnce.Do(func() { key, keyErr = s3.AmbientKey("s3") })
	return key, keyErr
}
