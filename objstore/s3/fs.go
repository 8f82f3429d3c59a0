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

package s3

import (
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/softwareheritage/swh-provenance/fsutil"
)

// DefaultClient is the HTTP client used for requests that don't supply
// their own. S3 occasionally hands out dead addresses in its
// round-robin DNS, so connection attempts are given a short timeout
// rather than inheriting http.DefaultTransport's much longer one.
var DefaultClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   4,
		DisableCompression:    true,
	},
}

// BucketFS presents one S3 bucket as an fs.FS of Parquet table
// directories. It implements fsutil.VisitDirFS directly so that a
// table listing a bucket prefix performs one paginated LIST instead of
// falling back to VisitDir's generic fs.ReadDir-based traversal.
type BucketFS struct {
	Key    *Key
	Bucket string
	Client *http.Client
}

func (b *BucketFS) client() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return DefaultClient
}

func (b *BucketFS) badPath(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
}

// Open implements fs.FS by issuing a HEAD request for name. Open never
// returns a directory handle; table listing always goes through
// VisitDir, so callers that only ever read files (as table.Open does)
// never need BucketFS to model "directories" as first-class objects.
func (b *BucketFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, b.badPath("open", name)
	}
	r, err := stat(b.Key, b.client(), b.Bucket, name)
	if err != nil {
		return nil, err
	}
	return &File{Reader: *r}, nil
}

// VisitDir implements fsutil.VisitDirFS by paginating a delimited
// ListObjectsV2 call scoped to name, which visits only name's direct
// children (never descending into nested prefixes) in lexicographical
// key order — matching fsutil.VisitDir's documented traversal order.
func (b *BucketFS) VisitDir(name, seek, pattern string, fn fsutil.VisitDirFn) error {
	if !fs.ValidPath(name) {
		return b.badPath("visitdir", name)
	}
	prefix := ""
	if name != "." {
		prefix = name + "/"
	}
	startAfter := ""
	if seek != "" {
		startAfter = prefix + seek
	}

	token := ""
	for {
		resp, err := b.list(prefix, startAfter, token)
		if err != nil {
			return fmt.Errorf("s3: listing s3://%s/%s: %w", b.Bucket, prefix, err)
		}
		entries := resp.entries(prefix)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if pattern != "" {
				if ok, merr := path.Match(pattern, e.Name()); merr != nil {
					return merr
				} else if !ok {
					continue
				}
			}
			if err := fn(e); err != nil {
				if err == fs.SkipDir {
					return nil
				}
				return err
			}
		}
		if !resp.IsTruncated {
			return nil
		}
		token = resp.NextToken
	}
}

func (b *BucketFS) list(prefix, startAfter, token string) (*listResponse, error) {
	q := url.Values{}
	q.Set("list-type", "2")
	q.Set("delimiter", "/")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if startAfter != "" {
		q.Set("start-after", startAfter)
	}
	if token != "" {
		q.Set("continuation-token", token)
	}
	uri := b.Key.endpointFor(b.Bucket) + "?" + q.Encode()
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	b.Key.Sign(req, nil)
	res, err := b.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list objects: %s", res.Status)
	}
	ret := &listResponse{}
	if err := xml.NewDecoder(res.Body).Decode(ret); err != nil {
		return nil, fmt.Errorf("decoding list response: %w", err)
	}
	return ret, nil
}

type listResponse struct {
	IsTruncated    bool       `xml:"IsTruncated"`
	Contents       []objEntry `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
	NextToken string `xml:"NextContinuationToken"`
}

type objEntry struct {
	Key          string    `xml:"Key"`
	Size         int64     `xml:"Size"`
	ETag         string    `xml:"ETag"`
	LastModified time.Time `xml:"LastModified"`
}

// dirEntry is the fsutil.DirEntry this package hands to VisitDirFn:
// either a plain object (a Parquet file, or an EF-index sidecar) or a
// common prefix reported by the delimited LIST (a "subdirectory").
type dirEntry struct {
	name  string
	isDir bool
	size  int64
	mtime time.Time
}

func (d *dirEntry) Name() string { return d.name }
func (d *dirEntry) IsDir() bool  { return d.isDir }
func (d *dirEntry) Info() (fs.FileInfo, error) {
	return &dirEntryInfo{d}, nil
}

type dirEntryInfo struct{ *dirEntry }

func (i *dirEntryInfo) Size() int64        { return i.size }
func (i *dirEntryInfo) Mode() fs.FileMode  { return modeOf(i.isDir) }
func (i *dirEntryInfo) ModTime() time.Time { return i.mtime }
func (i *dirEntryInfo) Sys() any           { return nil }

func modeOf(isDir bool) fs.FileMode {
	if isDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

func (r *listResponse) entries(prefix string) []fsutil.DirEntry {
	out := make([]fsutil.DirEntry, 0, len(r.Contents)+len(r.CommonPrefixes))
	for _, c := range r.Contents {
		name := strings.TrimPrefix(c.Key, prefix)
		if name == "" {
			continue // the prefix "directory marker" object itself
		}
		out = append(out, &dirEntry{name: name, size: c.Size, mtime: c.LastModified})
	}
	for _, p := range r.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p.Prefix, prefix), "/")
		if name == "" {
			continue
		}
		out = append(out, &dirEntry{name: name, isDir: true})
	}
	return out
}

// Reader is a read-only, range-capable view of one S3 object. It
// implements io.ReaderAt directly; File adds the Close method, and
// together they satisfy the reader.RangeReaderAt interface that
// reader.CachingReader requires of the handle backing a FileHandle.
type Reader struct {
	Key          *Key
	Client       *http.Client
	Bucket       string
	Path         string
	ETag         string
	LastModified time.Time
	Size         int64
}

func (r *Reader) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return DefaultClient
}

func (r *Reader) objectURI() string {
	return r.Key.endpointFor(r.Bucket) + "/" + pathEscape(r.Path)
}

func pathEscape(p string) string {
	return strings.ReplaceAll(url.PathEscape(p), "%2F", "/")
}

func stat(k *Key, client *http.Client, bucket, object string) (*Reader, error) {
	req, err := http.NewRequest(http.MethodHead, k.endpointFor(bucket)+"/"+pathEscape(object), nil)
	if err != nil {
		return nil, err
	}
	k.Sign(req, nil)
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, &fs.PathError{Op: "stat", Path: object, Err: fs.ErrNotExist}
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("s3 HEAD s3://%s/%s: %s", bucket, object, res.Status)
	}
	lm, _ := time.Parse(time.RFC1123, res.Header.Get("Last-Modified"))
	return &Reader{
		Key: k, Client: client, Bucket: bucket, Path: object,
		ETag: res.Header.Get("ETag"), LastModified: lm, Size: res.ContentLength,
	}, nil
}

// RangeReader returns the bytes of the object in [off, off+width). The
// If-Match header pins the read to the ETag observed at Stat/HEAD
// time, so a concurrent overwrite of the object surfaces as
// ErrETagChanged rather than silently splicing bytes from two
// versions across repeated ReadAt calls.
func (r *Reader) RangeReader(off, width int64) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, r.objectURI(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+width-1))
	if r.ETag != "" {
		req.Header.Set("If-Match", r.ETag)
	}
	r.Key.Sign(req, nil)
	res, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	switch res.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return res.Body, nil
	case http.StatusPreconditionFailed:
		res.Body.Close()
		return nil, ErrETagChanged
	case http.StatusNotFound:
		res.Body.Close()
		return nil, &fs.PathError{Op: "read", Path: r.Path, Err: fs.ErrNotExist}
	default:
		defer res.Body.Close()
		return nil, fmt.Errorf("s3 GET s3://%s/%s: %s", r.Bucket, r.Path, res.Status)
	}
}

// ReadAt implements io.ReaderAt by issuing one ranged GET per call.
// Unlike *os.File, every call here is a network round trip, which is
// exactly why CachingReader's page-index and footer caching matter so
// much more for an S3-backed Table than a local one.
func (r *Reader) ReadAt(dst []byte, off int64) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	body, err := r.RangeReader(off, int64(len(dst)))
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return io.ReadFull(body, dst)
}

// ErrETagChanged is returned from Reader reads performed after the
// underlying S3 object has been overwritten since the Reader was
// created.
var ErrETagChanged = fmt.Errorf("s3: object ETag changed since open")

// File adapts a Reader to fs.File and io.Closer, as returned from
// BucketFS.Open. It never buffers the object body: the first Read
// issues one ranged GET from the current offset to the end of the
// object, and later Reads stream from that response body.
type File struct {
	Reader
	body io.ReadCloser
	pos  int64
}

func (f *File) Stat() (fs.FileInfo, error) { return &fileInfo{f}, nil }

func (f *File) Read(p []byte) (int, error) {
	if f.body == nil {
		body, err := f.Reader.RangeReader(f.pos, f.Reader.Size-f.pos)
		if err != nil {
			return 0, err
		}
		f.body = body
	}
	n, err := f.body.Read(p)
	f.pos += int64(n)
	return n, err
}

func (f *File) Close() error {
	if f.body == nil {
		return nil
	}
	err := f.body.Close()
	f.body = nil
	return err
}

type fileInfo struct{ f *File }

func (i *fileInfo) Name() string       { return path.Base(i.f.Reader.Path) }
func (i *fileInfo) Size() int64        { return i.f.Reader.Size }
func (i *fileInfo) Mode() fs.FileMode  { return 0o644 }
func (i *fileInfo) ModTime() time.Time { return i.f.Reader.LastModified }
func (i *fileInfo) IsDir() bool        { return false }
func (i *fileInfo) Sys() any           { return nil }
