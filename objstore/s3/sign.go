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

// Package s3 lets a Table read its Parquet files out of an S3 bucket
// instead of the local filesystem, using a minimal from-scratch
// SigV4 signer rather than a full SDK client: the query engine only
// ever issues HEAD/GET-range/LIST requests, so the surface it needs
// from S3 is small enough to hand-sign.
package s3

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	longDateFormat  = "20060102T150405Z"
	shortDateFormat = "20060102"
)

// signedHeaders lists, in the order SigV4 requires, the request
// headers this client ever sets and is therefore willing to sign.
var signedHeaders = []string{
	"host",
	"x-amz-content-sha256",
	"x-amz-date",
	"x-amz-security-token",
}

// Key holds a derived AWS SigV4 signing key plus the request scope
// (region/service) it is valid for. Unlike the long-lived secret it
// was derived from, Key never needs to be kept confidential past the
// day it was issued for.
type Key struct {
	Endpoint  string // non-empty overrides the default AWS virtual-host endpoint
	Region    string
	Service   string
	AccessKey string
	Token     string // STS session token, if any
	issued    time.Time
	today     []byte
	tomorrow  []byte
}

// DeriveKey derives a Key valid for (region, service) from a long-term
// or session access key pair. The HMAC chain is recomputed for both
// "today" and "tomorrow" so that Sign keeps working across a UTC date
// rollover without the caller needing to notice.
func DeriveKey(endpoint, accessKey, secret, region, service string) *Key {
	now := time.Now().UTC()
	return &Key{
		Endpoint:  endpoint,
		Region:    region,
		Service:   service,
		AccessKey: accessKey,
		issued:    now,
		today:     hmacChain(secret, now, region, service),
		tomorrow:  hmacChain(secret, now.Add(24*time.Hour), region, service),
	}
}

func hmacChain(secret string, when time.Time, region, service string) []byte {
	mac := func(key, msg []byte) []byte {
		h := hmac.New(sha256.New, key)
		h.Write(msg)
		return h.Sum(nil)
	}
	k := mac([]byte("AWS4"+secret), []byte(when.Format(shortDateFormat)))
	k = mac(k, []byte(region))
	k = mac(k, []byte(service))
	return mac(k, []byte("aws4_request"))
}

func (k *Key) dayKey(when time.Time) []byte {
	if when.Sub(k.issued) >= 24*time.Hour || when.Day() != k.issued.Day() {
		return k.tomorrow
	}
	return k.today
}

func (k *Key) scope(now time.Time) string {
	return fmt.Sprintf("%s/%s/%s/aws4_request", now.Format(shortDateFormat), k.Region, k.Service)
}

// Sign computes the SigV4 Authorization header for req and attaches
// it, along with the x-amz-date and (if present) x-amz-security-token
// headers it depends on. body is the exact byte slice that will be
// sent as the request body; a nil body signs the empty-payload hash,
// which is the normal case for the GET/HEAD/LIST requests this
// package issues.
func (k *Key) Sign(req *http.Request, body []byte) {
	now := time.Now().UTC()
	req.Header.Set("x-amz-date", now.Format(longDateFormat))
	if k.Token != "" {
		req.Header.Set("x-amz-security-token", k.Token)
	}
	if len(body) == 0 {
		req.Header.Set("x-amz-content-sha256", emptyPayloadHash)
	} else {
		sum := sha256.Sum256(body)
		req.Header.Set("x-amz-content-sha256", hex.EncodeToString(sum[:]))
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	creq := canonicalRequest(req)
	creqHash := sha256.Sum256([]byte(creq))
	toSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s",
		now.Format(longDateFormat), k.scope(now), hex.EncodeToString(creqHash[:]))

	mac := hmac.New(sha256.New, k.dayKey(now))
	mac.Write([]byte(toSign))
	sig := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		k.AccessKey, k.scope(now), strings.Join(presentHeaders(req), ";"), sig))
}

// emptyPayloadHash is sha256("") in hex, the canonical "no body" hash
// SigV4 expects for GET/HEAD/LIST requests.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func presentHeaders(req *http.Request) []string {
	var out []string
	for _, h := range signedHeaders {
		if req.Header.Get(h) != "" {
			out = append(out, h)
		}
	}
	return out
}

func canonicalRequest(req *http.Request) string {
	var buf strings.Builder
	buf.WriteString(req.Method)
	buf.WriteByte('\n')
	uri := req.URL.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	buf.WriteString(uri)
	buf.WriteByte('\n')
	buf.WriteString(req.URL.RawQuery)
	buf.WriteByte('\n')
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	for _, h := range presentHeaders(req) {
		buf.WriteString(h)
		buf.WriteByte(':')
		buf.WriteString(req.Header.Get(h))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.WriteString(strings.Join(presentHeaders(req), ";"))
	buf.WriteByte('\n')
	buf.WriteString(req.Header.Get("x-amz-content-sha256"))
	return buf.String()
}

// endpointFor returns k's virtual-host-style S3 endpoint for bucket,
// honoring a non-default Endpoint override (used for S3-compatible
// stores such as Minio).
func (k *Key) endpointFor(bucket string) string {
	if k.Endpoint != "" {
		return strings.TrimSuffix(k.Endpoint, "/") + "/" + bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, k.Region)
}

// AmbientKey derives a signing Key from the process environment
// (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY/AWS_REGION/AWS_SESSION_TOKEN)
// or, failing that, the shared credentials/config files under
// $HOME/.aws, exactly as the AWS CLI resolves them for its "default"
// profile chain. It deliberately does not walk EC2/ECS instance
// metadata: provenanced is meant to run with credentials provisioned
// by its deployment environment (env vars or a mounted credentials
// file), not by reaching out to a link-local metadata endpoint.
func AmbientKey(service string) (*Key, error) {
	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	region := firstNonEmpty(os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION"))
	token := os.Getenv("AWS_SESSION_TOKEN")

	if id == "" || secret == "" || region == "" {
		fid, fsecret, fregion, ferr := fileCreds()
		if ferr != nil {
			return nil, fmt.Errorf("s3: no ambient AWS credentials: %w", ferr)
		}
		if id == "" {
			id = fid
		}
		if secret == "" {
			secret = fsecret
		}
		if region == "" {
			region = fregion
		}
	}
	if id == "" || secret == "" {
		return nil, fmt.Errorf("s3: unable to determine AWS access key / secret")
	}
	if region == "" {
		return nil, fmt.Errorf("s3: unable to determine AWS region")
	}
	k := DeriveKey("", id, secret, region, service)
	k.Token = token
	return k, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// fileCreds reads $HOME/.aws/credentials (the "default" profile) and
// $HOME/.aws/config for whatever AmbientKey's environment lookup
// couldn't find.
func fileCreds() (id, secret, region string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", "", fmt.Errorf("locating $HOME: %w", err)
	}
	if cfg, cerr := os.Open(filepath.Join(home, ".aws", "config")); cerr == nil {
		defer cfg.Close()
		region = iniValue(cfg, "default", "region")
	}
	cred, cerr := os.Open(filepath.Join(home, ".aws", "credentials"))
	if cerr != nil {
		return "", "", region, cerr
	}
	defer cred.Close()
	if info, serr := cred.Stat(); serr == nil {
		if info.Mode()&0o022 != 0 {
			return "", "", "", fmt.Errorf("%s is group/world-writeable", cred.Name())
		}
	}
	id = iniValue(cred, "default", "aws_access_key_id")
	if _, serr := cred.Seek(0, io.SeekStart); serr == nil {
		secret = iniValue(cred, "default", "aws_secret_access_key")
	}
	return id, secret, region, nil
}

// iniValue scans a minimal "[section]\nkey = value" file for one key
// within one section. It is intentionally forgiving: SSO profiles,
// comments, and nested sections are simply not matched.
func iniValue(r io.Reader, section, key string) string {
	sc := bufio.NewScanner(r)
	inSection := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inSection = strings.TrimSpace(line[1:len(line)-1]) == section
			continue
		}
		if !inSection {
			continue
		}
		before, after, ok := strings.Cut(line, "=")
		if ok && strings.TrimSpace(before) == key {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

var _ fs.FS = (*BucketFS)(nil)
