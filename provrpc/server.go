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

// Package provrpc exposes the query engine over HTTP: a unary
// WhereIsOne and a streaming WhereAreOne. Request and response framing
// is newline-delimited JSON rather than a binary RPC codec — the field
// names and semantics of the wire protocol are what is fixed, not the
// transport.
package provrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/softwareheritage/swh-provenance/query"
	"github.com/softwareheritage/swh-provenance/swhid"
)

// defaultMaxConcurrentWorkers bounds how many where_is_one tasks a
// single WhereAreOne stream may run at once.
const defaultMaxConcurrentWorkers = 64

// Server adapts a query.Engine to HTTP.
type Server struct {
	logger     *log.Logger
	engine     *query.Engine
	maxWorkers int64

	srv   http.Server
	bound net.Addr
	ready func() // test hook, called right before Serve blocks
}

// New builds a Server. maxConcurrentWorkers <= 0 selects a default.
func New(engine *query.Engine, logger *log.Logger, maxConcurrentWorkers int64) *Server {
	if maxConcurrentWorkers <= 0 {
		maxConcurrentWorkers = defaultMaxConcurrentWorkers
	}
	return &Server{logger: logger, engine: engine, maxWorkers: maxConcurrentWorkers}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/where-is-one", s.handleWhereIsOne)
	mux.HandleFunc("/where-are-one", s.handleWhereAreOne)
	return mux
}

// Serve accepts connections on l until the listener or the server is
// closed; it always returns a non-nil error, matching http.Server.Serve.
func (s *Server) Serve(l net.Listener) error {
	s.bound = l.Addr()
	s.srv.Handler = s.handler()
	if s.ready != nil {
		s.ready()
	}
	return s.srv.Serve(l)
}

// Shutdown gracefully stops the server, waiting up to the context
// deadline for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type whereIsOneResponse struct {
	SWHID  string `json:"swhid"`
	Anchor string `json:"anchor,omitempty"`
}

type whereAreOneRequest struct {
	SWHID string `json:"swhid"`
}

type whereAreOneResponse struct {
	SWHID  string `json:"swhid,omitempty"`
	Anchor string `json:"anchor,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleWhereIsOne answers a single SWHID passed as a query parameter.
// curl -s 'http://host/where-is-one?swhid=swh:1:cnt:...'
func (s *Server) handleWhereIsOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := r.URL.Query().Get("swhid")
	if raw == "" {
		http.Error(w, "missing swhid parameter", http.StatusBadRequest)
		return
	}
	id, err := swhid.Parse(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	queryID := uuid.New()
	w.Header().Add("X-Provenance-Query-Id", queryID.String())
	res, err := s.engine.WhereIsOne(r.Context(), id)
	if err != nil {
		status, msg := classify(err)
		if status == http.StatusInternalServerError {
			s.logger.Printf("query %s: where_is_one %s: %v", queryID, raw, err)
		}
		http.Error(w, msg, status)
		return
	}
	body := whereIsOneResponse{SWHID: res.SWHID.String()}
	if res.Anchor != nil {
		body.Anchor = res.Anchor.String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// handleWhereAreOne reads one SWHID request object per line from the
// request body and, as soon as each completes, writes one response
// object per line — interleaved in completion order, not request
// order. A bounded semaphore caps the number of where_is_one tasks
// running concurrently for this stream.
func (s *Server) handleWhereAreOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)
	streamID := uuid.New()
	s.logger.Printf("stream %s: where_are_one started", streamID)

	w.Header().Set("X-Provenance-Query-Id", streamID.String())
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	sem := semaphore.NewWeighted(s.maxWorkers)
	var wg sync.WaitGroup
	var writeMu sync.Mutex
	enc := json.NewEncoder(w)

	send := func(resp whereAreOneResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		enc.Encode(resp)
		if flusher != nil {
			flusher.Flush()
		}
	}

	dec := json.NewDecoder(r.Body)
	for {
		var req whereAreOneRequest
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				send(whereAreOneResponse{Error: "malformed request: " + err.Error()})
			}
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// client disconnected (or deadline passed) while we were
			// waiting for a worker slot; stop accepting new work.
			break
		}
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			defer sem.Release(1)
			send(s.computeOne(ctx, streamID, raw))
		}(req.SWHID)
	}
	wg.Wait()
}

func (s *Server) computeOne(ctx context.Context, streamID uuid.UUID, raw string) whereAreOneResponse {
	id, err := swhid.Parse(raw)
	if err != nil {
		return whereAreOneResponse{SWHID: raw, Error: err.Error()}
	}
	res, err := s.engine.WhereIsOne(ctx, id)
	if err != nil {
		status, msg := classify(err)
		if status == http.StatusInternalServerError {
			s.logger.Printf("stream %s: where_is_one %s: %v", streamID, raw, err)
		}
		return whereAreOneResponse{SWHID: raw, Error: msg}
	}
	out := whereAreOneResponse{SWHID: res.SWHID.String()}
	if res.Anchor != nil {
		out.Anchor = res.Anchor.String()
	}
	return out
}

// classify implements the error taxonomy: malformed input and
// duplicate SWHIDs are client errors, unknown SWHIDs are not-found,
// and everything else is logged internally and reported generically
// so the cause is never leaked to the client.
func classify(err error) (int, string) {
	var invalid *swhid.InvalidError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest, err.Error()
	}
	if errors.Is(err, query.ErrDuplicateSWHID) {
		return http.StatusBadRequest, err.Error()
	}
	var notFound *query.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}
