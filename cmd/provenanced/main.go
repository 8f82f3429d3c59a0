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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/softwareheritage/swh-provenance/graphstore"
	"github.com/softwareheritage/swh-provenance/provdb"
	"github.com/softwareheritage/swh-provenance/provrpc"
	"github.com/softwareheritage/swh-provenance/query"
)

var version = "development"

const defaultBind = "[::]:50141"

func main() {
	args := os.Args[1:]
	logger := log.New(os.Stderr, "", log.Lshortfile)
	if err := run(args, logger); err != nil {
		logger.Println(err)
		os.Exit(1)
	}
}

func run(args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("provenanced", flag.ExitOnError)
	database := fs.String("database", "", "URL of the provenance database (local path, file://, or s3://bucket/prefix; positional argument also accepted)")
	graph := fs.String("graph", "", "optional graph property store mapping file, enabling direct SWHID<->NodeId lookup")
	indexes := fs.String("indexes", "", "base path for EF-index sidecars; defaults to the database path")
	bind := fs.String("bind", defaultBind, "RPC listen address")
	statsdHost := fs.String("statsd-host", "", "metrics sink address; defaults from STATSD_HOST/STATSD_PORT")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dbPath := *database
	if dbPath == "" && fs.NArg() > 0 {
		dbPath = fs.Arg(0)
	}
	if dbPath == "" {
		return fmt.Errorf("provenanced: missing required --database argument")
	}
	dbPath = trimFileScheme(dbPath)

	statsd := *statsdHost
	if statsd == "" {
		statsd = statsdFromEnv()
	}
	if statsd != "" {
		logger.Printf("metrics sink configured at %s (emission not implemented; see design notes)", statsd)
	}

	layout := provdb.DefaultLayout(dbPath)
	db, err := provdb.Open(layout, *indexes)
	if err != nil {
		return fmt.Errorf("provenanced: %w", err)
	}

	var store graphstore.Store
	if *graph != "" {
		mem, err := graphstore.LoadFile(*graph)
		if err != nil {
			return fmt.Errorf("provenanced: %w", err)
		}
		store = mem
		logger.Printf("loaded graph property store from %s", *graph)
	}

	engine := query.New(db, store)
	srv := provrpc.New(engine, logger, 0)

	l, err := net.Listen("tcp", *bind)
	if err != nil {
		return fmt.Errorf("provenanced: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		logger.Printf("provenanced %s listening on %v", version, l.Addr())
		errc <- srv.Serve(l)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-sig:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// trimFileScheme accepts both "file:///data" and "/data", stripping
// the redundant scheme local paths don't need. "s3://bucket/prefix"
// URLs pass through untouched; objstore.Open dispatches on that
// scheme itself.
func trimFileScheme(path string) string {
	const prefix = "file://"
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

func statsdFromEnv() string {
	host := os.Getenv("STATSD_HOST")
	if host == "" {
		return ""
	}
	if port := os.Getenv("STATSD_PORT"); port != "" {
		return host + ":" + port
	}
	return host
}
