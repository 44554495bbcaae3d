/*
Package h1server is an HTTP/1.1 server built around an explicit request
pipeline: incremental parsing, authentication, a shared response cache,
routing, content negotiation and response writing, each a separate package
with typed errors.

Features

  - Incremental parser: fragmentation-invariant, bounded by configurable limits
  - Request smuggling defenses: Content-Length/Transfer-Encoding ambiguity is rejected
  - Path resolution: percent-decoding and dot-segment removal that never escapes the root
  - Bodies: fixed length, chunked with trailers, multipart/form-data
  - Authentication: Basic and Bearer policies bound to path prefixes
  - Cache: sharded LRU with Vary, validators, single-flight and SQLite warm start
  - Compression: gzip, deflate and brotli chosen from Accept-Encoding q-values
  - Transport: keep-alive, pipelining, 100-continue, per-client connection rate
  - Observability: Prometheus metrics and an admin endpoint

Quick Start

Basic usage example:

package main

import (
    "context"
    "os"

    "github.com/rs/zerolog/log"
    "github.com/searchktools/h1server/app"
    "github.com/searchktools/h1server/config"
    "github.com/searchktools/h1server/core/auth"
    "github.com/searchktools/h1server/core/http"
)

func main() {
    cfg, err := config.Load(os.Args[1:])
    if err != nil {
        log.Fatal().Err(err).Send()
    }
    application, err := app.New(cfg, log.Logger)
    if err != nil {
        log.Fatal().Err(err).Send()
    }

    application.Mux().GET("/hello", func(req *http.Request, ac auth.Context) (*http.Response, error) {
        return http.Text(200, "Hello, World!"), nil
    })

    application.Run(context.Background())
}

Modules

  - app: component wiring, admin server, graceful shutdown
  - config: defaults, YAML, .env and H1_* environment, flags
  - core: connection engine (accept loop, keep-alive, pipelining)
  - core/scan: byte scanner used by the parser
  - core/http: parser, request and response model, body decoding, writer
  - core/auth: authentication gate
  - core/cache: response cache store, persistence and janitor
  - core/compress: content-coding negotiation and encoders
  - core/router: radix tree router
  - core/middleware: handler chain (recovery, request IDs, access log, CORS, rate limit)
  - core/pipeline: the request pipeline, routing table and static files
  - core/pools: worker, byte and buffer pools, GC settings
  - core/observability: Prometheus collectors and bottleneck analysis
*/
package h1server
