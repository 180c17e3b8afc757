/*
Package main provides the router controller's executable entry point.

# Overview

cmd/routerctl is the router controller's single binary: it loads a YAML
policy configuration, wires the classifier client, policy resolver, upstream
client, and stream rewriter into a request pipeline, and serves it over HTTP
alongside health and metrics endpoints.

# Core types

  - Server     — owns the HTTP server lifecycle and the wired pipeline
  - Middleware — the HTTP middleware function signature func(http.Handler) http.Handler

# Capabilities

  - Subcommands: serve (start the server), version, health (probe a running instance)
  - Middleware chain: Recovery, RequestID, RequestLogger, OTelTracing, CORS
  - Endpoints: /v1/chat/completions, /completions, /config, /health, /metrics
  - Graceful shutdown via internal/server.Manager
  - Background classifier-reachability probing, bounded fan-out via errgroup
  - Build metadata: Version, BuildTime, GitCommit injected via ldflags
*/
package main
