// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package server provides HTTP/HTTPS server lifecycle management: non-blocking
start, graceful shutdown, and signal-driven shutdown waiting.

# Overview

Manager wraps net/http.Server, unifying listen, serve, shutdown, and error
propagation. It supports both HTTP and TLS startup, with built-in
SIGINT/SIGTERM handling suited to production graceful-stop requirements.

# Core types

  - Manager: holds the http.Server, net.Listener, and an async error
    channel; exposes Start/StartTLS/Shutdown/WaitForShutdown.
  - Config: listen address, read/write/idle timeouts, max header size, and
    shutdown timeout.
*/
package server
