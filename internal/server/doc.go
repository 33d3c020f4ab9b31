// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the HTTP boundary of the relay.
//
// Endpoints:
//   - POST /v1/chat/completions          - streaming completion (raw UTF-8 deltas)
//   - GET  /v1/models                    - list catalog models
//   - GET  /v1/conversations             - conversation state snapshot
//   - POST /v1/conversations             - create and select a conversation
//   - PUT  /v1/conversations/{id}        - update a conversation
//   - DELETE /v1/conversations/{id}      - delete a conversation
//   - POST /v1/conversations/{id}/select - select a conversation
//   - DELETE /v1/conversations           - clear all conversations
//   - GET  /health                       - health check
//
// The completion response body is the bare delta stream: no SSE framing,
// no sentinel, one flush per delta. A completion that fails before the
// first byte produces a JSON error; one that fails mid-stream is logged
// and the connection is dropped.
//
// Every route runs behind the middleware chain: panic recovery, security
// headers, request logging, and a per-IP token-bucket rate limit.
package server
