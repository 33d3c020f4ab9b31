// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse implements an incremental Server-Sent-Events decoder.
//
// Vendor chat endpoints deliver completions as text/event-stream bodies
// whose chunk boundaries fall anywhere, including mid-line. The decoder
// buffers partial input and emits complete events in arrival order,
// regardless of how the bytes were split.
package sse
