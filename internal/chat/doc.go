// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat is the conversation state core: the conversation and
// message types, and a typed-command reducer over an immutable state
// snapshot.
//
// All mutation goes through Store.Dispatch. A dispatch applies its
// commands in order against a copy of the current snapshot and swaps the
// result in atomically, so an observer never sees a half-applied
// multi-command action. The reducer performs no I/O; persisting the new
// snapshot is the caller's job.
package chat
