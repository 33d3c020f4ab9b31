// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversation state behind an injected
// key-value capability.
//
// The KV interface is the collaborator boundary: the state core never
// touches the storage mechanism directly. Three implementations ship: an
// in-memory map for tests, a JSON-file-per-key store with atomic writes,
// and a SQLite store. ConversationStore layers the well-known state keys
// (conversationHistory, selectedConversation, UI flags) on top of any KV.
package storage
