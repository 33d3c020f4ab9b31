// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway is the streaming façade: it resolves a model to its
// vendor adapter and opens the normalized delta stream. Callers see one
// entry point regardless of which vendor backs the model.
package gateway
