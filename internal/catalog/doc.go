// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog manages the model catalog: which models are served, which
// vendor backs each one, and the per-model system prompt and capability
// flags. The catalog loads from a TOML file and can hot-reload on change.
package catalog
