// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for the relay.
//
// Supports both TOML and JSON configuration formats, with sensible
// defaults, environment variable overrides, and validation.
//
// Configuration sources (in order of precedence):
//   - Environment variables (CHATRELAY_*, QIANFAN_API_KEY,
//     QIANFAN_SECRET_KEY, DASHSCOPE_API_KEY)
//   - ~/.chatrelay/config.toml
//   - ~/.chatrelay/config.json
//   - Built-in defaults
//
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win over its contents.
package config
