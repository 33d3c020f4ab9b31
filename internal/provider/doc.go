// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the vendor-agnostic streaming chat contract.
//
// Each upstream LLM vendor (Qianfan, Qianwen/DashScope) implements the
// Provider interface in its own subpackage. An adapter turns the vendor's
// wire format into a normalized delta stream; the error taxonomy lets
// callers tell an authentication failure, a transport failure, a vendor-
// reported error, and a malformed response apart.
package provider
