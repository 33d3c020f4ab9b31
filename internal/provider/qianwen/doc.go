// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package qianwen adapts Alibaba DashScope (Qianwen) multimodal streaming
// chat to the normalized provider contract.
//
// DashScope authenticates with a static bearer key and streams Server-Sent
// Events when the X-DashScope-SSE header is set. Messages carry multimodal
// content blocks, so a history entry can mix text and image references.
// A payload whose output.finish_reason is "stop" ends the stream; its text,
// if any, is not forwarded.
package qianwen
