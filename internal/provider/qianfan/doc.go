// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package qianfan adapts Baidu Qianfan (ERNIE) streaming chat to the
// normalized provider contract.
//
// Qianfan authenticates with an OAuth client-credentials exchange: the API
// key and secret key are traded for a short-lived access token, which is
// then passed as a query parameter on the chat endpoint. The token is
// acquired once per client and reused.
//
// The streaming response is Server-Sent Events where each data payload is
// a JSON object carrying a "result" text fragment and an "is_end" flag.
package qianfan
