// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package qianwen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	return NewClient("sk-test").WithBaseURL(srv.URL), srv.Close
}

func collect(t *testing.T, s *provider.Stream) ([]string, error) {
	t.Helper()
	var deltas []string
	for d := range s.Deltas() {
		deltas = append(deltas, d)
	}
	return deltas, s.Err()
}

func TestStreamChat_RequestShape(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "enable", r.Header.Get("X-DashScope-SSE"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen-vl-plus", req.Model)
		assert.True(t, req.Parameters.IncrementalOutput)
		assert.Equal(t, defaultSeed, req.Parameters.Seed)

		// System block leads, then the user's multimodal blocks.
		require.Len(t, req.Input.Messages, 2)
		assert.Equal(t, "system", req.Input.Messages[0].Role)
		assert.Equal(t, DefaultSystemPrompt, req.Input.Messages[0].Content[0].Text)
		require.Len(t, req.Input.Messages[1].Content, 2)
		assert.Equal(t, "what is this", req.Input.Messages[1].Content[0].Text)
		assert.Equal(t, "https://example.com/cat.png", req.Input.Messages[1].Content[1].Image)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"output\":{\"finish_reason\":\"stop\"}}\n\n")
	})
	defer cleanup()

	history := []provider.Message{{
		Role: provider.RoleUser,
		Content: provider.Content{
			Text:   "what is this",
			Images: []string{"https://example.com/cat.png"},
		},
	}}
	stream, err := client.StreamChat(context.Background(), "qwen-vl-plus", history, provider.Options{})
	require.NoError(t, err)

	deltas, err := collect(t, stream)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestStreamChat_ForwardsDeltasUntilStop(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"output\":{\"choices\":[{\"message\":{\"content\":[{\"text\":\"这是\"}]}}]}}\n\n")
		fmt.Fprint(w, "data: {\"output\":{\"choices\":[{\"message\":{\"content\":[{\"text\":\"一只猫\"}]}}]}}\n\n")
		// The stop payload's text is discarded.
		fmt.Fprint(w, "data: {\"output\":{\"finish_reason\":\"stop\",\"choices\":[{\"message\":{\"content\":[{\"text\":\"ignored\"}]}}]}}\n\n")
	})
	defer cleanup()

	stream, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil, provider.Options{})
	require.NoError(t, err)

	deltas, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"这是", "一只猫"}, deltas)
}

func TestStreamChat_MissingOutputLevelsYieldEmptyDelta(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"output\":{\"choices\":[]}}\n\n")
		fmt.Fprint(w, "data: {\"output\":{\"choices\":[{\"message\":{\"content\":[]}}]}}\n\n")
		fmt.Fprint(w, "data: {\"output\":{\"finish_reason\":\"stop\"}}\n\n")
	})
	defer cleanup()

	stream, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil, provider.Options{})
	require.NoError(t, err)

	deltas, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"", ""}, deltas)
}

func TestStreamChat_NonOKVendorEnvelope(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":"InvalidApiKey","message":"Invalid API-key provided."}`)
	})
	defer cleanup()

	_, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil, provider.Options{})
	ve, ok := provider.AsVendor(err)
	require.True(t, ok)
	assert.Equal(t, "InvalidApiKey", ve.Code)
	assert.Equal(t, "Invalid API-key provided.", ve.Message)
}

func TestStreamChat_NonOKWithoutEnvelopeIsTransport(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "upstream down")
	})
	defer cleanup()

	_, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil, provider.Options{})
	assert.True(t, provider.IsTransport(err))
}

func TestStreamChat_MidStreamVendorError(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"output\":{\"choices\":[{\"message\":{\"content\":[{\"text\":\"部分\"}]}}]}}\n\n")
		fmt.Fprint(w, "data: {\"code\":\"Throttling\",\"message\":\"Requests throttled.\"}\n\n")
	})
	defer cleanup()

	stream, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil, provider.Options{})
	require.NoError(t, err)

	deltas, err := collect(t, stream)
	assert.Equal(t, []string{"部分"}, deltas)
	ve, ok := provider.AsVendor(err)
	require.True(t, ok)
	assert.Equal(t, "Throttling", ve.Code)
}

func TestStreamChat_MalformedPayloadIsDecodeError(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: not json at all\n\n")
	})
	defer cleanup()

	stream, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil, provider.Options{})
	require.NoError(t, err)

	_, err = collect(t, stream)
	assert.True(t, provider.IsDecode(err))
}

func TestStreamChat_MissingKeyIsAuthError(t *testing.T) {
	client := NewClient("")
	_, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil, provider.Options{})
	assert.True(t, provider.IsAuth(err))
}

func TestStreamChat_SystemPromptOverride(t *testing.T) {
	client, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "answer in English", req.Input.Messages[0].Content[0].Text)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"output\":{\"finish_reason\":\"stop\"}}\n\n")
	})
	defer cleanup()

	stream, err := client.StreamChat(context.Background(), "qwen-vl-plus", nil,
		provider.Options{SystemPrompt: "answer in English"})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)
}
