// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jeranaias/chatrelay/internal/catalog"
	"github.com/jeranaias/chatrelay/internal/chat"
	"github.com/jeranaias/chatrelay/internal/gateway"
	"github.com/jeranaias/chatrelay/internal/provider"
	"github.com/jeranaias/chatrelay/internal/storage"
)

// =============================================================================
// FIXTURES
// =============================================================================

// stubProvider replays scripted deltas, or fails at the request level.
type stubProvider struct {
	vendor string
	deltas []string
	err    error
	reqErr error
}

func (p *stubProvider) Vendor() string { return p.vendor }

func (p *stubProvider) StreamChat(ctx context.Context, modelID string, history []provider.Message, opts provider.Options) (*provider.Stream, error) {
	if p.reqErr != nil {
		return nil, p.reqErr
	}

	stream := provider.NewStream()
	go func() {
		for _, d := range p.deltas {
			if !stream.Send(ctx, d) {
				stream.Close(ctx.Err())
				return
			}
		}
		stream.Close(p.err)
	}()
	return stream, nil
}

type fixture struct {
	srv     *Server
	ts      *httptest.Server
	store   *chat.Store
	persist *storage.ConversationStore
}

func newFixture(t *testing.T, p *stubProvider) *fixture {
	t.Helper()

	cat, err := catalog.New([]catalog.Model{
		{ID: "ernie-bot", Name: "ERNIE Bot", Vendor: "qianfan", SystemPrompt: "You are a helpful assistant."},
		{ID: "qwen-vl-plus", Name: "Qwen VL Plus", Vendor: "qianwen", AcceptsImages: true},
	}, "ernie-bot")
	require.NoError(t, err)

	reg := provider.NewRegistry()
	if p != nil {
		reg.Register(p)
	}

	store := chat.NewStore()
	persist := storage.NewConversationStore(storage.NewMemoryKV())

	srv := NewServer("", gateway.New(cat, reg), store, persist).
		WithRateLimiter(NewRateLimiter(rate.Limit(1000), 1000))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, ts: ts, store: store, persist: persist}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeErrorBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	return body.Error
}

func completionRequest(text string) ChatCompletionRequest {
	return ChatCompletionRequest{
		Model:    "ernie-bot",
		Messages: []ChatMessage{{Role: "user", Content: text}},
	}
}

// =============================================================================
// COMPLETION TESTS
// =============================================================================

func TestChatCompletions_StreamsDeltasInOrder(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan", deltas: []string{"Hel", "lo", "!"}})

	resp := f.postJSON(t, "/v1/chat/completions", completionRequest("hi"))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", string(body))
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	resp, err := http.Post(f.ts.URL+"/v1/chat/completions", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decodeErrorBody(t, resp)
	assert.Equal(t, "Invalid request format", errBody["message"])
}

func TestChatCompletions_EmptyMessages(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	resp := f.postJSON(t, "/v1/chat/completions", ChatCompletionRequest{Model: "ernie-bot"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChatCompletions_InvalidRole(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	resp := f.postJSON(t, "/v1/chat/completions", ChatCompletionRequest{
		Model:    "ernie-bot",
		Messages: []ChatMessage{{Role: "tool", Content: "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChatCompletions_TemperatureOutOfRange(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	temp := 3.5
	req := completionRequest("hi")
	req.Parameters = &ChatParameters{Temperature: &temp}

	resp := f.postJSON(t, "/v1/chat/completions", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	req := completionRequest("hi")
	req.Model = "no-such-model"

	resp := f.postJSON(t, "/v1/chat/completions", req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	errBody := decodeErrorBody(t, resp)
	assert.Equal(t, "model_not_found", errBody["code"])
}

func TestChatCompletions_VendorErrorJSON(t *testing.T) {
	f := newFixture(t, &stubProvider{
		vendor: "qianfan",
		reqErr: &provider.VendorError{Vendor: "qianfan", Code: "336003", Message: "invalid parameters"},
	})

	resp := f.postJSON(t, "/v1/chat/completions", completionRequest("hi"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	errBody := decodeErrorBody(t, resp)
	assert.Equal(t, "336003", errBody["code"])
	assert.Equal(t, "invalid parameters", errBody["message"])
}

func TestChatCompletions_MidStreamErrorDropsConnection(t *testing.T) {
	f := newFixture(t, &stubProvider{
		vendor: "qianfan",
		deltas: []string{"par", "tial"},
		err:    &provider.VendorError{Vendor: "qianfan", Code: "17", Message: "rate limited"},
	})

	resp := f.postJSON(t, "/v1/chat/completions", completionRequest("hi"))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The forwarded prefix arrives, then the connection dies instead of
	// reaching a clean EOF.
	body, err := io.ReadAll(resp.Body)
	assert.Equal(t, "partial", string(body))
	assert.Error(t, err)
}

func TestChatCompletions_StatefulAppendsToConversation(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan", deltas: []string{"Hel", "lo"}})

	model, err := catalog.New([]catalog.Model{{ID: "ernie-bot", Vendor: "qianfan"}}, "")
	require.NoError(t, err)
	conv := f.store.StartConversation(model.Default())

	req := completionRequest("hi")
	req.ConversationID = conv.ID

	resp := f.postJSON(t, "/v1/chat/completions", req)
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, readErr)
	require.Equal(t, "Hello", string(body))

	got, ok := f.store.Snapshot().Conversation(conv.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, provider.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[0].Content.Text)
	assert.Equal(t, provider.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "Hello", got.Messages[1].Content.Text)

	// The grown conversation is persisted too.
	list, found, err := f.persist.ReadConversationList()
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, list, 1)
	assert.Equal(t, "Hello", list[0].Messages[1].Content.Text)
}

func TestChatCompletions_UnknownConversation(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	req := completionRequest("hi")
	req.ConversationID = "missing"

	resp := f.postJSON(t, "/v1/chat/completions", req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

// =============================================================================
// CONVERSATION ENDPOINT TESTS
// =============================================================================

func TestConversations_CreateListSelectDelete(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	// Create two conversations; the second is selected.
	resp := f.postJSON(t, "/v1/conversations", CreateConversationRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first chat.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	resp.Body.Close()
	assert.Equal(t, "ernie-bot", first.ModelID)

	resp = f.postJSON(t, "/v1/conversations", CreateConversationRequest{Model: "qwen-vl-plus"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second chat.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	resp.Body.Close()
	assert.Equal(t, "qwen-vl-plus", second.ModelID)

	resp, err := http.Get(f.ts.URL + "/v1/conversations")
	require.NoError(t, err)
	var listed ConversationsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed.Conversations, 2)
	assert.Equal(t, second.ID, listed.SelectedID)

	// Select the first one back.
	resp = f.postJSON(t, "/v1/conversations/"+first.ID+"/select", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, first.ID, f.store.Snapshot().SelectedID)

	// Delete the first; selection falls back to the remaining one.
	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/v1/conversations/"+first.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after ConversationsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&after))
	resp.Body.Close()
	require.Len(t, after.Conversations, 1)
	assert.Equal(t, second.ID, after.SelectedID)
}

func TestConversations_CreateUnknownModel(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	resp := f.postJSON(t, "/v1/conversations", CreateConversationRequest{Model: "retired"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestConversations_Update(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	resp := f.postJSON(t, "/v1/conversations", CreateConversationRequest{})
	var conv chat.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	resp.Body.Close()

	conv.Name = "Renamed"
	data, err := json.Marshal(conv)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/v1/conversations/"+conv.ID, bytes.NewReader(data))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated chat.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	resp.Body.Close()
	assert.Equal(t, "Renamed", updated.Name)

	got, ok := f.store.Snapshot().Conversation(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "Renamed", got.Name)
}

func TestConversations_ClearAll(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	f.postJSON(t, "/v1/conversations", CreateConversationRequest{}).Body.Close()
	f.postJSON(t, "/v1/conversations", CreateConversationRequest{}).Body.Close()

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/v1/conversations", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Empty(t, f.store.Snapshot().Conversations)

	_, found, err := f.persist.ReadConversationList()
	require.NoError(t, err)
	assert.False(t, found)
}

// =============================================================================
// MODELS, HEALTH, MIDDLEWARE TESTS
// =============================================================================

func TestModels_ListsCatalog(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	resp, err := http.Get(f.ts.URL + "/v1/models")
	require.NoError(t, err)

	var body ModelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	require.Len(t, body.Models, 2)
	assert.Equal(t, "ernie-bot", body.Default)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Models)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestRateLimit_Exhaustion(t *testing.T) {
	f := newFixture(t, &stubProvider{vendor: "qianfan"})
	f.srv.WithRateLimiter(NewRateLimiter(rate.Limit(0.001), 2))

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGetClientIP_IgnoresSpoofedHeaderFromUntrustedSource(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")

	assert.Equal(t, "203.0.113.9", GetClientIP(r))
}

func TestGetClientIP_TrustsProxyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "127.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "203.0.113.9", GetClientIP(r))
}
