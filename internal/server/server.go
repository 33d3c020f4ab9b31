// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/chatrelay/internal/catalog"
	"github.com/jeranaias/chatrelay/internal/chat"
	"github.com/jeranaias/chatrelay/internal/gateway"
	"github.com/jeranaias/chatrelay/internal/provider"
	"github.com/jeranaias/chatrelay/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address for the HTTP server.
	DefaultAddr = "127.0.0.1:8787"

	// MaxMessageLength is the maximum length for a single message to prevent DoS.
	MaxMessageLength = 100000

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// MaxRequestBodySize is the maximum size for request body to prevent DoS (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MinTemperature is the minimum value for the temperature parameter.
	MinTemperature = 0.0

	// MaxTemperature is the maximum value for the temperature parameter.
	MaxTemperature = 2.0

	// Version is the server version.
	Version = "0.3.0"
)

// validRoles defines the set of acceptable message roles.
// SECURITY: role strings land in upstream request bodies; whitelist them.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// validateMessages validates that all message roles are acceptable.
func validateMessages(messages []ChatMessage) error {
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("invalid role '%s' at message %d: must be one of user, assistant, system", msg.Role, i)
		}
	}
	return nil
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP boundary: the streaming completion endpoint, the
// conversation state endpoints, and the model listing.
type Server struct {
	addr   string
	router *http.ServeMux
	server *http.Server

	gateway *gateway.Gateway
	store   *chat.Store
	persist *storage.ConversationStore
	limiter *RateLimiter
}

// NewServer creates a Server over the gateway, the state store, and the
// persistence layer. If addr is empty, DefaultAddr is used.
func NewServer(addr string, gw *gateway.Gateway, store *chat.Store, persist *storage.ConversationStore) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{
		addr:    addr,
		router:  http.NewServeMux(),
		gateway: gw,
		store:   store,
		persist: persist,
		limiter: DefaultRateLimiter(),
	}

	s.setupRoutes()
	return s
}

// WithRateLimiter sets a custom rate limiter.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.limiter = rl
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the full handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		RateLimitMiddleware(s.limiter),
	)(s.router)
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Completion and model endpoints
	s.router.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.router.HandleFunc("GET /v1/models", s.handleModels)

	// Conversation state endpoints
	s.router.HandleFunc("GET /v1/conversations", s.handleListConversations)
	s.router.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	s.router.HandleFunc("DELETE /v1/conversations", s.handleClearConversations)
	s.router.HandleFunc("PUT /v1/conversations/{id}", s.handleUpdateConversation)
	s.router.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	s.router.HandleFunc("POST /v1/conversations/{id}/select", s.handleSelectConversation)

	// Health endpoint
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// REQUEST TYPES
// ============================================================================

// ChatMessage is one history entry of a completion request.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatParameters carries the optional tuning block of a completion request.
type ChatParameters struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Seed        int      `json:"seed,omitempty"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
//
// When ConversationID is set the request is stateful: the messages are
// appended to that conversation's history, the stream is relayed, and
// the assistant reply is folded back into the conversation.
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Parameters     *ChatParameters `json:"parameters,omitempty"`
}

// ============================================================================
// CHAT COMPLETIONS HANDLER
// ============================================================================

// handleChatCompletions handles POST /v1/chat/completions.
//
// The response body is the raw UTF-8 delta stream, flushed per delta,
// with no framing and no terminal sentinel. Failures before the first
// byte produce a JSON error; failures mid-stream are logged and the
// connection is closed without a completed final flush.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	// RELIABILITY: bound the request body before decoding.
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return
		}
		log.Printf("INVALID_REQUEST | error=%v", err)
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "Request must contain at least one message")
		return
	}
	if len(req.Messages) > MaxMessageCount {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Too many messages: maximum is %d", MaxMessageCount))
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		log.Printf("INVALID_REQUEST | error=%v", err)
		s.writeError(w, http.StatusBadRequest, "Invalid message format. Messages must have valid roles (user, assistant, system)")
		return
	}
	for i, msg := range req.Messages {
		if len(msg.Content) > MaxMessageLength {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Message %d exceeds maximum length of %d", i, MaxMessageLength))
			return
		}
	}

	opts := provider.Options{}
	if req.Parameters != nil {
		if req.Parameters.Temperature != nil {
			t := *req.Parameters.Temperature
			if t < MinTemperature || t > MaxTemperature {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature))
				return
			}
			opts.Temperature = t
		}
		opts.SystemPrompt = req.Parameters.Prompt
		opts.Seed = req.Parameters.Seed
	}

	modelID := req.Model
	history := toHistory(req.Messages)

	// Stateful mode: fold the request into the tracked conversation.
	var conv chat.Conversation
	stateful := req.ConversationID != ""
	if stateful {
		var ok bool
		conv, ok = s.store.Snapshot().Conversation(req.ConversationID)
		if !ok {
			s.writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		for _, msg := range history {
			conv = conv.AppendMessage(msg)
		}
		history = conv.Messages
		if modelID == "" {
			modelID = conv.ModelID
		}
		if opts.SystemPrompt == "" {
			opts.SystemPrompt = conv.Prompt
		}
		if req.Parameters == nil || req.Parameters.Temperature == nil {
			opts.Temperature = conv.Temperature
		}
	}

	stream, err := s.gateway.HandleCompletion(r.Context(), modelID, history, opts)
	if err != nil {
		s.writeCompletionError(w, err)
		return
	}

	s.relayStream(w, r, stream, stateful, conv)
}

// relayStream copies deltas to the client as they arrive, one flush per
// delta so the first byte is visible immediately.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, stream *provider.Stream, stateful bool, conv chat.Conversation) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for delta := range stream.Deltas() {
		if _, err := fmt.Fprint(w, delta); err != nil {
			// Client went away; drain the provider side and stop.
			log.Printf("STREAM_CLIENT_GONE | error=%v", err)
			for range stream.Deltas() {
			}
			return
		}
		flusher.Flush()
		if stateful {
			conv = conv.AppendToLast(delta)
		}
	}

	if err := stream.Err(); err != nil {
		// The byte stream carries no error frame. Logging then dropping
		// the connection is the error signal: the client sees an abrupt
		// close instead of a clean EOF.
		log.Printf("STREAM_ABORTED | error=%v", err)
		panic(http.ErrAbortHandler)
	}

	if stateful {
		res := s.store.UpdateConversation(conv)
		s.persistState(res.All)
	}
}

// toHistory converts wire messages to provider history.
func toHistory(messages []ChatMessage) []provider.Message {
	out := make([]provider.Message, len(messages))
	for i, msg := range messages {
		out[i] = provider.Message{
			Role:    provider.Role(msg.Role),
			Content: provider.Content{Text: msg.Content, Images: msg.Images},
		}
	}
	return out
}

// writeCompletionError maps a pre-stream failure to a JSON error body,
// carrying the vendor code through when one exists.
func (s *Server) writeCompletionError(w http.ResponseWriter, err error) {
	if errors.Is(err, catalog.ErrModelNotFound) {
		s.writeErrorCode(w, http.StatusNotFound, "model_not_found", err.Error())
		return
	}
	if ve, ok := provider.AsVendor(err); ok {
		s.writeErrorCode(w, http.StatusBadGateway, ve.Code, ve.Message)
		return
	}
	if provider.IsAuth(err) {
		log.Printf("UPSTREAM_AUTH_FAILED | error=%v", err)
		s.writeErrorCode(w, http.StatusBadGateway, "upstream_auth", "Upstream authentication failed")
		return
	}
	if provider.IsTransport(err) {
		log.Printf("UPSTREAM_UNAVAILABLE | error=%v", err)
		s.writeErrorCode(w, http.StatusBadGateway, "upstream_unavailable", "Upstream request failed")
		return
	}
	log.Printf("COMPLETION_ERROR | error=%v", err)
	s.writeError(w, http.StatusInternalServerError, "Request processing failed. Please try again.")
}

// ============================================================================
// CONVERSATION HANDLERS
// ============================================================================

// ConversationsResponse is the body of GET /v1/conversations.
type ConversationsResponse struct {
	Conversations []chat.Conversation `json:"conversations"`
	SelectedID    string              `json:"selected_id,omitempty"`
}

// handleListConversations handles GET /v1/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	state := s.store.Snapshot()
	s.writeJSON(w, http.StatusOK, ConversationsResponse{
		Conversations: state.Conversations,
		SelectedID:    state.SelectedID,
	})
}

// CreateConversationRequest is the body of POST /v1/conversations.
type CreateConversationRequest struct {
	Model string `json:"model,omitempty"`
}

// handleCreateConversation handles POST /v1/conversations. The new
// conversation is seeded from the requested model (catalog default when
// omitted) and becomes the selected one.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	model := s.gateway.Catalog().Default()
	if req.Model != "" {
		var err error
		model, err = s.gateway.Catalog().Resolve(req.Model)
		if err != nil {
			s.writeErrorCode(w, http.StatusNotFound, "model_not_found", err.Error())
			return
		}
	}

	conv := s.store.StartConversation(model)
	if !s.persistState(s.store.Snapshot().Conversations) {
		s.writeError(w, http.StatusInternalServerError, "Failed to persist conversation")
		return
	}

	s.writeJSON(w, http.StatusCreated, conv)
}

// handleUpdateConversation handles PUT /v1/conversations/{id}. The body
// is the full conversation; the ID in the path wins over the body's.
func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	id := r.PathValue("id")

	var conv chat.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	conv.ID = id

	if _, ok := s.store.Snapshot().Conversation(id); !ok {
		s.writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	res := s.store.UpdateConversation(conv)
	if !s.persistState(res.All) {
		s.writeError(w, http.StatusInternalServerError, "Failed to persist conversation")
		return
	}

	s.writeJSON(w, http.StatusOK, res.Single)
}

// handleDeleteConversation handles DELETE /v1/conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := s.store.Snapshot().Conversation(id); !ok {
		s.writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	state := s.store.DeleteConversation(id)
	if !s.persistState(state.Conversations) {
		s.writeError(w, http.StatusInternalServerError, "Failed to persist conversation")
		return
	}

	s.writeJSON(w, http.StatusOK, ConversationsResponse{
		Conversations: state.Conversations,
		SelectedID:    state.SelectedID,
	})
}

// handleSelectConversation handles POST /v1/conversations/{id}/select.
func (s *Server) handleSelectConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := s.store.Snapshot().Conversation(id); !ok {
		s.writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	state := s.store.Dispatch(chat.SelectConversation{ID: id})
	selected, _ := state.Selected()
	if err := s.persist.WriteSelectedConversation(selected); err != nil {
		log.Printf("PERSIST_FAILED | key=%s error=%v", storage.KeySelectedConversation, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to persist selection")
		return
	}

	s.writeJSON(w, http.StatusOK, selected)
}

// handleClearConversations handles DELETE /v1/conversations: every
// conversation and the selection go, in state and in storage.
func (s *Server) handleClearConversations(w http.ResponseWriter, r *http.Request) {
	s.store.ClearAll()
	if err := s.persist.Clear(); err != nil {
		log.Printf("PERSIST_FAILED | op=clear error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to clear conversations")
		return
	}

	log.Printf("CONVERSATIONS_CLEARED | client_ip=%s", GetClientIP(r))
	w.WriteHeader(http.StatusNoContent)
}

// persistState writes the conversation list and the selection snapshot,
// logging failures. Returns false when persistence failed.
func (s *Server) persistState(conversations []chat.Conversation) bool {
	if err := s.persist.WriteConversationList(conversations); err != nil {
		log.Printf("PERSIST_FAILED | key=%s error=%v", storage.KeyConversationHistory, err)
		return false
	}
	if selected, ok := s.store.Snapshot().Selected(); ok {
		if err := s.persist.WriteSelectedConversation(selected); err != nil {
			log.Printf("PERSIST_FAILED | key=%s error=%v", storage.KeySelectedConversation, err)
			return false
		}
	}
	return true
}

// ============================================================================
// MODELS HANDLER
// ============================================================================

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Models  []catalog.Model `json:"models"`
	Default string          `json:"default"`
}

// handleModels handles GET /v1/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ModelsResponse{
		Models:  s.gateway.Models(),
		Default: s.gateway.Catalog().Default().ID,
	})
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Models        int    `json:"models"`
	Conversations int    `json:"conversations"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       Version,
		Models:        len(s.gateway.Models()),
		Conversations: len(s.store.Snapshot().Conversations),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout stays zero: completion streams are open-ended and
		// bounded by the per-request provider timeout instead.
		IdleTimeout: 120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", s.addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}

// writeErrorCode writes a JSON error response carrying an upstream or
// routing error code.
func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "upstream_error",
			"code":    code,
		},
	})
}
