// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// Role identifies the sender of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Content is a message body: text plus optional image references for
// vendors that accept multimodal input.
type Content struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// Message is a single entry of the history sent upstream.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// NewUserMessage creates a user message with text content.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: Content{Text: text}}
}

// NewAssistantMessage creates an assistant message with text content.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: Content{Text: text}}
}

// =============================================================================
// OPTIONS
// =============================================================================

// DefaultTimeout bounds how long an adapter waits for the next chunk.
const DefaultTimeout = 60 * time.Second

// Options carries per-request tuning for a streaming chat call.
type Options struct {
	// Temperature is the sampling temperature. Zero means vendor default.
	Temperature float64

	// Timeout is the maximum duration for the whole request, including
	// waiting for each body chunk. Zero means DefaultTimeout.
	Timeout time.Duration

	// Seed makes sampling deterministic on vendors that support it.
	Seed int

	// SystemPrompt overrides the leading system message, for vendors
	// whose request shape carries one.
	SystemPrompt string
}

// EffectiveTimeout returns the timeout to apply.
func (o Options) EffectiveTimeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// =============================================================================
// NORMALIZED STREAM
// =============================================================================

// Stream is the normalized, vendor-agnostic delta stream.
//
// Deltas are emitted in the exact order their source events arrived. The
// channel is closed on completion, error, or cancellation; after the
// channel closes, Err reports nil for a clean completion and the terminal
// error otherwise.
type Stream struct {
	deltas chan string

	mu  sync.Mutex
	err error
}

// NewStream creates a Stream with a small forwarding buffer.
func NewStream() *Stream {
	return &Stream{deltas: make(chan string, 16)}
}

// Deltas returns the ordered delta channel.
func (s *Stream) Deltas() <-chan string {
	return s.deltas
}

// Err returns the terminal error, or nil for a clean completion.
// Only meaningful once the delta channel has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send forwards one delta, giving up when ctx is cancelled.
// Returns false when the delta was not delivered.
func (s *Stream) Send(ctx context.Context, delta string) bool {
	select {
	case s.deltas <- delta:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close terminates the stream. A nil err marks clean completion.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.deltas)
}

// Collect drains the stream into a single string, for callers that want
// streaming transport but a whole response.
func (s *Stream) Collect() (string, error) {
	var out []byte
	for d := range s.deltas {
		out = append(out, d...)
	}
	return string(out), s.Err()
}

// =============================================================================
// PROVIDER CONTRACT
// =============================================================================

// Provider adapts one vendor's streaming chat protocol to the normalized
// delta stream.
//
// StreamChat returns an error for failures occurring before any bytes are
// streamed (bad request, auth, vendor envelope on the initial response).
// Mid-stream failures close the returned Stream with the error instead.
type Provider interface {
	// Vendor returns the vendor tag this adapter serves.
	Vendor() string

	// StreamChat opens a streaming completion for the given model ID and
	// history.
	StreamChat(ctx context.Context, modelID string, history []Message, opts Options) (*Stream, error)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps vendor tags to their adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces the adapter for its vendor tag.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Vendor()] = p
}

// Resolve returns the adapter for a vendor tag.
func (r *Registry) Resolve(vendor string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[vendor]
	if !ok {
		return nil, fmt.Errorf("no provider registered for vendor %q", vendor)
	}
	return p, nil
}

// Vendors lists the registered vendor tags.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.providers))
	for tag := range r.providers {
		tags = append(tags, tag)
	}
	return tags
}
