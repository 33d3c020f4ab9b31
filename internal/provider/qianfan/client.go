// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package qianfan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/jeranaias/chatrelay/internal/provider"
	"github.com/jeranaias/chatrelay/internal/sse"
)

// DefaultBaseURL is the Qianfan chat completion endpoint prefix; the model
// ID is appended as the final path segment.
const DefaultBaseURL = "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop/chat"

// maxErrorBody caps how much of an error response we read (64KB).
const maxErrorBody = 64 * 1024

// =============================================================================
// WIRE TYPES
// =============================================================================

// wireMessage is the Qianfan chat message shape.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the streaming chat request body.
type chatRequest struct {
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	System      string        `json:"system,omitempty"`
}

// chunkPayload is one decoded SSE data payload. A non-zero ErrorCode marks
// a vendor-reported mid-stream failure.
type chunkPayload struct {
	Result    string          `json:"result"`
	IsEnd     bool            `json:"is_end"`
	ErrorCode json.RawMessage `json:"error_code"`
	ErrorMsg  string          `json:"error_msg"`
}

// errorEnvelope is the non-streaming error response body.
type errorEnvelope struct {
	ErrorCode json.RawMessage `json:"error_code"`
	ErrorMsg  string          `json:"error_msg"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the Qianfan streaming chat adapter.
type Client struct {
	baseURL string
	tokens  *TokenProvider
	client  *http.Client
}

// NewClient creates a Client backed by the given token provider.
func NewClient(tokens *TokenProvider) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		client:  http.DefaultClient,
	}
}

// WithBaseURL overrides the chat endpoint prefix. Used in tests.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Vendor returns the vendor tag.
func (c *Client) Vendor() string { return "qianfan" }

// StreamChat opens a streaming completion against the Qianfan endpoint.
//
// Failures before the response body starts streaming are returned directly;
// once streaming has begun, failures terminate the returned Stream.
func (c *Client) StreamChat(ctx context.Context, modelID string, history []provider.Message, opts provider.Options) (*provider.Stream, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	reqBody := chatRequest{
		Messages:    toWire(history),
		Stream:      true,
		Temperature: opts.Temperature,
		System:      opts.SystemPrompt,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.EffectiveTimeout())

	url := c.baseURL + "/" + modelID + "?access_token=" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, &provider.TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, &provider.TransportError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyErrorBody(resp.StatusCode, body)
	}

	stream := provider.NewStream()
	go func() {
		defer cancel()
		defer resp.Body.Close()
		stream.Close(c.pump(ctx, resp.Body, stream))
	}()
	return stream, nil
}

// pump decodes the SSE body and forwards result fragments in order.
// Returns nil on a clean is_end close.
func (c *Client) pump(ctx context.Context, body io.Reader, stream *provider.Stream) error {
	reader := sse.NewReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				// Upstream hung up without is_end.
				return &provider.TransportError{Message: "stream ended before is_end"}
			}
			return &provider.DecodeError{Err: err}
		}
		if ev.Kind != sse.KindEvent {
			continue
		}

		var chunk chunkPayload
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return &provider.DecodeError{Err: err}
		}
		if len(chunk.ErrorCode) > 0 {
			log.Printf("QIANFAN_STREAM_ERROR | code=%s msg=%q", chunk.ErrorCode, chunk.ErrorMsg)
			return &provider.VendorError{Vendor: "qianfan", Code: string(chunk.ErrorCode), Message: chunk.ErrorMsg}
		}

		// The final payload carries both text and is_end; the text is
		// forwarded before the stream closes.
		if !stream.Send(ctx, chunk.Result) {
			return ctx.Err()
		}
		if chunk.IsEnd {
			return nil
		}
	}
}

// classifyErrorBody turns a non-200 response into a vendor or transport error.
func classifyErrorBody(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.ErrorCode) > 0 {
		return &provider.VendorError{Vendor: "qianfan", Code: string(env.ErrorCode), Message: env.ErrorMsg}
	}
	return &provider.TransportError{Status: status, Message: string(body)}
}

// toWire flattens normalized messages to the Qianfan text-only shape.
func toWire(history []provider.Message) []wireMessage {
	out := make([]wireMessage, 0, len(history))
	for _, m := range history {
		if m.Role == provider.RoleSystem {
			// System prompts travel in the request's system field.
			continue
		}
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content.Text})
	}
	return out
}
