// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package qianwen

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

// DefaultBaseURL is the DashScope multimodal generation endpoint.
const DefaultBaseURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/multimodal-generation/generation"

// DefaultSystemPrompt is the system block sent when the caller supplies
// none. Kept in the vendor's home language, as the service expects.
const DefaultSystemPrompt = "你是智能AI助理,可以帮用户识别图像,并仔细遵循用户的问题,使用markdown回复。"

// defaultSeed pins sampling for reproducible streams unless overridden.
const defaultSeed = 1646251034

// maxErrorBody caps how much of an error response we read (64KB).
const maxErrorBody = 64 * 1024

// =============================================================================
// WIRE TYPES
// =============================================================================

// contentBlock is one multimodal fragment: exactly one of Text or Image.
type contentBlock struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// wireMessage is the DashScope message shape.
type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// chatRequest is the generation request body.
type chatRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []wireMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		Seed              int  `json:"seed"`
		IncrementalOutput bool `json:"incremental_output"`
	} `json:"parameters"`
}

// chunkPayload is one decoded SSE data payload. Code marks a vendor error;
// the output tree is walked defensively because the service omits levels.
type chunkPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Output  struct {
		FinishReason string `json:"finish_reason"`
		Choices      []struct {
			Message struct {
				Content []contentBlock `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
}

// errorEnvelope is the non-streaming error response body.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the DashScope streaming chat adapter.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client with the given bearer key.
func NewClient(apiKey string) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		client:  http.DefaultClient,
	}
}

// WithBaseURL overrides the generation endpoint. Used in tests.
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
func (c *Client) Vendor() string { return "qianwen" }

// StreamChat opens a streaming generation against the DashScope endpoint.
func (c *Client) StreamChat(ctx context.Context, modelID string, history []provider.Message, opts provider.Options) (*provider.Stream, error) {
	if c.apiKey == "" {
		return nil, &provider.AuthError{Message: "qianwen API key not configured"}
	}

	reqBody := buildRequest(modelID, history, opts)
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.EffectiveTimeout())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, &provider.TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-DashScope-SSE", "enable")

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

// pump decodes the SSE body and forwards text fragments in order.
// Returns nil when finish_reason reports "stop".
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
				return &provider.TransportError{Message: "stream ended before finish_reason"}
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
		if chunk.Code != "" {
			log.Printf("QIANWEN_STREAM_ERROR | code=%s msg=%q", chunk.Code, chunk.Message)
			return &provider.VendorError{Vendor: "qianwen", Code: chunk.Code, Message: chunk.Message}
		}

		// The stop payload ends the stream before any text extraction.
		if chunk.Output.FinishReason == "stop" {
			return nil
		}

		if !stream.Send(ctx, extractText(&chunk)) {
			return ctx.Err()
		}
	}
}

// extractText pulls the delta text out of the payload's output tree,
// defaulting to empty when any level is missing.
func extractText(chunk *chunkPayload) string {
	if len(chunk.Output.Choices) == 0 {
		return ""
	}
	content := chunk.Output.Choices[0].Message.Content
	if len(content) == 0 {
		return ""
	}
	return content[0].Text
}

// classifyErrorBody turns a non-200 response into a vendor or transport error.
func classifyErrorBody(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Code != "" {
		return &provider.VendorError{Vendor: "qianwen", Code: env.Code, Message: env.Message}
	}
	return &provider.TransportError{Status: status, Message: string(body)}
}

// buildRequest assembles the generation body: a leading system block, then
// the history converted to multimodal content blocks.
func buildRequest(modelID string, history []provider.Message, opts provider.Options) chatRequest {
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	messages := make([]wireMessage, 0, len(history)+1)
	messages = append(messages, wireMessage{
		Role:    string(provider.RoleSystem),
		Content: []contentBlock{{Text: systemPrompt}},
	})
	for _, m := range history {
		if m.Role == provider.RoleSystem {
			continue
		}
		blocks := []contentBlock{{Text: m.Content.Text}}
		for _, img := range m.Content.Images {
			blocks = append(blocks, contentBlock{Image: img})
		}
		messages = append(messages, wireMessage{Role: string(m.Role), Content: blocks})
	}

	seed := opts.Seed
	if seed == 0 {
		seed = defaultSeed
	}

	var req chatRequest
	req.Model = modelID
	req.Input.Messages = messages
	req.Parameters.Seed = seed
	req.Parameters.IncrementalOutput = true
	return req
}
