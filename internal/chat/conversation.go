// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"github.com/google/uuid"

	"github.com/jeranaias/chatrelay/internal/catalog"
	"github.com/jeranaias/chatrelay/internal/provider"
)

// DefaultTemperature is the sampling temperature a new conversation
// starts with.
const DefaultTemperature = 1.0

// DefaultName is the display name a new conversation starts with.
const DefaultName = "New Conversation"

// Conversation is a named, ordered thread of messages bound to one model
// and one system prompt / temperature configuration.
type Conversation struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Messages    []provider.Message `json:"messages"`
	ModelID     string             `json:"model_id"`
	Prompt      string             `json:"prompt"`
	Temperature float64            `json:"temperature"`
}

// NewConversation creates an empty conversation seeded from a model:
// fresh ID, empty message list, the model's default system prompt, and
// the default temperature.
func NewConversation(model catalog.Model) Conversation {
	return Conversation{
		ID:          uuid.NewString(),
		Name:        DefaultName,
		Messages:    []provider.Message{},
		ModelID:     model.ID,
		Prompt:      model.SystemPrompt,
		Temperature: DefaultTemperature,
	}
}

// Clone deep-copies the conversation so snapshot mutation never leaks
// into a previously observed copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]provider.Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	for i := range out.Messages {
		if imgs := out.Messages[i].Content.Images; imgs != nil {
			out.Messages[i].Content.Images = append([]string(nil), imgs...)
		}
	}
	return out
}

// AppendMessage returns the conversation with msg appended.
func (c Conversation) AppendMessage(msg provider.Message) Conversation {
	out := c.Clone()
	out.Messages = append(out.Messages, msg)
	return out
}

// AppendToLast grows the in-progress assistant message by delta. With an
// empty message list the delta starts a new assistant message.
func (c Conversation) AppendToLast(delta string) Conversation {
	out := c.Clone()
	if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == provider.RoleAssistant {
		out.Messages[n-1].Content.Text += delta
		return out
	}
	out.Messages = append(out.Messages, provider.NewAssistantMessage(delta))
	return out
}

// LastMessage returns the final message, if any.
func (c Conversation) LastMessage() (provider.Message, bool) {
	if len(c.Messages) == 0 {
		return provider.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// CleanHistory drops restored conversations that cannot be served: a
// model missing from the catalog, an empty ID, or a duplicate ID. Order
// is preserved; the first holder of an ID wins.
func CleanHistory(list []Conversation, cat *catalog.Catalog) []Conversation {
	seen := make(map[string]bool, len(list))
	out := make([]Conversation, 0, len(list))
	for _, c := range list {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		if !cat.Has(c.ModelID) {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
