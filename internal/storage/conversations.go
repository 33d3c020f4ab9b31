// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jeranaias/chatrelay/internal/chat"
)

// Well-known state keys.
const (
	KeyConversationHistory  = "conversationHistory"
	KeySelectedConversation = "selectedConversation"
	KeyPrompts              = "prompts"
	KeyShowChatbar          = "showChatbar"
	KeyShowPromptbar        = "showPromptbar"
)

// UIFlags are the auxiliary values restored at the same startup point as
// the conversation state. Prompts is opaque to the core and carried
// verbatim.
type UIFlags struct {
	Prompts       json.RawMessage `json:"prompts,omitempty"`
	ShowChatbar   bool            `json:"show_chatbar"`
	ShowPromptbar bool            `json:"show_promptbar"`
}

// DefaultUIFlags returns the flags used when nothing is stored yet.
func DefaultUIFlags() UIFlags {
	return UIFlags{ShowChatbar: true, ShowPromptbar: true}
}

// ConversationStore persists conversation state through a KV. The full
// history and the selected conversation are keyed separately so that
// restoring "what was open" stays cheap.
type ConversationStore struct {
	kv KV
}

// NewConversationStore creates a store over the given KV.
func NewConversationStore(kv KV) *ConversationStore {
	return &ConversationStore{kv: kv}
}

// ReadConversationList restores the full history. Absence is reported
// with ok=false, not an error.
func (s *ConversationStore) ReadConversationList() ([]chat.Conversation, bool, error) {
	data, ok, err := s.kv.Get(KeyConversationHistory)
	if err != nil || !ok {
		return nil, false, err
	}

	var list []chat.Conversation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false, fmt.Errorf("corrupt conversation history: %w", err)
	}
	return list, true, nil
}

// WriteConversationList persists the full history.
func (s *ConversationStore) WriteConversationList(list []chat.Conversation) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encoding conversation history: %w", err)
	}
	return s.kv.Set(KeyConversationHistory, data)
}

// ReadSelectedConversation restores the last-open conversation.
func (s *ConversationStore) ReadSelectedConversation() (chat.Conversation, bool, error) {
	data, ok, err := s.kv.Get(KeySelectedConversation)
	if err != nil || !ok {
		return chat.Conversation{}, false, err
	}

	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return chat.Conversation{}, false, fmt.Errorf("corrupt selected conversation: %w", err)
	}
	return conv, true, nil
}

// WriteSelectedConversation persists just the selected conversation.
func (s *ConversationStore) WriteSelectedConversation(conv chat.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding selected conversation: %w", err)
	}
	return s.kv.Set(KeySelectedConversation, data)
}

// ReadUIFlags restores the auxiliary flags, with defaults for any absent
// key.
func (s *ConversationStore) ReadUIFlags() (UIFlags, error) {
	flags := DefaultUIFlags()

	if data, ok, err := s.kv.Get(KeyPrompts); err != nil {
		return flags, err
	} else if ok {
		flags.Prompts = json.RawMessage(data)
	}

	for key, dst := range map[string]*bool{
		KeyShowChatbar:   &flags.ShowChatbar,
		KeyShowPromptbar: &flags.ShowPromptbar,
	} {
		data, ok, err := s.kv.Get(key)
		if err != nil {
			return flags, err
		}
		if !ok {
			continue
		}
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return flags, fmt.Errorf("corrupt flag %s: %w", key, err)
		}
		*dst = v
	}
	return flags, nil
}

// WriteUIFlags persists the auxiliary flags under their own keys.
func (s *ConversationStore) WriteUIFlags(flags UIFlags) error {
	if flags.Prompts != nil {
		if err := s.kv.Set(KeyPrompts, flags.Prompts); err != nil {
			return err
		}
	}
	for key, v := range map[string]bool{
		KeyShowChatbar:   flags.ShowChatbar,
		KeyShowPromptbar: flags.ShowPromptbar,
	} {
		data, _ := json.Marshal(v)
		if err := s.kv.Set(key, data); err != nil {
			return err
		}
	}
	return nil
}

// Clear wipes every conversation key, for the clear-all operation.
func (s *ConversationStore) Clear() error {
	for _, key := range []string{KeyConversationHistory, KeySelectedConversation} {
		if err := s.kv.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
