// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "github.com/jeranaias/chatrelay/internal/catalog"

// Command is one typed mutation intent. Commands are applied by the
// Store against a working copy of the snapshot; apply never sees the
// published state.
type Command interface {
	apply(*State)
}

// SelectConversation sets the selected conversation. An ID that does not
// resolve clears the selection.
type SelectConversation struct {
	ID string
}

func (c SelectConversation) apply(s *State) {
	if _, ok := s.Conversation(c.ID); ok {
		s.SelectedID = c.ID
		return
	}
	s.SelectedID = ""
}

// SetConversations replaces the whole conversation list.
type SetConversations struct {
	Conversations []Conversation
}

func (c SetConversations) apply(s *State) {
	s.Conversations = make([]Conversation, len(c.Conversations))
	copy(s.Conversations, c.Conversations)
	if _, ok := s.Conversation(s.SelectedID); !ok {
		s.SelectedID = ""
	}
}

// AddConversation appends one conversation.
type AddConversation struct {
	Conversation Conversation
}

func (c AddConversation) apply(s *State) {
	s.Conversations = append(s.Conversations, c.Conversation)
}

// ReplaceConversation swaps the list entry whose ID matches. A
// conversation not in the list is ignored.
type ReplaceConversation struct {
	Conversation Conversation
}

func (c ReplaceConversation) apply(s *State) {
	for i := range s.Conversations {
		if s.Conversations[i].ID == c.Conversation.ID {
			s.Conversations[i] = c.Conversation
			return
		}
	}
}

// RemoveConversation deletes a conversation by ID, clearing the
// selection when the selected one goes.
type RemoveConversation struct {
	ID string
}

func (c RemoveConversation) apply(s *State) {
	out := s.Conversations[:0:0]
	for _, conv := range s.Conversations {
		if conv.ID != c.ID {
			out = append(out, conv)
		}
	}
	s.Conversations = out
	if s.SelectedID == c.ID {
		s.SelectedID = ""
	}
}

// ClearConversations removes every conversation and the selection.
type ClearConversations struct{}

func (c ClearConversations) apply(s *State) {
	s.Conversations = []Conversation{}
	s.SelectedID = ""
}

// SetModels replaces the loaded model catalog snapshot.
type SetModels struct {
	Models []catalog.Model
}

func (c SetModels) apply(s *State) {
	s.Models = make([]catalog.Model, len(c.Models))
	copy(s.Models, c.Models)
}

// SetFlag sets one auxiliary UI flag.
type SetFlag struct {
	Name  string
	Value bool
}

func (c SetFlag) apply(s *State) {
	s.Flags[c.Name] = c.Value
}
