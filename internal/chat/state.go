// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"sync"

	"github.com/jeranaias/chatrelay/internal/catalog"
)

// =============================================================================
// STATE SNAPSHOT
// =============================================================================

// State is one immutable snapshot of application state. Commands never
// modify a snapshot in place; the reducer copies, applies, and swaps.
type State struct {
	Conversations []Conversation
	SelectedID    string
	Models        []catalog.Model
	Flags         map[string]bool
}

// Selected returns the selected conversation, if one is selected and
// still present.
func (s *State) Selected() (Conversation, bool) {
	return s.Conversation(s.SelectedID)
}

// Conversation looks a conversation up by ID.
func (s *State) Conversation(id string) (Conversation, bool) {
	if id == "" {
		return Conversation{}, false
	}
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// clone copies the snapshot shallowly except for the containers commands
// touch. Conversations themselves are cloned lazily by the commands that
// modify them.
func (s *State) clone() *State {
	out := &State{
		Conversations: make([]Conversation, len(s.Conversations)),
		SelectedID:    s.SelectedID,
		Models:        make([]catalog.Model, len(s.Models)),
		Flags:         make(map[string]bool, len(s.Flags)),
	}
	copy(out.Conversations, s.Conversations)
	copy(out.Models, s.Models)
	for k, v := range s.Flags {
		out.Flags[k] = v
	}
	return out
}

// =============================================================================
// STORE
// =============================================================================

// Store holds the current snapshot and serializes dispatches.
type Store struct {
	mu    sync.RWMutex
	state *State
}

// NewStore creates a Store with an empty snapshot.
func NewStore() *Store {
	return &Store{state: &State{
		Conversations: []Conversation{},
		Flags:         map[string]bool{},
	}}
}

// Snapshot returns the current state. The snapshot is immutable; readers
// may hold it across suspension points without locking.
func (s *Store) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dispatch applies the commands in order against a copy of the current
// snapshot and swaps the result in. Either every command is observed or
// none is. Returns the new snapshot.
func (s *Store) Dispatch(cmds ...Command) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	for _, cmd := range cmds {
		cmd.apply(next)
	}
	s.state = next
	return next
}

// Hydrate replaces the whole snapshot from restored state: the cleaned
// conversation list, the previously selected conversation (dropped when
// it no longer resolves), and the model catalog snapshot.
func (s *Store) Hydrate(conversations []Conversation, selectedID string, models []catalog.Model) *State {
	return s.Dispatch(
		SetModels{Models: models},
		SetConversations{Conversations: conversations},
		SelectConversation{ID: selectedID},
	)
}

// =============================================================================
// DERIVED OPERATIONS
// =============================================================================

// UpdateResult carries both views of one update: the single updated
// conversation and the full list with that conversation replaced. Both
// are derived from the same snapshot.
type UpdateResult struct {
	Single Conversation
	All    []Conversation
}

// StartConversation appends a fresh conversation seeded from model and
// selects it.
func (s *Store) StartConversation(model catalog.Model) Conversation {
	conv := NewConversation(model)
	s.Dispatch(
		AddConversation{Conversation: conv},
		SelectConversation{ID: conv.ID},
	)
	return conv
}

// UpdateConversation replaces conv in the list by ID and returns both
// the updated entity and the updated list.
func (s *Store) UpdateConversation(conv Conversation) UpdateResult {
	next := s.Dispatch(ReplaceConversation{Conversation: conv})

	single, _ := next.Conversation(conv.ID)
	return UpdateResult{Single: single, All: next.Conversations}
}

// DeleteConversation removes a conversation. When the selected one is
// deleted, selection falls to the last remaining conversation.
func (s *Store) DeleteConversation(id string) *State {
	next := s.Dispatch(RemoveConversation{ID: id})

	if next.SelectedID == "" && len(next.Conversations) > 0 {
		next = s.Dispatch(SelectConversation{
			ID: next.Conversations[len(next.Conversations)-1].ID,
		})
	}
	return next
}

// ClearAll removes every conversation and the selection.
func (s *Store) ClearAll() *State {
	return s.Dispatch(ClearConversations{})
}
