// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// MODEL TYPES
// =============================================================================

// ErrModelNotFound is returned when a model ID is not in the catalog.
var ErrModelNotFound = errors.New("model not found in catalog")

// ErrEmptyCatalog is returned when the catalog file defines no models.
var ErrEmptyCatalog = errors.New("catalog defines no models")

// Model describes one servable chat model. Models are immutable once
// loaded; a reload swaps the whole snapshot.
type Model struct {
	// ID is the vendor-side model identifier sent on the wire.
	ID string `toml:"id" json:"id"`
	// Name is the human-readable display name.
	Name string `toml:"name" json:"name"`
	// Vendor selects the provider adapter ("qianfan", "qianwen").
	Vendor string `toml:"vendor" json:"vendor"`
	// SystemPrompt is the model's default system prompt.
	SystemPrompt string `toml:"system_prompt" json:"system_prompt,omitempty"`
	// AcceptsImages marks models that take multimodal input.
	AcceptsImages bool `toml:"accepts_images" json:"accepts_images"`
	// MaxTokensQuota bounds the request history length, 0 = unlimited.
	MaxTokensQuota int `toml:"max_tokens_quota" json:"max_tokens_quota,omitempty"`
}

// catalogFile is the TOML file shape.
type catalogFile struct {
	DefaultModel string  `toml:"default_model"`
	Models       []Model `toml:"models"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an immutable-snapshot model registry. Reload replaces the
// snapshot atomically, so readers never see a half-loaded catalog.
type Catalog struct {
	mu        sync.RWMutex
	models    []Model
	byID      map[string]Model
	defaultID string
}

// New creates a Catalog from an in-memory model list. The default falls
// back to the first entry when defaultID is empty or unknown.
func New(models []Model, defaultID string) (*Catalog, error) {
	if len(models) == 0 {
		return nil, ErrEmptyCatalog
	}

	byID := make(map[string]Model, len(models))
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog entry %q has no id", m.Name)
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		byID[m.ID] = m
	}

	if _, ok := byID[defaultID]; !ok {
		defaultID = models[0].ID
	}

	return &Catalog{
		models:    models,
		byID:      byID,
		defaultID: defaultID,
	}, nil
}

// Load reads the catalog from a TOML file.
func Load(path string) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to decode catalog file: %w", err)
	}
	return New(file.Models, file.DefaultModel)
}

// Reload re-reads the given file and swaps the snapshot on success.
// A failed reload leaves the current snapshot untouched.
func (c *Catalog) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.models = fresh.models
	c.byID = fresh.byID
	c.defaultID = fresh.defaultID
	c.mu.Unlock()
	return nil
}

// Models returns the current model list.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Resolve looks a model up by ID.
func (c *Catalog) Resolve(id string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.byID[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, nil
}

// Has reports whether id is in the catalog.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byID[id]
	return ok
}

// Default returns the configured default model, falling back to the
// first entry.
func (c *Catalog) Default() Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.byID[c.defaultID]; ok {
		return m
	}
	return c.models[0]
}
