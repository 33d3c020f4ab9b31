// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/jeranaias/chatrelay/internal/catalog"
	"github.com/jeranaias/chatrelay/internal/provider"
)

// Gateway routes completion requests to the adapter backing the requested
// model.
type Gateway struct {
	catalog  *catalog.Catalog
	registry *provider.Registry
}

// New creates a Gateway over the given catalog and adapter registry.
func New(cat *catalog.Catalog, reg *provider.Registry) *Gateway {
	return &Gateway{catalog: cat, registry: reg}
}

// HandleCompletion resolves modelID and opens a delta stream for it.
//
// Everything that fails before upstream bytes flow is returned here as a
// request-level error: unknown model, unregistered vendor, credential
// failure, or a vendor rejection of the initial request. Once a stream is
// returned, failures surface through its Err after the channel closes.
func (g *Gateway) HandleCompletion(ctx context.Context, modelID string, history []provider.Message, opts provider.Options) (*provider.Stream, error) {
	model, err := g.catalog.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	p, err := g.registry.Resolve(model.Vendor)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", modelID, err)
	}

	if opts.SystemPrompt == "" {
		opts.SystemPrompt = model.SystemPrompt
	}
	if !model.AcceptsImages {
		history = stripImages(history)
	}

	log.Printf("COMPLETION_START | model=%s vendor=%s messages=%d", modelID, model.Vendor, len(history))

	stream, err := p.StreamChat(ctx, model.ID, history, opts)
	if err != nil {
		log.Printf("COMPLETION_REJECTED | model=%s vendor=%s error=%v", modelID, model.Vendor, err)
		return nil, err
	}
	return stream, nil
}

// Models returns the catalog snapshot for listing endpoints.
func (g *Gateway) Models() []catalog.Model {
	return g.catalog.Models()
}

// Catalog exposes the underlying catalog for lookups.
func (g *Gateway) Catalog() *catalog.Catalog {
	return g.catalog
}

// stripImages drops image references from a history bound for a text-only
// model. The text content is untouched.
func stripImages(history []provider.Message) []provider.Message {
	out := make([]provider.Message, len(history))
	copy(out, history)
	for i := range out {
		out[i].Content.Images = nil
	}
	return out
}
