// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/catalog"
	"github.com/jeranaias/chatrelay/internal/provider"
)

// scriptedProvider plays back a fixed set of chunks, honoring ctx between
// sends.
type scriptedProvider struct {
	vendor   string
	chunks   []string
	interval time.Duration

	gotOpts    provider.Options
	gotHistory []provider.Message
}

func (s *scriptedProvider) Vendor() string { return s.vendor }

func (s *scriptedProvider) StreamChat(ctx context.Context, modelID string, history []provider.Message, opts provider.Options) (*provider.Stream, error) {
	s.gotOpts = opts
	s.gotHistory = history

	stream := provider.NewStream()
	go func() {
		for _, chunk := range s.chunks {
			if s.interval > 0 {
				select {
				case <-time.After(s.interval):
				case <-ctx.Done():
					stream.Close(ctx.Err())
					return
				}
			}
			select {
			case <-ctx.Done():
				stream.Close(ctx.Err())
				return
			default:
			}
			if !stream.Send(ctx, chunk) {
				stream.Close(ctx.Err())
				return
			}
		}
		stream.Close(nil)
	}()
	return stream, nil
}

func newTestGateway(t *testing.T, p *scriptedProvider) *Gateway {
	t.Helper()

	cat, err := catalog.New([]catalog.Model{
		{ID: "ernie-bot", Vendor: "qianfan", SystemPrompt: "default prompt"},
		{ID: "qwen-vl-plus", Vendor: "qianwen", AcceptsImages: true},
		{ID: "orphan", Vendor: "unwired"},
	}, "ernie-bot")
	require.NoError(t, err)

	reg := provider.NewRegistry()
	reg.Register(p)
	return New(cat, reg)
}

func TestHandleCompletion_StreamsAllChunks(t *testing.T) {
	p := &scriptedProvider{vendor: "qianfan", chunks: []string{"a", "b", "c"}}
	gw := newTestGateway(t, p)

	stream, err := gw.HandleCompletion(context.Background(), "ernie-bot", nil, provider.Options{})
	require.NoError(t, err)

	var got []string
	for d := range stream.Deltas() {
		got = append(got, d)
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestHandleCompletion_UnknownModel(t *testing.T) {
	gw := newTestGateway(t, &scriptedProvider{vendor: "qianfan"})

	_, err := gw.HandleCompletion(context.Background(), "missing", nil, provider.Options{})
	assert.ErrorIs(t, err, catalog.ErrModelNotFound)
}

func TestHandleCompletion_UnregisteredVendor(t *testing.T) {
	gw := newTestGateway(t, &scriptedProvider{vendor: "qianfan"})

	_, err := gw.HandleCompletion(context.Background(), "orphan", nil, provider.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unwired")
}

func TestHandleCompletion_ModelSystemPromptApplied(t *testing.T) {
	p := &scriptedProvider{vendor: "qianfan"}
	gw := newTestGateway(t, p)

	stream, err := gw.HandleCompletion(context.Background(), "ernie-bot", nil, provider.Options{})
	require.NoError(t, err)
	for range stream.Deltas() {
	}

	assert.Equal(t, "default prompt", p.gotOpts.SystemPrompt)
}

func TestHandleCompletion_CallerPromptWins(t *testing.T) {
	p := &scriptedProvider{vendor: "qianfan"}
	gw := newTestGateway(t, p)

	stream, err := gw.HandleCompletion(context.Background(), "ernie-bot", nil,
		provider.Options{SystemPrompt: "mine"})
	require.NoError(t, err)
	for range stream.Deltas() {
	}

	assert.Equal(t, "mine", p.gotOpts.SystemPrompt)
}

func TestHandleCompletion_StripsImagesForTextOnlyModel(t *testing.T) {
	p := &scriptedProvider{vendor: "qianfan"}
	gw := newTestGateway(t, p)

	history := []provider.Message{{
		Role:    provider.RoleUser,
		Content: provider.Content{Text: "look", Images: []string{"https://example.com/a.png"}},
	}}
	stream, err := gw.HandleCompletion(context.Background(), "ernie-bot", history, provider.Options{})
	require.NoError(t, err)
	for range stream.Deltas() {
	}

	require.Len(t, p.gotHistory, 1)
	assert.Empty(t, p.gotHistory[0].Content.Images)
	assert.Equal(t, "look", p.gotHistory[0].Content.Text)
	// The caller's slice is untouched.
	assert.Len(t, history[0].Content.Images, 1)
}

func TestHandleCompletion_CancellationStopsStream(t *testing.T) {
	p := &scriptedProvider{
		vendor:   "qianfan",
		chunks:   []string{"1", "2", "3", "4", "5"},
		interval: 50 * time.Millisecond,
	}
	gw := newTestGateway(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := gw.HandleCompletion(ctx, "ernie-bot", nil, provider.Options{})
	require.NoError(t, err)

	// Take one chunk, then cancel mid-stream.
	var got []string
	for d := range stream.Deltas() {
		got = append(got, d)
		if len(got) == 1 {
			cancel()
		}
	}

	assert.Less(t, len(got), 5, "cancellation must stop delivery promptly")
	assert.ErrorIs(t, stream.Err(), context.Canceled)
}

func TestModels_ListsCatalog(t *testing.T) {
	gw := newTestGateway(t, &scriptedProvider{vendor: "qianfan"})

	models := gw.Models()
	require.Len(t, models, 3)

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"ernie-bot", "qwen-vl-plus", "orphan"}, ids)
}
