// chatrelay - a streaming chat relay over Qianfan and Qianwen.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/chatrelay/internal/catalog"
	"github.com/jeranaias/chatrelay/internal/chat"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/gateway"
	"github.com/jeranaias/chatrelay/internal/provider"
	"github.com/jeranaias/chatrelay/internal/provider/qianfan"
	"github.com/jeranaias/chatrelay/internal/provider/qianwen"
	"github.com/jeranaias/chatrelay/internal/server"
	"github.com/jeranaias/chatrelay/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.chatrelay/config.{toml,json})")
	addr := flag.String("addr", "", "listen address override")
	catalogPath := flag.String("catalog", "", "model catalog override")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatrelay %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *addr, *catalogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride, catalogOverride string) error {
	config.LoadEnv()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Addr = addrOverride
	}
	if catalogOverride != "" {
		cfg.CatalogPath = catalogOverride
	}

	// Model catalog, hot-reloaded on file change.
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog %s: %w", cfg.CatalogPath, err)
	}
	watcher, err := catalog.Watch(cat, cfg.CatalogPath)
	if err != nil {
		log.Printf("CATALOG_WATCH_DISABLED | error=%v", err)
	} else {
		defer watcher.Close()
	}

	// Vendor adapters. A vendor without credentials stays unregistered;
	// its models fail at request time with a routing error.
	reg := provider.NewRegistry()
	if cfg.Vendors.Qianfan.APIKey != "" && cfg.Vendors.Qianfan.SecretKey != "" {
		tokens := qianfan.NewTokenProvider(cfg.Vendors.Qianfan.APIKey, cfg.Vendors.Qianfan.SecretKey)
		reg.Register(qianfan.NewClient(tokens))
	} else {
		log.Printf("VENDOR_DISABLED | vendor=qianfan reason=missing_credentials")
	}
	if cfg.Vendors.Qianwen.APIKey != "" {
		reg.Register(qianwen.NewClient(cfg.Vendors.Qianwen.APIKey))
	} else {
		log.Printf("VENDOR_DISABLED | vendor=qianwen reason=missing_credentials")
	}

	// Persistence backend.
	kv, err := openKV(cfg.Storage)
	if err != nil {
		return err
	}
	defer kv.Close()
	persist := storage.NewConversationStore(kv)

	// Restore conversation state, dropping entries the catalog no longer
	// resolves.
	store := chat.NewStore()
	list, _, err := persist.ReadConversationList()
	if err != nil {
		return fmt.Errorf("failed to restore conversations: %w", err)
	}
	selectedID := ""
	if selected, ok, err := persist.ReadSelectedConversation(); err == nil && ok {
		selectedID = selected.ID
	}
	cleaned := chat.CleanHistory(list, cat)
	store.Hydrate(cleaned, selectedID, cat.Models())
	log.Printf("STATE_RESTORED | conversations=%d kept=%d", len(list), len(cleaned))

	gw := gateway.New(cat, reg)
	srv := server.NewServer(cfg.Addr, gw, store, persist).
		WithRateLimiter(server.NewRateLimiter(
			rate.Limit(float64(cfg.Limits.RequestsPerMinute)/60.0),
			cfg.Limits.Burst,
		))

	// Graceful shutdown on SIGINT/SIGTERM.
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("SIGNAL_RECEIVED | signal=%s", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// openKV builds the configured storage backend.
func openKV(cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryKV(), nil
	case "file":
		return storage.NewFileKV(cfg.Path)
	case "sqlite":
		return storage.NewSQLiteKV(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
