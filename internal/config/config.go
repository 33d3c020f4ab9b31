// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	// Addr is the HTTP listen address, host:port.
	Addr string `toml:"addr" json:"addr"`

	// CatalogPath is the path to the model catalog TOML file.
	CatalogPath string `toml:"catalog_path" json:"catalog_path"`

	// DefaultTemperature is used when a request carries no temperature.
	DefaultTemperature float64 `toml:"default_temperature" json:"default_temperature"`

	// Storage selects and locates the persistence backend.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Vendors carries upstream credentials.
	Vendors VendorsConfig `toml:"vendors" json:"vendors"`

	// Limits bounds inbound traffic.
	Limits LimitsConfig `toml:"limits" json:"limits"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	// Backend is one of "memory", "file", "sqlite".
	Backend string `toml:"backend" json:"backend"`
	// Path is the file-backend directory or the sqlite database file.
	Path string `toml:"path" json:"path"`
}

// VendorsConfig contains per-vendor credentials.
type VendorsConfig struct {
	Qianfan QianfanConfig `toml:"qianfan" json:"qianfan"`
	Qianwen QianwenConfig `toml:"qianwen" json:"qianwen"`
}

// QianfanConfig holds the Baidu Qianfan OAuth client credentials.
type QianfanConfig struct {
	APIKey    string `toml:"api_key" json:"api_key"`
	SecretKey string `toml:"secret_key" json:"secret_key"`
}

// QianwenConfig holds the Alibaba DashScope bearer key.
type QianwenConfig struct {
	APIKey string `toml:"api_key" json:"api_key"`
}

// LimitsConfig bounds inbound request traffic.
type LimitsConfig struct {
	// RequestsPerMinute is the sustained per-IP request rate.
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute"`
	// Burst is the per-IP token bucket depth.
	Burst int `toml:"burst" json:"burst"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Addr:               "127.0.0.1:8787",
		CatalogPath:        "",
		DefaultTemperature: 1.0,

		Storage: StorageConfig{
			Backend: "file",
			Path:    "",
		},

		Limits: LimitsConfig{
			RequestsPerMinute: 100,
			Burst:             20,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the relay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatrelay"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to
// protect vendor credentials.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}

	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadEnv loads a .env file from the working directory when one exists.
// Variables already set in the environment win over the file's.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}
}

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				return nil, fmt.Errorf("failed to load TOML config: %w", err)
			}
			return finish(cfg)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				return nil, fmt.Errorf("failed to load JSON config: %w", err)
			}
			return finish(cfg)
		}
	}

	return finish(cfg)
}

// LoadFromPath loads configuration from a specific file path with full
// validation. JSON is selected by extension; everything else is TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// finish applies env overrides, fills defaults, and validates.
func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
// SECURITY: Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.DefaultTemperature == 0 {
		cfg.DefaultTemperature = defaults.DefaultTemperature
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.Path == "" {
		if dir, err := ConfigDir(); err == nil {
			switch cfg.Storage.Backend {
			case "sqlite":
				cfg.Storage.Path = filepath.Join(dir, "state.db")
			default:
				cfg.Storage.Path = filepath.Join(dir, "state")
			}
		}
	}
	if cfg.CatalogPath == "" {
		if dir, err := ConfigDir(); err == nil {
			cfg.CatalogPath = filepath.Join(dir, "catalog.toml")
		}
	}
	if cfg.Limits.RequestsPerMinute == 0 {
		cfg.Limits.RequestsPerMinute = defaults.Limits.RequestsPerMinute
	}
	if cfg.Limits.Burst == 0 {
		cfg.Limits.Burst = defaults.Limits.Burst
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration as TOML, atomically and with owner-only
// permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates every validation failure.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// validBackends is the set of accepted storage backends.
var validBackends = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Addr == "" {
		errs = append(errs, ValidationError{Field: "addr", Message: "must not be empty"})
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		errs = append(errs, ValidationError{Field: "default_temperature", Message: "must be between 0 and 2"})
	}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("unknown backend %q: must be one of memory, file, sqlite", c.Storage.Backend),
		})
	}
	if c.Storage.Backend != "memory" && c.Storage.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "must be set for persistent backends"})
	}
	if c.Limits.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{Field: "limits.requests_per_minute", Message: "must not be negative"})
	}
	if c.Limits.Burst < 0 {
		errs = append(errs, ValidationError{Field: "limits.burst", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
// Vendor credentials use the vendors' conventional variable names.
func (c *Config) ApplyEnvOverrides() {
	// CHATRELAY_ADDR
	if addr := os.Getenv("CHATRELAY_ADDR"); addr != "" {
		c.Addr = addr
	}

	// CHATRELAY_CATALOG
	if path := os.Getenv("CHATRELAY_CATALOG"); path != "" {
		c.CatalogPath = path
	}

	// CHATRELAY_STORAGE_BACKEND / CHATRELAY_STORAGE_PATH
	if backend := os.Getenv("CHATRELAY_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if path := os.Getenv("CHATRELAY_STORAGE_PATH"); path != "" {
		c.Storage.Path = path
	}

	// CHATRELAY_TEMPERATURE
	if temp := os.Getenv("CHATRELAY_TEMPERATURE"); temp != "" {
		if t, err := strconv.ParseFloat(temp, 64); err == nil {
			c.DefaultTemperature = t
		}
	}

	// QIANFAN_API_KEY / QIANFAN_SECRET_KEY
	if key := os.Getenv("QIANFAN_API_KEY"); key != "" {
		c.Vendors.Qianfan.APIKey = key
	}
	if key := os.Getenv("QIANFAN_SECRET_KEY"); key != "" {
		c.Vendors.Qianfan.SecretKey = key
	}

	// DASHSCOPE_API_KEY
	if key := os.Getenv("DASHSCOPE_API_KEY"); key != "" {
		c.Vendors.Qianwen.APIKey = key
	}
}
