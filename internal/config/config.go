// Package config loads swing-store settings from a YAML file.
//
// A config file looks like:
//
//	keepSnapshots: false
//	pruneTranscripts: true
//	artifactMode: replay
//	archiveDir: /var/lib/kernel/transcripts
//	logLevel: info
//
// Every field is optional. Unknown fields are rejected so a typo never
// silently falls back to a default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/swingstore/internal/store"
)

// Config holds the settings shared by every command that opens a store.
type Config struct {
	// KeepSnapshots retains superseded snapshot blobs.
	KeepSnapshots bool `yaml:"keepSnapshots"`

	// PruneTranscripts deletes the items of closed spans at commit.
	PruneTranscripts bool `yaml:"pruneTranscripts"`

	// ArtifactMode is the default export and import fidelity.
	ArtifactMode string `yaml:"artifactMode"`

	// ArchiveDir, when set, receives a gzipped copy of every closed span.
	// A relative path is resolved against the config file's directory.
	ArchiveDir string `yaml:"archiveDir,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
}

// Default returns the settings used when no config file is given.
func Default() *Config {
	return &Config{
		ArtifactMode: string(store.ModeOperational),
		LogLevel:     "info",
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.ArchiveDir != "" && !filepath.IsAbs(cfg.ArchiveDir) {
		cfg.ArchiveDir = filepath.Join(filepath.Dir(path), cfg.ArchiveDir)
	}
	return cfg, nil
}

// Parse decodes and validates YAML config data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := store.ParseArtifactMode(c.ArtifactMode); err != nil {
		return fmt.Errorf("artifactMode: %w", err)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Mode returns the validated artifact mode.
func (c *Config) Mode() store.ArtifactMode {
	mode, err := store.ParseArtifactMode(c.ArtifactMode)
	if err != nil {
		return store.ModeOperational
	}
	return mode
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("logLevel: %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}

// Logger builds a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// StoreOptions converts the config into store.Options.
func (c *Config) StoreOptions(logger *slog.Logger) store.Options {
	opts := store.Options{
		KeepSnapshots:    c.KeepSnapshots,
		PruneTranscripts: c.PruneTranscripts,
		Logger:           logger,
	}
	if c.ArchiveDir != "" {
		opts.ArchiveTranscript = store.DirArchiver(c.ArchiveDir)
	}
	return opts
}
