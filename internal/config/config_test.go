package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/swingstore/internal/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swingstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
keepSnapshots: true
pruneTranscripts: true
artifactMode: archival
archiveDir: spans
logLevel: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.KeepSnapshots)
	assert.True(t, cfg.PruneTranscripts)
	assert.Equal(t, store.ModeArchival, cfg.Mode())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "spans"), cfg.ArchiveDir)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	opts := cfg.StoreOptions(nil)
	assert.True(t, opts.KeepSnapshots)
	assert.True(t, opts.PruneTranscripts)
	assert.NotNil(t, opts.ArchiveTranscript)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Nil(t, cfg.StoreOptions(nil).ArchiveTranscript)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown field", "keepSnapshot: true\n", "failed to parse YAML"},
		{"bad mode", "artifactMode: full\n", "artifactMode"},
		{"bad level", "logLevel: loud\n", "logLevel"},
		{"wrong type", "pruneTranscripts: [1]\n", "failed to parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLogger_RespectsLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "vat", "v1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "vat=v1")
}
