package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/swingstore/internal/storeerr"
)

func TestExportDir_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{KeepSnapshots: true})
	populateScenario(t, s)

	out := filepath.Join(t.TempDir(), "export")
	m, err := WriteExportDir(ctx, openExporter(t, dir, ModeArchival), out, ModeArchival)
	require.NoError(t, err)
	_, err = uuid.Parse(m.ExportID)
	require.NoError(t, err)
	assert.Equal(t, ModeArchival, m.ArtifactMode)
	assert.FileExists(t, filepath.Join(out, ManifestFileName))
	assert.FileExists(t, filepath.Join(out, "transcript.v1.0.2"))

	src, err := OpenExportDir(out)
	require.NoError(t, err)
	assert.Equal(t, m, src.Manifest())

	want, err := DumpStore(ctx, dir, ModeArchival)
	require.NoError(t, err)
	got, err := DumpSource(ctx, src, ModeArchival)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	imported, err := ImportSwingStore(ctx, src, filepath.Join(t.TempDir(), "imported"),
		ImportOptions{ArtifactMode: ModeArchival, Store: Options{Logger: quietLogger()}})
	require.NoError(t, err)
	require.NoError(t, imported.Close())
}

func TestExportDir_RefusesNonEmptyDir(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "stray"), []byte("x"), 0o644))
	_, err := WriteExportDir(ctx, openExporter(t, dir, ModeOperational), out, ModeOperational)
	assert.True(t, storeerr.IsState(err))
}

func TestOpenExportDir_Errors(t *testing.T) {
	_, err := OpenExportDir(t.TempDir())
	assert.True(t, storeerr.IsNotFound(err))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName),
		[]byte(`{"exportID":"x","artifactMode":"operational","data":"export-data.jsonl","artifacts":[["bundle.x","../escape"]]}`), 0o644))
	_, err = OpenExportDir(dir)
	assert.True(t, storeerr.IsValidation(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(`{`), 0o644))
	_, err = OpenExportDir(dir)
	assert.True(t, storeerr.IsValidation(err))
}

func TestDirSource_MalformedDataLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName),
		[]byte(`{"exportID":"x","artifactMode":"operational","data":"export-data.jsonl","artifacts":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DataFileName),
		[]byte("[\"kv.a\",\"1\"]\n[\"kv.b\"]\n"), 0o644))

	src, err := OpenExportDir(dir)
	require.NoError(t, err)

	var keys []string
	var lastErr error
	for rec, err := range src.GetExportData(context.Background()) {
		if err != nil {
			lastErr = err
			break
		}
		keys = append(keys, rec.Key)
	}
	assert.Equal(t, []string{"kv.a"}, keys)
	assert.True(t, storeerr.IsValidation(lastErr))
}
