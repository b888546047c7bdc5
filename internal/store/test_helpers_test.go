package store

import (
	"bytes"
	"context"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/swingstore/internal/bundle"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestStore opens a store in a fresh temp directory.
func createTestStore(t *testing.T, opts Options) (*SwingStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	s, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

// collect drains seq, failing the test on the first error.
func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

// readSpan returns every item of a span.
func readSpan(t *testing.T, s *SwingStore, vatID string, startPos int64) []string {
	t.Helper()
	seq, err := s.Transcripts.ReadSpan(context.Background(), vatID, startPos)
	require.NoError(t, err)
	return collect(t, seq)
}

func addItems(t *testing.T, s *SwingStore, vatID string, items ...string) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, s.Transcripts.AddItem(context.Background(), vatID, item))
	}
}

func saveSnapshot(t *testing.T, s *SwingStore, vatID string, pos int64, content string) SnapshotResult {
	t.Helper()
	res, err := s.Snapshots.SaveSnapshot(context.Background(), vatID, pos, strings.NewReader(content))
	require.NoError(t, err)
	return res
}

func testB0(t *testing.T, name string) (string, bundle.B0) {
	t.Helper()
	b := bundle.B0{JSON: `{"moduleFormat":"endoZipBase64","endoZipBase64":"` + name + `"}`}
	return bundle.ComputeID(b), b
}

func testB1(t *testing.T, source string) (string, bundle.B1) {
	t.Helper()
	b, err := bundle.BuildB1(map[string][]byte{
		bundle.CompartmentMap: []byte(`{"entry":{"compartment":"main","module":"./index.js"}}`),
		"main/index.js":       []byte(source),
	})
	require.NoError(t, err)
	return bundle.ComputeID(b), b
}

// populateScenario builds a store with two vats over several spans and
// incarnations, three snapshots, two bundles and KV data in every
// namespace, then commits.
func populateScenario(t *testing.T, s *SwingStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.KV.Set(ctx, "kernel.vats", "v1,v2"))
	require.NoError(t, s.KV.Set(ctx, "v1.o.1", "ko5"))
	require.NoError(t, s.KV.Set(ctx, "host.height", "42"))
	require.NoError(t, s.KV.Set(ctx, "local.cache", "x"))

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	addItems(t, s, "v1", "d1", "d2")
	saveSnapshot(t, s, "v1", 2, "heap-v1-2")
	_, err := s.Transcripts.RolloverSpan(ctx, "v1")
	require.NoError(t, err)
	addItems(t, s, "v1", "d3", "d4", "d5")
	saveSnapshot(t, s, "v1", 5, "heap-v1-5")
	_, err = s.Transcripts.RolloverSpan(ctx, "v1")
	require.NoError(t, err)
	addItems(t, s, "v1", "d6")
	_, err = s.Transcripts.RolloverIncarnation(ctx, "v1")
	require.NoError(t, err)
	addItems(t, s, "v1", "u1", "u2")

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v2"))
	addItems(t, s, "v2", "e1")
	saveSnapshot(t, s, "v2", 1, "heap-v2-1")
	_, err = s.Transcripts.RolloverSpan(ctx, "v2")
	require.NoError(t, err)
	addItems(t, s, "v2", "e2")

	id0, b0 := testB0(t, "zone")
	require.NoError(t, s.Bundles.AddBundle(ctx, id0, b0))
	id1, b1 := testB1(t, "export default 1;")
	require.NoError(t, s.Bundles.AddBundle(ctx, id1, b1))

	require.NoError(t, s.Commit(ctx))
}

func readerString(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	var buf bytes.Buffer
	_, err := io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}
