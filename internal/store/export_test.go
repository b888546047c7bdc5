package store

import (
	"context"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/swingstore/internal/digest"
	"github.com/roach88/swingstore/internal/storeerr"
)

func openExporter(t *testing.T, dir string, mode ArtifactMode) *Exporter {
	t.Helper()
	e, err := MakeExporter(context.Background(), dir, ExportOptions{ArtifactMode: mode})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func exportData(t *testing.T, src ExportSource) map[string]string {
	t.Helper()
	data := make(map[string]string)
	for rec, err := range src.GetExportData(context.Background()) {
		require.NoError(t, err)
		require.NotNil(t, rec.Value, rec.Key)
		data[rec.Key] = *rec.Value
	}
	return data
}

func TestExport_ConcreteScenario(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	addItems(t, s, "v1", "aaa", "bbb")
	_, err := s.Transcripts.RolloverSpan(ctx, "v1")
	require.NoError(t, err)
	addItems(t, s, "v1", "ccc")
	require.NoError(t, s.Commit(ctx))

	e := openExporter(t, dir, ModeOperational)
	assert.Equal(t, []string{"transcript.v1.2.3"}, collect(t, e.GetArtifactNames(ctx)))

	data := exportData(t, e)
	assert.Contains(t, data, "transcript.v1.0")
	assert.Contains(t, data, "transcript.v1.current")
	assert.JSONEq(t,
		fmt.Sprintf(`{"vatID":"v1","startPos":0,"endPos":2,"hash":%q,"isCurrent":false,"incarnation":0}`,
			digest.SpanHash("aaa", "bbb")),
		data["transcript.v1.0"])

	r, err := e.GetArtifact(ctx, "transcript.v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "ccc\n", readerString(t, r))
}

func TestExport_DataExcludesPrivateKeys(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	data := exportData(t, e)
	assert.Equal(t, "v1,v2", data["kv.kernel.vats"])
	assert.NotContains(t, data, "kv.host.height")
	assert.NotContains(t, data, "kv.local.cache")
	assert.Equal(t, "snapshot.v1.5", data["snapshot.v1.current"])

	v, ok, err := e.GetHostKV(ctx, "host.height")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", v)

	_, _, err = e.GetHostKV(ctx, "kernel.vats")
	assert.True(t, storeerr.IsValidation(err))
}

func TestExport_RoundTripEveryMode(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{KeepSnapshots: true})
	populateScenario(t, s)

	for _, mode := range ArtifactModes {
		t.Run(string(mode), func(t *testing.T) {
			want, err := DumpStore(ctx, dir, mode)
			require.NoError(t, err)

			e := openExporter(t, dir, mode)
			imported, err := ImportSwingStore(ctx, e, filepath.Join(t.TempDir(), "imported"),
				ImportOptions{ArtifactMode: mode, Store: Options{Logger: quietLogger()}})
			require.NoError(t, err)
			importedDir := imported.Dir()
			require.NoError(t, imported.Close())

			got, err := DumpStore(ctx, importedDir, mode)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestExport_RoundTripPreservesCurrentPointers(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	imported, err := ImportSwingStore(ctx, e, filepath.Join(t.TempDir(), "imported"),
		ImportOptions{Store: Options{Logger: quietLogger()}})
	require.NoError(t, err)
	defer imported.Close()

	for _, vatID := range []string{"v1", "v2"} {
		want, err := s.Transcripts.GetCurrentSpanBounds(ctx, vatID)
		require.NoError(t, err)
		got, err := imported.Transcripts.GetCurrentSpanBounds(ctx, vatID)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		wantItems, err := s.Transcripts.ReadCurrentSpan(ctx, vatID)
		require.NoError(t, err)
		gotItems, err := imported.Transcripts.ReadCurrentSpan(ctx, vatID)
		require.NoError(t, err)
		assert.Equal(t, collect(t, wantItems), collect(t, gotItems))

		wantSnap, _, err := s.Snapshots.GetSnapshotInfo(ctx, vatID)
		require.NoError(t, err)
		gotSnap, _, err := imported.Snapshots.GetSnapshotInfo(ctx, vatID)
		require.NoError(t, err)
		assert.Equal(t, wantSnap, gotSnap)
	}

	// Historical spans arrive as metadata only.
	_, err = imported.Transcripts.ReadSpan(ctx, "v1", 0)
	assert.True(t, storeerr.IsConsistency(err))

	v, _, err := imported.KV.Get(ctx, "kernel.vats")
	require.NoError(t, err)
	assert.Equal(t, "v1,v2", v)
	ok, err := imported.KV.Has(ctx, "host.height")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExport_IncompleteStoreFailsFast(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{PruneTranscripts: true})
	populateScenario(t, s)

	collect(t, openExporter(t, dir, ModeOperational).GetArtifactNames(ctx))

	// v2's first span is pruned but still belongs to its current
	// incarnation.
	for _, mode := range []ArtifactMode{ModeReplay, ModeArchival} {
		e := openExporter(t, dir, mode)
		var firstErr error
		for _, err := range e.GetArtifactNames(ctx) {
			firstErr = err
			break
		}
		assert.True(t, storeerr.IsIncompleteData(firstErr), mode)
	}

	debug := openExporter(t, dir, ModeDebug)
	names := collect(t, debug.GetArtifactNames(ctx))
	assert.Contains(t, names, "transcript.v1.6.8")
	assert.NotContains(t, names, "transcript.v1.0.2")
}

func TestExport_ViewIsPointInTime(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	before := exportData(t, e)

	require.NoError(t, s.KV.Set(ctx, "kernel.vats", "v1,v2,v3"))
	addItems(t, s, "v2", "e3")
	saveSnapshot(t, s, "v1", 9, "heap-v1-9")
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, before, exportData(t, e))
	assert.Contains(t, collect(t, e.GetArtifactNames(ctx)), "snapshot.v1.5")
	r, err := e.GetArtifact(ctx, "snapshot.v1.5")
	require.NoError(t, err)
	assert.Equal(t, "heap-v1-5", readerString(t, r))

	// The superseded blob goes at the first commit after the view closes.
	superseded := filepath.Join(dir, snapDirName, digest.SHA256Hex([]byte("heap-v1-5"))+".gz")
	require.NoError(t, e.Close())
	assert.FileExists(t, superseded)
	require.NoError(t, s.Commit(ctx))
	assert.NoFileExists(t, superseded)

	after := exportData(t, openExporter(t, dir, ModeOperational))
	assert.Equal(t, "v1,v2,v3", after["kv.kernel.vats"])
	assert.Equal(t, "snapshot.v1.9", after["snapshot.v1.current"])
}

func TestExport_CloseDropsLease(t *testing.T) {
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	assert.Equal(t, 1, s.Snapshots.openLeases())
	require.NoError(t, e.Close())
	assert.Equal(t, 0, s.Snapshots.openLeases())
	require.NoError(t, e.Close())
}

// cancelSource cancels the import once the first transcript artifact is
// requested.
type cancelSource struct {
	ExportSource
	cancel context.CancelFunc
}

func (cs cancelSource) GetArtifact(ctx context.Context, name string) (io.ReadCloser, error) {
	if strings.HasPrefix(name, "transcript.") {
		cs.cancel()
		return nil, ctx.Err()
	}
	return cs.ExportSource.GetArtifact(ctx, name)
}

func TestImport_CanceledLeavesNoBlobs(t *testing.T) {
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := filepath.Join(t.TempDir(), "imported")
	src := cancelSource{ExportSource: openExporter(t, dir, ModeOperational), cancel: cancel}
	_, err := ImportSwingStore(ctx, src, target, ImportOptions{Store: Options{Logger: quietLogger()}})
	require.ErrorIs(t, err, context.Canceled)

	assert.False(t, IsStore(target))
	assert.Empty(t, blobFiles(t, target))
}

func TestExport_GetArtifactErrors(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	_, err := e.GetArtifact(ctx, "nonsense")
	assert.True(t, storeerr.IsValidation(err))
	_, err = e.GetArtifact(ctx, "transcript.v1.0.3")
	assert.True(t, storeerr.IsNotFound(err))
	_, err = e.GetArtifact(ctx, "snapshot.v9.1")
	assert.True(t, storeerr.IsNotFound(err))

	_, err = MakeExporter(ctx, t.TempDir(), ExportOptions{})
	assert.True(t, storeerr.IsNotFound(err))
	_, err = MakeExporter(ctx, dir, ExportOptions{ArtifactMode: "everything"})
	assert.True(t, storeerr.IsValidation(err))
}

func TestExport_GoldenListing(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{KeepSnapshots: true})
	populateScenario(t, s)

	var b strings.Builder
	for _, mode := range ArtifactModes {
		d, err := DumpStore(ctx, dir, mode)
		require.NoError(t, err)
		fmt.Fprintf(&b, "# %s\n", mode)
		for _, key := range d.DataKeys() {
			if strings.HasPrefix(key, "bundle.") {
				key = key[:len("bundle.b0-")] + "…"
			}
			fmt.Fprintf(&b, "data %s\n", key)
		}
		for _, name := range d.ArtifactNames() {
			if strings.HasPrefix(name, "bundle.") {
				name = name[:len("bundle.b0-")] + "…"
			}
			fmt.Fprintf(&b, "artifact %s\n", name)
		}
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export_listing", []byte(b.String()))
}

// tamperSource rewrites one artifact of an underlying source.
type tamperSource struct {
	ExportSource
	name    string
	content string
}

func (ts tamperSource) GetArtifact(ctx context.Context, name string) (io.ReadCloser, error) {
	if name == ts.name {
		return io.NopCloser(strings.NewReader(ts.content)), nil
	}
	return ts.ExportSource.GetArtifact(ctx, name)
}

// extraSource adds records and artifact names to an underlying source.
type extraSource struct {
	ExportSource
	records []ExportRecord
	names   []string
}

func (es extraSource) GetExportData(ctx context.Context) iter.Seq2[ExportRecord, error] {
	return func(yield func(ExportRecord, error) bool) {
		for rec, err := range es.ExportSource.GetExportData(ctx) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
		for _, rec := range es.records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (es extraSource) GetArtifactNames(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range es.ExportSource.GetArtifactNames(ctx) {
			if !yield(name, err) || err != nil {
				return
			}
		}
		for _, name := range es.names {
			if !yield(name, nil) {
				return
			}
		}
	}
}

func TestImport_RejectsTamperedArtifacts(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	cases := map[string]string{
		"transcript.v1.6.8": "u1\nevil\n",
		"snapshot.v1.5":     "not the heap",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			e := openExporter(t, dir, ModeOperational)
			target := filepath.Join(t.TempDir(), "imported")
			_, err := ImportSwingStore(ctx, tamperSource{ExportSource: e, name: name, content: content}, target,
				ImportOptions{Store: Options{Logger: quietLogger()}})
			assert.True(t, storeerr.IsConsistency(err), "%v", err)
			assert.False(t, IsStore(target))
			assert.Empty(t, blobFiles(t, target))
		})
	}
}

func TestImport_ArtifactWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	src := extraSource{ExportSource: tamperSource{ExportSource: e, name: "transcript.v9.0.1", content: "x\n"},
		names: []string{"transcript.v9.0.1"}}
	_, err := ImportSwingStore(ctx, src, filepath.Join(t.TempDir(), "imported"),
		ImportOptions{Store: Options{Logger: quietLogger()}})
	assert.True(t, storeerr.IsConsistency(err))
}

func TestImport_MissingArtifactIsIncomplete(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	span := SpanRecord{VatID: "v3", StartPos: 0, EndPos: 1, Hash: "ff", IsCurrent: true}
	src := extraSource{ExportSource: e, records: []ExportRecord{
		{Key: "transcript.v3.current", Value: StringPtr(encodeJSON(span))},
	}}
	_, err := ImportSwingStore(ctx, src, filepath.Join(t.TempDir(), "imported"),
		ImportOptions{Store: Options{Logger: quietLogger()}})
	assert.True(t, storeerr.IsIncompleteData(err))
}

func TestImport_LaterRecordsWin(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	src := extraSource{ExportSource: e, records: []ExportRecord{
		{Key: "transcript.v1.0", Value: nil},
		{Key: "kv.kernel.vats", Value: StringPtr("v1")},
		{Key: "kv.v1.o.1", Value: nil},
	}}
	imported, err := ImportSwingStore(ctx, src, filepath.Join(t.TempDir(), "imported"),
		ImportOptions{Store: Options{Logger: quietLogger()}})
	require.NoError(t, err)
	defer imported.Close()

	_, ok, err := imported.Transcripts.spanAt(ctx, "v1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	v, _, err := imported.KV.Get(ctx, "kernel.vats")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	ok, err = imported.KV.Has(ctx, "v1.o.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImport_IntoExistingStoreFails(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	_, err := ImportSwingStore(ctx, e, dir, ImportOptions{Store: Options{Logger: quietLogger()}})
	assert.True(t, storeerr.IsState(err))
}

func TestImport_ArchivalRequiresFullHistory(t *testing.T) {
	ctx := context.Background()
	s, dir := createTestStore(t, Options{})
	populateScenario(t, s)

	e := openExporter(t, dir, ModeOperational)
	_, err := ImportSwingStore(ctx, e, filepath.Join(t.TempDir(), "imported"),
		ImportOptions{ArtifactMode: ModeArchival, Store: Options{Logger: quietLogger()}})
	assert.True(t, storeerr.IsIncompleteData(err))
}
