package store

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/swingstore/internal/digest"
	"github.com/roach88/swingstore/internal/storeerr"
)

func TestTranscript_HashChain(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	cur, err := s.Transcripts.GetCurrentSpanBounds(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, digest.TranscriptSeed, cur.Hash)

	addItems(t, s, "v1", "aaa", "bbb")
	cur, err = s.Transcripts.GetCurrentSpanBounds(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, SpanRecord{
		VatID: "v1", StartPos: 0, EndPos: 2,
		Hash: digest.SpanHash("aaa", "bbb"), IsCurrent: true,
	}, cur)
}

func TestTranscript_Rollover(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	addItems(t, s, "v1", "aaa", "bbb")
	start, err := s.Transcripts.RolloverSpan(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), start)
	addItems(t, s, "v1", "ccc")

	cur, err := s.Transcripts.GetCurrentSpanBounds(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.StartPos)
	assert.Equal(t, int64(3), cur.EndPos)
	assert.Equal(t, digest.SpanHash("ccc"), cur.Hash)
	assert.Equal(t, int64(0), cur.Incarnation)

	assert.Equal(t, []string{"aaa", "bbb"}, readSpan(t, s, "v1", 0))
	seq, err := s.Transcripts.ReadCurrentSpan(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ccc"}, collect(t, seq))

	start, err = s.Transcripts.RolloverIncarnation(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), start)
	cur, err = s.Transcripts.GetCurrentSpanBounds(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Incarnation)
}

func TestTranscript_RolloverOfEmptySpan(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	start, err := s.Transcripts.RolloverSpan(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)

	start, err = s.Transcripts.RolloverIncarnation(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)

	cur, err := s.Transcripts.GetCurrentSpanBounds(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Incarnation)

	var spans int
	require.NoError(t, s.txn.q().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcriptSpans WHERE vatID = 'v1'`).Scan(&spans))
	assert.Equal(t, 1, spans)
}

func TestTranscript_ExactlyOneCurrentSpan(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})
	populateScenario(t, s)

	for _, vatID := range []string{"v1", "v2"} {
		var current int
		require.NoError(t, s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM transcriptSpans WHERE vatID = ? AND isCurrent = 1`, vatID).Scan(&current))
		assert.Equal(t, 1, current, vatID)

		// Spans tile the position range with no gaps.
		rows, err := s.db.QueryContext(ctx,
			`SELECT startPos, endPos FROM transcriptSpans WHERE vatID = ? ORDER BY startPos`, vatID)
		require.NoError(t, err)
		var prevEnd int64
		for rows.Next() {
			var start, end int64
			require.NoError(t, rows.Scan(&start, &end))
			assert.Equal(t, prevEnd, start, vatID)
			prevEnd = end
		}
		require.NoError(t, rows.Err())
		rows.Close()
	}
}

func TestTranscript_StateAndValidationErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})

	assert.True(t, storeerr.IsState(s.Transcripts.AddItem(ctx, "v1", "x")))
	_, err := s.Transcripts.RolloverSpan(ctx, "v1")
	assert.True(t, storeerr.IsState(err))
	_, err = s.Transcripts.GetCurrentSpanBounds(ctx, "v1")
	assert.True(t, storeerr.IsNotFound(err))

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	assert.True(t, storeerr.IsState(s.Transcripts.InitTranscript(ctx, "v1")))
	assert.True(t, storeerr.IsValidation(s.Transcripts.AddItem(ctx, "v1", "two\nlines")))
	assert.True(t, storeerr.IsValidation(s.Transcripts.InitTranscript(ctx, "bad.vat")))
	assert.True(t, storeerr.IsValidation(s.Transcripts.InitTranscript(ctx, "")))

	_, err = s.Transcripts.ReadSpan(ctx, "v1", 7)
	assert.True(t, storeerr.IsNotFound(err))
}

func TestTranscript_ReadSpanStopsEarly(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	for i := 0; i < itemPageSize+10; i++ {
		require.NoError(t, s.Transcripts.AddItem(ctx, "v1", "item"))
	}

	seq, err := s.Transcripts.ReadCurrentSpan(ctx, "v1")
	require.NoError(t, err)
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)

	seq, err = s.Transcripts.ReadCurrentSpan(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, collect(t, seq), itemPageSize+10)
}

func TestTranscript_PruneAndArchive(t *testing.T) {
	ctx := context.Background()
	archived := map[string]string{}
	s, _ := createTestStore(t, Options{
		PruneTranscripts: true,
		ArchiveTranscript: func(_ context.Context, name string, r io.Reader) error {
			data, err := io.ReadAll(r)
			archived[name] = string(data)
			return err
		},
	})

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	addItems(t, s, "v1", "aaa", "bbb")
	_, err := s.Transcripts.RolloverSpan(ctx, "v1")
	require.NoError(t, err)
	addItems(t, s, "v1", "ccc")
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, map[string]string{"transcript.v1.0.2": "aaa\nbbb\n"}, archived)

	_, err = s.Transcripts.ReadSpan(ctx, "v1", 0)
	assert.True(t, storeerr.IsConsistency(err))
	seq, err := s.Transcripts.ReadCurrentSpan(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ccc"}, collect(t, seq))
}

func TestTranscript_DeleteRequiresStopUsing(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})

	require.NoError(t, s.Transcripts.InitTranscript(ctx, "v1"))
	_, err := s.Transcripts.DeleteVatTranscripts(ctx, "v1", 0)
	assert.True(t, storeerr.IsState(err))

	require.NoError(t, s.Transcripts.StopUsingTranscript(ctx, "v1"))
	require.NoError(t, s.Transcripts.StopUsingTranscript(ctx, "v1"))
	assert.True(t, storeerr.IsState(s.Transcripts.AddItem(ctx, "v1", "x")))
}

// buildSpans gives vatID four spans, the last of them current.
func buildSpans(t *testing.T, s *SwingStore, vatID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Transcripts.InitTranscript(ctx, vatID))
	for i := 0; i < 3; i++ {
		addItems(t, s, vatID, "a", "b")
		_, err := s.Transcripts.RolloverSpan(ctx, vatID)
		require.NoError(t, err)
	}
	addItems(t, s, vatID, "c")
}

func tableCounts(t *testing.T, s *SwingStore, vatID string) (spans, items int) {
	t.Helper()
	q := s.txn.q()
	require.NoError(t, q.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM transcriptSpans WHERE vatID = ?`, vatID).Scan(&spans))
	require.NoError(t, q.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM transcriptItems WHERE vatID = ?`, vatID).Scan(&items))
	return spans, items
}

func TestTranscript_BudgetedDeletionConverges(t *testing.T) {
	ctx := context.Background()
	stepwise, _ := createTestStore(t, Options{})
	oneShot, _ := createTestStore(t, Options{})

	for _, s := range []*SwingStore{stepwise, oneShot} {
		buildSpans(t, s, "v1")
		buildSpans(t, s, "v2")
		require.NoError(t, s.Transcripts.StopUsingTranscript(ctx, "v1"))
	}

	total := 0
	calls := 0
	for {
		res, err := stepwise.Transcripts.DeleteVatTranscripts(ctx, "v1", 1)
		require.NoError(t, err)
		calls++
		total += res.Cleanups
		if res.Done {
			break
		}
		assert.Equal(t, 1, res.Cleanups)
	}
	assert.Equal(t, 4, total)
	assert.Equal(t, 4, calls)

	res, err := oneShot.Transcripts.DeleteVatTranscripts(ctx, "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{Done: true, Cleanups: 4}, res)

	for _, s := range []*SwingStore{stepwise, oneShot} {
		spans, items := tableCounts(t, s, "v1")
		assert.Zero(t, spans)
		assert.Zero(t, items)
		spans, items = tableCounts(t, s, "v2")
		assert.Equal(t, 4, spans)
		assert.Equal(t, 7, items)

		again, err := s.Transcripts.DeleteVatTranscripts(ctx, "v1", 1)
		require.NoError(t, err)
		assert.Equal(t, DeleteResult{Done: true, Cleanups: 0}, again)
	}
}

func TestTranscript_ArtifactNamesByMode(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t, Options{})
	populateScenario(t, s)

	names := func(mode ArtifactMode) []string {
		return collect(t, s.Transcripts.GetArtifactNames(ctx, mode))
	}
	assert.Equal(t, []string{"transcript.v1.6.8", "transcript.v2.1.2"}, names(ModeOperational))
	assert.Equal(t, []string{"transcript.v1.6.8", "transcript.v2.0.1", "transcript.v2.1.2"}, names(ModeReplay))
	all := []string{
		"transcript.v1.0.2", "transcript.v1.2.5", "transcript.v1.5.6", "transcript.v1.6.8",
		"transcript.v2.0.1", "transcript.v2.1.2",
	}
	assert.Equal(t, all, names(ModeArchival))
	assert.Equal(t, all, names(ModeDebug))

	for _, mode := range ArtifactModes {
		assert.NoError(t, s.Transcripts.AssertComplete(ctx, mode), mode)
	}
}
