package store

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/roach88/swingstore/internal/digest"
	"github.com/roach88/swingstore/internal/storeerr"
)

// itemPageSize bounds how many transcript items one paging query reads.
const itemPageSize = 256

// TranscriptStore is the per-vat hash-chained delivery log.
//
// Each vat has exactly one current span while it is live. Items are
// appended to the current span; rollovers close it and open a new one
// starting where it ended. Closed spans are immutable.
type TranscriptStore struct {
	t       *txn
	exports *exportLog
	prune   bool

	// closed holds spans closed since the last commit. They are archived
	// and, when pruning, emptied during finalize.
	closed []SpanRecord
}

const spanColumns = `vatID, startPos, endPos, hash, isCurrent IS NOT NULL, incarnation`

func scanSpan(row interface{ Scan(...any) error }) (SpanRecord, error) {
	var rec SpanRecord
	err := row.Scan(&rec.VatID, &rec.StartPos, &rec.EndPos, &rec.Hash, &rec.IsCurrent, &rec.Incarnation)
	return rec, err
}

// currentSpan returns the current span of vatID, if any.
func (ts *TranscriptStore) currentSpan(ctx context.Context, vatID string) (SpanRecord, bool, error) {
	rec, err := scanSpan(ts.t.q().QueryRowContext(ctx,
		`SELECT `+spanColumns+` FROM transcriptSpans WHERE vatID = ? AND isCurrent = 1`, vatID))
	if errors.Is(err, sql.ErrNoRows) {
		return SpanRecord{}, false, nil
	}
	if err != nil {
		return SpanRecord{}, false, fmt.Errorf("query current span of %s: %w", vatID, err)
	}
	return rec, true, nil
}

// spanAt returns the span of vatID starting at startPos, if any.
func (ts *TranscriptStore) spanAt(ctx context.Context, vatID string, startPos int64) (SpanRecord, bool, error) {
	rec, err := scanSpan(ts.t.q().QueryRowContext(ctx,
		`SELECT `+spanColumns+` FROM transcriptSpans WHERE vatID = ? AND startPos = ?`, vatID, startPos))
	if errors.Is(err, sql.ErrNoRows) {
		return SpanRecord{}, false, nil
	}
	if err != nil {
		return SpanRecord{}, false, fmt.Errorf("query span %s: %w", spanKey(vatID, startPos), err)
	}
	return rec, true, nil
}

// itemCount counts the retained items inside rec's bounds.
func (ts *TranscriptStore) itemCount(ctx context.Context, rec SpanRecord) (int64, error) {
	var n int64
	err := ts.t.q().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transcriptItems
		WHERE vatID = ? AND position >= ? AND position < ?
	`, rec.VatID, rec.StartPos, rec.EndPos).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items of %s: %w", spanExportKey(rec), err)
	}
	return n, nil
}

func (ts *TranscriptStore) noteSpan(ctx context.Context, rec SpanRecord) error {
	return ts.exports.noteSet(ctx, spanExportKey(rec), encodeJSON(rec))
}

// InitTranscript creates the first current span of vatID: empty,
// incarnation 0, hashed from the seed.
func (ts *TranscriptStore) InitTranscript(ctx context.Context, vatID string) error {
	if err := checkVatID(vatID); err != nil {
		return err
	}
	var n int
	if err := ts.t.q().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcriptSpans WHERE vatID = ?`, vatID).Scan(&n); err != nil {
		return fmt.Errorf("init transcript %s: %w", vatID, err)
	}
	if n > 0 {
		return storeerr.State(vatID, "transcript already initialized")
	}

	rec := SpanRecord{VatID: vatID, Hash: digest.TranscriptSeed, IsCurrent: true}
	if err := ts.insertSpan(ctx, rec); err != nil {
		return fmt.Errorf("init transcript %s: %w", vatID, err)
	}
	return ts.noteSpan(ctx, rec)
}

func (ts *TranscriptStore) insertSpan(ctx context.Context, rec SpanRecord) error {
	q, err := ts.t.ensure(ctx)
	if err != nil {
		return err
	}
	var isCurrent sql.NullInt64
	if rec.IsCurrent {
		isCurrent = sql.NullInt64{Int64: 1, Valid: true}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO transcriptSpans (vatID, startPos, endPos, hash, isCurrent, incarnation)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.VatID, rec.StartPos, rec.EndPos, rec.Hash, isCurrent, rec.Incarnation)
	if err != nil {
		return fmt.Errorf("insert span %s: %w", spanExportKey(rec), err)
	}
	return nil
}

func checkItem(vatID, item string) error {
	if strings.Contains(item, "\n") || !utf8.ValidString(item) {
		return storeerr.Validation(vatID, "transcript item must be UTF-8 without newlines")
	}
	return nil
}

// AddItem appends item to the current span of vatID.
func (ts *TranscriptStore) AddItem(ctx context.Context, vatID, item string) error {
	if err := checkVatID(vatID); err != nil {
		return err
	}
	if err := checkItem(vatID, item); err != nil {
		return err
	}
	cur, ok, err := ts.currentSpan(ctx, vatID)
	if err != nil {
		return err
	}
	if !ok {
		return storeerr.State(vatID, "no current transcript span")
	}

	q, err := ts.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO transcriptItems (vatID, position, item, incarnation)
		VALUES (?, ?, ?, ?)
	`, vatID, cur.EndPos, item, cur.Incarnation); err != nil {
		return fmt.Errorf("add item %s[%d]: %w", vatID, cur.EndPos, err)
	}

	cur.Hash = digest.Fold(cur.Hash, item)
	cur.EndPos++
	if _, err := q.ExecContext(ctx, `
		UPDATE transcriptSpans SET endPos = ?, hash = ?
		WHERE vatID = ? AND isCurrent = 1
	`, cur.EndPos, cur.Hash, vatID); err != nil {
		return fmt.Errorf("update span of %s: %w", vatID, err)
	}
	return ts.noteSpan(ctx, cur)
}

// RolloverSpan closes the current span of vatID and opens an empty one at
// the same incarnation. It returns the start of the new span. Rolling
// over an empty span is a no-op.
func (ts *TranscriptStore) RolloverSpan(ctx context.Context, vatID string) (int64, error) {
	return ts.rollover(ctx, vatID, false)
}

// RolloverIncarnation is RolloverSpan for a vat upgrade: the new span's
// incarnation is one higher. An empty current span is re-labelled in
// place.
func (ts *TranscriptStore) RolloverIncarnation(ctx context.Context, vatID string) (int64, error) {
	return ts.rollover(ctx, vatID, true)
}

func (ts *TranscriptStore) rollover(ctx context.Context, vatID string, upgrade bool) (int64, error) {
	if err := checkVatID(vatID); err != nil {
		return 0, err
	}
	cur, ok, err := ts.currentSpan(ctx, vatID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, storeerr.State(vatID, "no current transcript span to roll over")
	}

	if cur.StartPos == cur.EndPos && !upgrade {
		return cur.StartPos, nil
	}
	q, err := ts.t.ensure(ctx)
	if err != nil {
		return 0, err
	}

	if cur.StartPos == cur.EndPos {
		cur.Incarnation++
		if _, err := q.ExecContext(ctx, `
			UPDATE transcriptSpans SET incarnation = ? WHERE vatID = ? AND isCurrent = 1
		`, cur.Incarnation, vatID); err != nil {
			return 0, fmt.Errorf("relabel span of %s: %w", vatID, err)
		}
		return cur.StartPos, ts.noteSpan(ctx, cur)
	}

	if err := ts.closeCurrent(ctx, q, cur); err != nil {
		return 0, err
	}

	next := SpanRecord{
		VatID:       vatID,
		StartPos:    cur.EndPos,
		EndPos:      cur.EndPos,
		Hash:        digest.TranscriptSeed,
		IsCurrent:   true,
		Incarnation: cur.Incarnation,
	}
	if upgrade {
		next.Incarnation++
	}
	if err := ts.insertSpan(ctx, next); err != nil {
		return 0, err
	}
	if err := ts.noteSpan(ctx, next); err != nil {
		return 0, err
	}
	return next.StartPos, nil
}

// closeCurrent clears the current flag of cur and records it as a
// historical span.
func (ts *TranscriptStore) closeCurrent(ctx context.Context, q queryer, cur SpanRecord) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE transcriptSpans SET isCurrent = NULL WHERE vatID = ? AND isCurrent = 1
	`, cur.VatID); err != nil {
		return fmt.Errorf("close span of %s: %w", cur.VatID, err)
	}
	closed := cur
	closed.IsCurrent = false
	if err := ts.noteSpan(ctx, closed); err != nil {
		return err
	}
	ts.closed = append(ts.closed, closed)
	return nil
}

// GetCurrentSpanBounds returns the metadata of the current span of vatID.
func (ts *TranscriptStore) GetCurrentSpanBounds(ctx context.Context, vatID string) (SpanRecord, error) {
	if err := checkVatID(vatID); err != nil {
		return SpanRecord{}, err
	}
	cur, ok, err := ts.currentSpan(ctx, vatID)
	if err != nil {
		return SpanRecord{}, err
	}
	if !ok {
		return SpanRecord{}, storeerr.NotFound(currentSpanKey(vatID), "no current transcript span")
	}
	return cur, nil
}

// StopUsingTranscript clears the current flag of vatID's current span,
// which makes the vat's transcript eligible for DeleteVatTranscripts.
// Calling it again is a no-op.
func (ts *TranscriptStore) StopUsingTranscript(ctx context.Context, vatID string) error {
	if err := checkVatID(vatID); err != nil {
		return err
	}
	cur, ok, err := ts.currentSpan(ctx, vatID)
	if err != nil || !ok {
		return err
	}
	q, err := ts.t.ensure(ctx)
	if err != nil {
		return err
	}
	if err := ts.closeCurrent(ctx, q, cur); err != nil {
		return err
	}
	return ts.exports.noteDelete(ctx, currentSpanKey(vatID))
}

// DeleteVatTranscripts deletes historical spans of vatID and their items,
// oldest first, at most budget spans per call (budget <= 0 means no
// limit). The vat must have no current span.
func (ts *TranscriptStore) DeleteVatTranscripts(ctx context.Context, vatID string, budget int) (DeleteResult, error) {
	if err := checkVatID(vatID); err != nil {
		return DeleteResult{}, err
	}
	if _, ok, err := ts.currentSpan(ctx, vatID); err != nil {
		return DeleteResult{}, err
	} else if ok {
		return DeleteResult{}, storeerr.State(vatID, "cannot delete transcript of a vat still in use")
	}

	limit := -1
	if budget > 0 {
		limit = budget
	}
	spans, err := ts.collectSpans(ctx, `
		SELECT `+spanColumns+` FROM transcriptSpans
		WHERE vatID = ? ORDER BY startPos LIMIT ?
	`, vatID, limit)
	if err != nil {
		return DeleteResult{}, err
	}

	result := DeleteResult{}
	if len(spans) > 0 {
		q, err := ts.t.ensure(ctx)
		if err != nil {
			return DeleteResult{}, err
		}
		for _, rec := range spans {
			if _, err := q.ExecContext(ctx, `
				DELETE FROM transcriptItems WHERE vatID = ? AND position >= ? AND position < ?
			`, vatID, rec.StartPos, rec.EndPos); err != nil {
				return DeleteResult{}, fmt.Errorf("delete items of %s: %w", spanExportKey(rec), err)
			}
			if _, err := q.ExecContext(ctx, `
				DELETE FROM transcriptSpans WHERE vatID = ? AND startPos = ?
			`, vatID, rec.StartPos); err != nil {
				return DeleteResult{}, fmt.Errorf("delete span %s: %w", spanExportKey(rec), err)
			}
			if err := ts.exports.noteDelete(ctx, spanExportKey(rec)); err != nil {
				return DeleteResult{}, err
			}
			result.Cleanups++
		}
	}

	var remaining int
	if err := ts.t.q().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcriptSpans WHERE vatID = ?`, vatID).Scan(&remaining); err != nil {
		return DeleteResult{}, fmt.Errorf("count spans of %s: %w", vatID, err)
	}
	result.Done = remaining == 0
	return result, nil
}

func (ts *TranscriptStore) collectSpans(ctx context.Context, query string, args ...any) ([]SpanRecord, error) {
	rows, err := ts.t.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()
	var spans []SpanRecord
	for rows.Next() {
		rec, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		spans = append(spans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spans: %w", err)
	}
	return spans, nil
}

// ReadSpan returns the items of the span of vatID starting at startPos.
// The span must exist and be fully retained. Items are fetched lazily;
// breaking out of the loop ends the read.
func (ts *TranscriptStore) ReadSpan(ctx context.Context, vatID string, startPos int64) (iter.Seq2[string, error], error) {
	if err := checkVatID(vatID); err != nil {
		return nil, err
	}
	rec, ok, err := ts.spanAt(ctx, vatID, startPos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storeerr.NotFound(spanKey(vatID, startPos), "no such transcript span")
	}
	return ts.readRecord(ctx, rec)
}

// ReadCurrentSpan is ReadSpan for the current span of vatID.
func (ts *TranscriptStore) ReadCurrentSpan(ctx context.Context, vatID string) (iter.Seq2[string, error], error) {
	rec, err := ts.GetCurrentSpanBounds(ctx, vatID)
	if err != nil {
		return nil, err
	}
	return ts.readRecord(ctx, rec)
}

func (ts *TranscriptStore) readRecord(ctx context.Context, rec SpanRecord) (iter.Seq2[string, error], error) {
	n, err := ts.itemCount(ctx, rec)
	if err != nil {
		return nil, err
	}
	if n != rec.EndPos-rec.StartPos {
		return nil, storeerr.Consistency(spanArtifactName(rec.VatID, rec.StartPos, rec.EndPos),
			"transcript span items are not retained")
	}
	return ts.items(ctx, rec.VatID, rec.StartPos, rec.EndPos), nil
}

// items yields the items of vatID in [start, end), a page at a time.
func (ts *TranscriptStore) items(ctx context.Context, vatID string, start, end int64) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		next := start
		for next < end {
			page, err := ts.itemPage(ctx, vatID, next, end)
			if err != nil {
				yield("", err)
				return
			}
			if len(page) == 0 {
				yield("", storeerr.Consistency(spanKey(vatID, start), "transcript item %d missing", next))
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			next += int64(len(page))
		}
	}
}

func (ts *TranscriptStore) itemPage(ctx context.Context, vatID string, from, end int64) ([]string, error) {
	rows, err := ts.t.q().QueryContext(ctx, `
		SELECT position, item FROM transcriptItems
		WHERE vatID = ? AND position >= ? AND position < ?
		ORDER BY position
		LIMIT ?
	`, vatID, from, end, itemPageSize)
	if err != nil {
		return nil, fmt.Errorf("query items of %s: %w", vatID, err)
	}
	defer rows.Close()

	var page []string
	expected := from
	for rows.Next() {
		var pos int64
		var item string
		if err := rows.Scan(&pos, &item); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if pos != expected {
			return nil, storeerr.Consistency(vatID, "transcript item %d missing", expected)
		}
		page = append(page, item)
		expected++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return page, nil
}

// spanStatus pairs a span with whether all its items are retained.
type spanStatus struct {
	SpanRecord
	Complete bool
}

// spanModeFilter selects the spans each artifact mode carries.
func spanModeFilter(mode ArtifactMode) string {
	switch mode {
	case ModeOperational:
		return `s.isCurrent = 1`
	case ModeReplay:
		return `EXISTS (SELECT 1 FROM transcriptSpans c
			WHERE c.vatID = s.vatID AND c.isCurrent = 1 AND c.incarnation = s.incarnation)`
	default:
		return `1 = 1`
	}
}

// spansForMode iterates the spans mode covers, in (vatID, startPos)
// order, a page at a time.
func (ts *TranscriptStore) spansForMode(ctx context.Context, mode ArtifactMode) iter.Seq2[spanStatus, error] {
	query := `
		SELECT s.vatID, s.startPos, s.endPos, s.hash, s.isCurrent IS NOT NULL, s.incarnation,
			(SELECT COUNT(*) FROM transcriptItems i
				WHERE i.vatID = s.vatID AND i.position >= s.startPos AND i.position < s.endPos)
		FROM transcriptSpans s
		WHERE ` + spanModeFilter(mode) + ` AND (s.vatID, s.startPos) > (?, ?)
		ORDER BY s.vatID, s.startPos
		LIMIT ?`

	return func(yield func(spanStatus, error) bool) {
		lastVat, lastPos := "", int64(-1)
		for {
			page, err := ts.statusPage(ctx, query, lastVat, lastPos)
			if err != nil {
				yield(spanStatus{}, err)
				return
			}
			for _, st := range page {
				if !yield(st, nil) {
					return
				}
			}
			if len(page) < itemPageSize {
				return
			}
			last := page[len(page)-1]
			lastVat, lastPos = last.VatID, last.StartPos
		}
	}
}

func (ts *TranscriptStore) statusPage(ctx context.Context, query, lastVat string, lastPos int64) ([]spanStatus, error) {
	rows, err := ts.t.q().QueryContext(ctx, query, lastVat, lastPos, itemPageSize)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()
	var page []spanStatus
	for rows.Next() {
		var st spanStatus
		var n int64
		if err := rows.Scan(&st.VatID, &st.StartPos, &st.EndPos, &st.Hash, &st.IsCurrent, &st.Incarnation, &n); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		st.Complete = n == st.EndPos-st.StartPos
		page = append(page, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spans: %w", err)
	}
	return page, nil
}

// AssertComplete fails with an IncompleteDataError if any span required
// by mode lacks items. Debug mode requires nothing.
func (ts *TranscriptStore) AssertComplete(ctx context.Context, mode ArtifactMode) error {
	if mode == ModeDebug {
		return nil
	}
	for st, err := range ts.spansForMode(ctx, mode) {
		if err != nil {
			return err
		}
		if !st.Complete {
			return storeerr.IncompleteData(spanArtifactName(st.VatID, st.StartPos, st.EndPos),
				"transcript span items missing for %s mode", mode)
		}
	}
	return nil
}

// GetArtifactNames yields the span artifact names mode carries. In debug
// mode spans lacking items are skipped; in other modes they are expected
// to have been ruled out by AssertComplete.
func (ts *TranscriptStore) GetArtifactNames(ctx context.Context, mode ArtifactMode) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for st, err := range ts.spansForMode(ctx, mode) {
			if err != nil {
				yield("", err)
				return
			}
			if !st.Complete {
				continue
			}
			if !yield(spanArtifactName(st.VatID, st.StartPos, st.EndPos), nil) {
				return
			}
		}
	}
}

// exportRecords yields one record per span: transcript.<vat>.current for
// current spans, transcript.<vat>.<startPos> for historical ones.
func (ts *TranscriptStore) exportRecords(ctx context.Context) iter.Seq2[ExportRecord, error] {
	return func(yield func(ExportRecord, error) bool) {
		for st, err := range ts.spansForMode(ctx, ModeArchival) {
			if err != nil {
				yield(ExportRecord{}, err)
				return
			}
			rec := st.SpanRecord
			if !yield(ExportRecord{Key: spanExportKey(rec), Value: StringPtr(encodeJSON(rec))}, nil) {
				return
			}
		}
	}
}

// exportSpan opens the artifact stream of a span: one item per line.
func (ts *TranscriptStore) exportSpan(ctx context.Context, name artifactName) (io.ReadCloser, error) {
	rec, ok, err := ts.spanAt(ctx, name.VatID, name.StartPos)
	if err != nil {
		return nil, err
	}
	artifact := spanArtifactName(name.VatID, name.StartPos, name.EndPos)
	if !ok || rec.EndPos != name.EndPos {
		return nil, storeerr.NotFound(artifact, "no such transcript span")
	}
	seq, err := ts.readRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull2(seq)
	return &spanReader{next: next, stop: stop}, nil
}

// spanReader renders a span's items as newline-terminated lines.
type spanReader struct {
	next func() (string, error, bool)
	stop func()
	buf  bytes.Buffer
	err  error
}

func (r *spanReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		item, err, ok := r.next()
		switch {
		case !ok:
			r.err = io.EOF
		case err != nil:
			r.err = err
		default:
			r.buf.WriteString(item)
			r.buf.WriteByte('\n')
		}
	}
	return r.buf.Read(p)
}

func (r *spanReader) Close() error {
	r.stop()
	if r.err == nil {
		r.err = io.ErrClosedPipe
	}
	return nil
}

// finalize hands spans closed since the last commit to archive and, when
// pruning, deletes their items. It is the first step of a commit.
func (ts *TranscriptStore) finalize(ctx context.Context, archive func(context.Context, string, io.Reader) error) error {
	closed := ts.closed
	ts.closed = nil
	for i, rec := range closed {
		name := spanArtifactName(rec.VatID, rec.StartPos, rec.EndPos)
		// A span deleted after being closed in the same commit is skipped.
		if _, ok, err := ts.spanAt(ctx, rec.VatID, rec.StartPos); err != nil {
			ts.closed = closed[i:]
			return err
		} else if !ok {
			continue
		}
		if archive != nil {
			r, err := ts.exportSpan(ctx, artifactName{Kind: kindTranscript, VatID: rec.VatID, StartPos: rec.StartPos, EndPos: rec.EndPos})
			if err == nil {
				err = archive(ctx, name, r)
				r.Close()
			}
			if err != nil {
				ts.closed = closed[i:]
				return fmt.Errorf("archive %s: %w", name, err)
			}
		}
		if ts.prune {
			q, err := ts.t.ensure(ctx)
			if err != nil {
				ts.closed = closed[i:]
				return err
			}
			if _, err := q.ExecContext(ctx, `
				DELETE FROM transcriptItems WHERE vatID = ? AND position >= ? AND position < ?
			`, rec.VatID, rec.StartPos, rec.EndPos); err != nil {
				ts.closed = closed[i:]
				return fmt.Errorf("prune %s: %w", name, err)
			}
		}
	}
	return nil
}

func (ts *TranscriptStore) archiveMark() int {
	return len(ts.closed)
}

func (ts *TranscriptStore) truncateArchive(mark int) {
	if mark < len(ts.closed) {
		ts.closed = ts.closed[:mark]
	}
}

func (ts *TranscriptStore) discard() {
	ts.closed = nil
}

// decodeSpanRecord parses a transcript export record and checks that its
// value agrees with its key.
func decodeSpanRecord(mk metadataKey, key, value string) (SpanRecord, error) {
	var rec SpanRecord
	dec := json.NewDecoder(strings.NewReader(value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return SpanRecord{}, storeerr.Validation(key, "malformed transcript record: %v", err)
	}
	if rec.VatID != mk.VatID || rec.IsCurrent != mk.Current || (!mk.Current && rec.StartPos != mk.Pos) {
		return SpanRecord{}, storeerr.Validation(key, "transcript record disagrees with its key")
	}
	if rec.StartPos < 0 || rec.EndPos < rec.StartPos || rec.Incarnation < 0 {
		return SpanRecord{}, storeerr.Validation(key, "transcript record has invalid bounds")
	}
	return rec, nil
}

// installStub inserts an imported span row with no items.
func (ts *TranscriptStore) installStub(ctx context.Context, rec SpanRecord) error {
	return ts.insertSpan(ctx, rec)
}

// populateSpan installs the items of an imported span artifact after
// verifying they reproduce the stub's bounds and hash.
func (ts *TranscriptStore) populateSpan(ctx context.Context, name artifactName, r io.Reader) error {
	artifact := spanArtifactName(name.VatID, name.StartPos, name.EndPos)
	rec, ok, err := ts.spanAt(ctx, name.VatID, name.StartPos)
	if err != nil {
		return err
	}
	if !ok || rec.EndPos != name.EndPos {
		return storeerr.Consistency(artifact, "transcript artifact has no matching metadata")
	}
	if n, err := ts.itemCount(ctx, rec); err != nil {
		return err
	} else if n != 0 {
		return storeerr.State(artifact, "transcript span already populated")
	}

	q, err := ts.t.ensure(ctx)
	if err != nil {
		return err
	}
	br := bufio.NewReader(r)
	hash := digest.TranscriptSeed
	pos := rec.StartPos
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				return storeerr.Validation(artifact, "transcript artifact ends without a newline")
			}
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", artifact, err)
		}
		if pos >= rec.EndPos {
			return storeerr.Consistency(artifact, "transcript artifact has more items than its span")
		}
		item := strings.TrimSuffix(line, "\n")
		if err := checkItem(name.VatID, item); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO transcriptItems (vatID, position, item, incarnation)
			VALUES (?, ?, ?, ?)
		`, rec.VatID, pos, item, rec.Incarnation); err != nil {
			return fmt.Errorf("insert item %s[%d]: %w", rec.VatID, pos, err)
		}
		hash = digest.Fold(hash, item)
		pos++
	}

	if pos != rec.EndPos {
		return storeerr.Consistency(artifact, "transcript artifact has %d items, span expects %d",
			pos-rec.StartPos, rec.EndPos-rec.StartPos)
	}
	if hash != rec.Hash {
		return storeerr.Consistency(artifact, "transcript hash %s does not match metadata %s", hash, rec.Hash)
	}
	return nil
}

// repairSpan installs rec if its row is missing and rejects an existing
// row that disagrees. It reports whether a row was installed.
func (ts *TranscriptStore) repairSpan(ctx context.Context, rec SpanRecord) (bool, error) {
	existing, ok, err := ts.spanAt(ctx, rec.VatID, rec.StartPos)
	if err != nil {
		return false, err
	}
	if ok {
		if existing != rec {
			return false, storeerr.Consistency(spanExportKey(rec),
				"existing transcript metadata %s disagrees with source %s", encodeJSON(existing), encodeJSON(rec))
		}
		return false, nil
	}
	if rec.IsCurrent {
		if cur, ok, err := ts.currentSpan(ctx, rec.VatID); err != nil {
			return false, err
		} else if ok {
			return false, storeerr.Consistency(spanExportKey(rec),
				"store already has current span starting at %d", cur.StartPos)
		}
	}
	if err := ts.insertSpan(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
