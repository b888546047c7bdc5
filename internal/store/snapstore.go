package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/roach88/swingstore/internal/digest"
	"github.com/roach88/swingstore/internal/storeerr"
)

// SnapshotResult reports what SaveSnapshot stored.
type SnapshotResult struct {
	Hash             string
	UncompressedSize int64
	CompressedSize   int64
	CompressDuration time.Duration
	SaveDuration     time.Duration
}

// SnapStore keeps vat heap snapshots as gzip blobs named by the SHA-256
// of their uncompressed content. Blobs are shared by every record with
// the same hash.
type SnapStore struct {
	t       *txn
	exports *exportLog
	dir     string
	keep    bool
	now     func() time.Time
	log     *slog.Logger

	// Exporters hold a lease file in leaseDir while their view is open.
	leaseDir string

	// staged holds hashes whose blobs may be unreferenced after the next
	// commit. created holds blobs written since the last commit. deferred
	// holds committed removals held back by open export leases.
	staged   map[string]struct{}
	created  map[string]struct{}
	deferred map[string]struct{}
}

// newSnapStore builds the snapshot store of the swing-store in storeDir.
func newSnapStore(t *txn, exports *exportLog, storeDir string, opts Options) *SnapStore {
	return &SnapStore{
		t:        t,
		exports:  exports,
		dir:      filepath.Join(storeDir, snapDirName),
		leaseDir: filepath.Join(storeDir, leaseDirName),
		keep:     opts.KeepSnapshots,
		now:      opts.Now,
		log:      opts.Logger,
		staged:   make(map[string]struct{}),
		created:  make(map[string]struct{}),
		deferred: make(map[string]struct{}),
	}
}

func (ss *SnapStore) blobPath(hash string) string {
	return filepath.Join(ss.dir, hash+".gz")
}

const snapColumns = `vatID, snapPos, hash, uncompressedSize, compressedSize, inUse IS NOT NULL`

func scanSnapshot(row interface{ Scan(...any) error }) (SnapshotInfo, error) {
	var info SnapshotInfo
	var uncompressed, compressed sql.NullInt64
	if err := row.Scan(&info.VatID, &info.SnapPos, &info.Hash, &uncompressed, &compressed, &info.InUse); err != nil {
		return SnapshotInfo{}, err
	}
	info.UncompressedSize = uncompressed.Int64
	info.CompressedSize = compressed.Int64
	info.Retained = compressed.Valid
	return info, nil
}

func (info SnapshotInfo) meta() snapshotMeta {
	return snapshotMeta{VatID: info.VatID, SnapPos: info.SnapPos, Hash: info.Hash, InUse: info.InUse}
}

func (ss *SnapStore) querySnapshot(ctx context.Context, where string, args ...any) (SnapshotInfo, bool, error) {
	info, err := scanSnapshot(ss.t.q().QueryRowContext(ctx,
		`SELECT `+snapColumns+` FROM snapshots WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotInfo{}, false, nil
	}
	if err != nil {
		return SnapshotInfo{}, false, fmt.Errorf("query snapshot: %w", err)
	}
	return info, true, nil
}

func (ss *SnapStore) inUse(ctx context.Context, vatID string) (SnapshotInfo, bool, error) {
	return ss.querySnapshot(ctx, `vatID = ? AND inUse = 1`, vatID)
}

func (ss *SnapStore) snapshotAt(ctx context.Context, vatID string, snapPos int64) (SnapshotInfo, bool, error) {
	return ss.querySnapshot(ctx, `vatID = ? AND snapPos = ?`, vatID, snapPos)
}

func (ss *SnapStore) noteRecord(ctx context.Context, info SnapshotInfo) error {
	return ss.exports.noteSet(ctx, snapshotKey(info.VatID, info.SnapPos), encodeJSON(info.meta()))
}

// blob is the outcome of writing one snapshot stream.
type blob struct {
	hash         string
	size         int64
	compressed   int64
	created      bool
	compressTime time.Duration
}

// writeBlob compresses r into the blob directory. The content is written
// to a temp file and renamed into place, so a blob path never holds a
// partial file. An existing blob with the same hash is kept.
func (ss *SnapStore) writeBlob(r io.Reader) (blob, error) {
	tmpFile, err := os.CreateTemp(ss.dir, "tmp-*.gz")
	if err != nil {
		return blob{}, fmt.Errorf("creating temp snapshot file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	start := ss.now()
	hasher := digest.NewWriter()
	gz := gzip.NewWriter(tmpFile)
	if _, err := io.Copy(io.MultiWriter(gz, hasher), r); err != nil {
		tmpFile.Close()
		return blob{}, fmt.Errorf("reading snapshot stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmpFile.Close()
		return blob{}, fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return blob{}, fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return blob{}, fmt.Errorf("closing snapshot: %w", err)
	}

	b := blob{hash: hasher.Sum(), size: hasher.Size(), compressTime: ss.now().Sub(start)}
	finalPath := ss.blobPath(b.hash)
	if info, err := os.Stat(finalPath); err == nil {
		b.compressed = info.Size()
		return b, nil
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return blob{}, fmt.Errorf("stating temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return blob{}, fmt.Errorf("renaming snapshot into place: %w", err)
	}
	success = true
	b.compressed = info.Size()
	b.created = true
	ss.created[b.hash] = struct{}{}
	return b, nil
}

// SaveSnapshot stores the snapshot of vatID taken at snapPos and makes it
// the vat's in-use snapshot. r is read exactly once.
func (ss *SnapStore) SaveSnapshot(ctx context.Context, vatID string, snapPos int64, r io.Reader) (SnapshotResult, error) {
	if err := checkVatID(vatID); err != nil {
		return SnapshotResult{}, err
	}
	if snapPos < 0 {
		return SnapshotResult{}, storeerr.Validation(snapshotKey(vatID, snapPos), "negative snapshot position")
	}
	if _, ok, err := ss.snapshotAt(ctx, vatID, snapPos); err != nil {
		return SnapshotResult{}, err
	} else if ok {
		return SnapshotResult{}, storeerr.State(snapshotKey(vatID, snapPos), "snapshot already recorded")
	}

	start := ss.now()
	b, err := ss.writeBlob(r)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("save snapshot %s: %w", snapshotKey(vatID, snapPos), err)
	}

	info := SnapshotInfo{
		VatID: vatID, SnapPos: snapPos, Hash: b.hash,
		UncompressedSize: b.size, CompressedSize: b.compressed,
		InUse: true, Retained: true,
	}
	if err := ss.t.savepoint(ctx, saveSnapshotSavepoint); err != nil {
		return SnapshotResult{}, err
	}
	if err := ss.replaceInUse(ctx, info); err != nil {
		if rbErr := ss.t.rollbackTo(ctx, saveSnapshotSavepoint); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return SnapshotResult{}, fmt.Errorf("save snapshot %s: %w", snapshotKey(vatID, snapPos), err)
	}
	if err := ss.t.release(ctx, saveSnapshotSavepoint); err != nil {
		return SnapshotResult{}, err
	}

	result := SnapshotResult{
		Hash:             b.hash,
		UncompressedSize: b.size,
		CompressedSize:   b.compressed,
		CompressDuration: b.compressTime,
		SaveDuration:     ss.now().Sub(start),
	}
	ss.log.Debug("snapshot saved",
		"vat", vatID,
		"pos", snapPos,
		"hash", b.hash,
		"new_blob", b.created,
		"size", b.size,
		"compressed", b.compressed,
	)
	return result, nil
}

// saveSnapshotSavepoint brackets the swap of a vat's in-use snapshot.
const saveSnapshotSavepoint = "swingstore_save_snapshot"

// replaceInUse releases the vat's current snapshot and records info as
// the new one. The caller rolls back to a savepoint if it fails.
func (ss *SnapStore) replaceInUse(ctx context.Context, info SnapshotInfo) error {
	if err := ss.releaseInUse(ctx, info.VatID); err != nil {
		return err
	}
	q, err := ss.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO snapshots (vatID, snapPos, hash, uncompressedSize, compressedSize, inUse)
		VALUES (?, ?, ?, ?, ?, 1)
	`, info.VatID, info.SnapPos, info.Hash, info.UncompressedSize, info.CompressedSize); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if err := ss.noteRecord(ctx, info); err != nil {
		return err
	}
	return ss.exports.noteSet(ctx, currentSnapshotKey(info.VatID), snapshotKey(info.VatID, info.SnapPos))
}

// releaseInUse clears the in-use flag of vatID's current snapshot, if
// any, and prunes its blob unless snapshots are kept.
func (ss *SnapStore) releaseInUse(ctx context.Context, vatID string) error {
	prior, ok, err := ss.inUse(ctx, vatID)
	if err != nil || !ok {
		return err
	}
	q, err := ss.t.ensure(ctx)
	if err != nil {
		return err
	}
	update := `UPDATE snapshots SET inUse = NULL WHERE vatID = ? AND inUse = 1`
	if !ss.keep {
		update = `UPDATE snapshots SET inUse = NULL, compressedSize = NULL WHERE vatID = ? AND inUse = 1`
		prior.CompressedSize = 0
		prior.Retained = false
		ss.staged[prior.Hash] = struct{}{}
	}
	if _, err := q.ExecContext(ctx, update, vatID); err != nil {
		return fmt.Errorf("release snapshot of %s: %w", vatID, err)
	}
	prior.InUse = false
	return ss.noteRecord(ctx, prior)
}

// LoadSnapshot opens the uncompressed content of the retained snapshot of
// vatID with the given hash; an empty hash selects the in-use snapshot.
// The reader fails with a ConsistencyError at EOF if the content does not
// match its hash.
func (ss *SnapStore) LoadSnapshot(ctx context.Context, vatID, hash string) (io.ReadCloser, error) {
	if err := checkVatID(vatID); err != nil {
		return nil, err
	}
	var info SnapshotInfo
	var ok bool
	var err error
	if hash == "" {
		info, ok, err = ss.inUse(ctx, vatID)
	} else {
		info, ok, err = ss.querySnapshot(ctx,
			`vatID = ? AND hash = ? AND compressedSize IS NOT NULL ORDER BY snapPos DESC LIMIT 1`, vatID, hash)
	}
	if err != nil {
		return nil, err
	}
	if !ok || !info.Retained {
		return nil, storeerr.NotFound(vatID+":"+hash, "no retained snapshot")
	}
	return ss.openBlob(info)
}

func (ss *SnapStore) openBlob(info SnapshotInfo) (io.ReadCloser, error) {
	f, err := os.Open(ss.blobPath(info.Hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storeerr.Consistency(info.Hash, "snapshot blob missing for %s", snapshotKey(info.VatID, info.SnapPos))
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot blob: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, storeerr.Consistency(info.Hash, "snapshot blob is not gzip: %v", err)
	}
	return &verifyingReader{gz: gz, f: f, hasher: digest.NewWriter(), want: info.Hash}, nil
}

// verifyingReader decompresses a blob and checks its hash at EOF.
type verifyingReader struct {
	gz     *gzip.Reader
	f      *os.File
	hasher *digest.Writer
	want   string
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.gz.Read(p)
	r.hasher.Write(p[:n])
	if errors.Is(err, io.EOF) {
		if got := r.hasher.Sum(); got != r.want {
			return n, storeerr.Consistency(r.want, "snapshot content hashes to %s", got)
		}
	} else if err != nil {
		return n, storeerr.Consistency(r.want, "corrupt snapshot blob: %v", err)
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return errors.Join(r.gz.Close(), r.f.Close())
}

// GetSnapshotInfo returns the in-use snapshot of vatID.
func (ss *SnapStore) GetSnapshotInfo(ctx context.Context, vatID string) (SnapshotInfo, bool, error) {
	if err := checkVatID(vatID); err != nil {
		return SnapshotInfo{}, false, err
	}
	return ss.inUse(ctx, vatID)
}

// HasHash reports whether vatID has a retained snapshot with hash.
func (ss *SnapStore) HasHash(ctx context.Context, vatID, hash string) (bool, error) {
	if err := checkVatID(vatID); err != nil {
		return false, err
	}
	_, ok, err := ss.querySnapshot(ctx,
		`vatID = ? AND hash = ? AND compressedSize IS NOT NULL LIMIT 1`, vatID, hash)
	return ok, err
}

// StopUsingLastSnapshot clears the in-use flag of vatID's snapshot so its
// records may be deleted. Calling it again is a no-op.
func (ss *SnapStore) StopUsingLastSnapshot(ctx context.Context, vatID string) error {
	if err := checkVatID(vatID); err != nil {
		return err
	}
	_, ok, err := ss.inUse(ctx, vatID)
	if err != nil || !ok {
		return err
	}
	if err := ss.releaseInUse(ctx, vatID); err != nil {
		return err
	}
	return ss.exports.noteDelete(ctx, currentSnapshotKey(vatID))
}

func (ss *SnapStore) collect(ctx context.Context, query string, args ...any) ([]SnapshotInfo, error) {
	rows, err := ss.t.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	var out []SnapshotInfo
	for rows.Next() {
		info, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// deleteRecords removes records and stages their blobs for removal.
func (ss *SnapStore) deleteRecords(ctx context.Context, records []SnapshotInfo) error {
	if len(records) == 0 {
		return nil
	}
	q, err := ss.t.ensure(ctx)
	if err != nil {
		return err
	}
	for _, info := range records {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM snapshots WHERE vatID = ? AND snapPos = ?`, info.VatID, info.SnapPos); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", snapshotKey(info.VatID, info.SnapPos), err)
		}
		if err := ss.exports.noteDelete(ctx, snapshotKey(info.VatID, info.SnapPos)); err != nil {
			return err
		}
		ss.staged[info.Hash] = struct{}{}
	}
	return nil
}

func budgetLimit(budget int) int {
	if budget <= 0 {
		return -1
	}
	return budget
}

// DeleteVatSnapshots deletes snapshot records of vatID, oldest first, at
// most budget per call (budget <= 0 means no limit). The vat must have no
// in-use snapshot.
func (ss *SnapStore) DeleteVatSnapshots(ctx context.Context, vatID string, budget int) (DeleteResult, error) {
	if err := checkVatID(vatID); err != nil {
		return DeleteResult{}, err
	}
	if _, ok, err := ss.inUse(ctx, vatID); err != nil {
		return DeleteResult{}, err
	} else if ok {
		return DeleteResult{}, storeerr.State(vatID, "cannot delete snapshots of a vat still in use")
	}
	records, err := ss.collect(ctx, `SELECT `+snapColumns+` FROM snapshots
		WHERE vatID = ? ORDER BY snapPos LIMIT ?`, vatID, budgetLimit(budget))
	if err != nil {
		return DeleteResult{}, err
	}
	if err := ss.deleteRecords(ctx, records); err != nil {
		return DeleteResult{}, err
	}
	_, more, err := ss.querySnapshot(ctx, `vatID = ? LIMIT 1`, vatID)
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Done: !more, Cleanups: len(records)}, nil
}

// DeleteSnapshotByHash deletes the records of vatID with hash. None of
// them may be in use.
func (ss *SnapStore) DeleteSnapshotByHash(ctx context.Context, vatID, hash string) (DeleteResult, error) {
	if err := checkVatID(vatID); err != nil {
		return DeleteResult{}, err
	}
	records, err := ss.collect(ctx, `SELECT `+snapColumns+` FROM snapshots
		WHERE vatID = ? AND hash = ? ORDER BY snapPos`, vatID, hash)
	if err != nil {
		return DeleteResult{}, err
	}
	for _, info := range records {
		if info.InUse {
			return DeleteResult{}, storeerr.State(snapshotKey(vatID, info.SnapPos), "cannot delete the in-use snapshot")
		}
	}
	if err := ss.deleteRecords(ctx, records); err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Done: true, Cleanups: len(records)}, nil
}

// DeleteAllUnusedSnapshots deletes records that are not in use across all
// vats, at most budget per call.
func (ss *SnapStore) DeleteAllUnusedSnapshots(ctx context.Context, budget int) (DeleteResult, error) {
	records, err := ss.collect(ctx, `SELECT `+snapColumns+` FROM snapshots
		WHERE inUse IS NULL ORDER BY vatID, snapPos LIMIT ?`, budgetLimit(budget))
	if err != nil {
		return DeleteResult{}, err
	}
	if err := ss.deleteRecords(ctx, records); err != nil {
		return DeleteResult{}, err
	}
	_, more, err := ss.querySnapshot(ctx, `inUse IS NULL LIMIT 1`)
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Done: !more, Cleanups: len(records)}, nil
}

// snapModeFilter selects the records each artifact mode carries.
func snapModeFilter(mode ArtifactMode) string {
	switch mode {
	case ModeOperational, ModeReplay:
		return `s.inUse = 1`
	case ModeArchival:
		return `s.compressedSize IS NOT NULL AND EXISTS (SELECT 1 FROM snapshots c
			WHERE c.vatID = s.vatID AND c.inUse = 1)`
	default:
		return `s.compressedSize IS NOT NULL`
	}
}

// snapshotsWhere iterates records matching filter a page at a time.
func (ss *SnapStore) snapshotsWhere(ctx context.Context, filter string) iter.Seq2[SnapshotInfo, error] {
	query := `SELECT s.vatID, s.snapPos, s.hash, s.uncompressedSize, s.compressedSize, s.inUse IS NOT NULL
		FROM snapshots s
		WHERE ` + filter + ` AND (s.vatID, s.snapPos) > (?, ?)
		ORDER BY s.vatID, s.snapPos
		LIMIT ?`
	return func(yield func(SnapshotInfo, error) bool) {
		lastVat, lastPos := "", int64(-1)
		for {
			page, err := ss.collect(ctx, query, lastVat, lastPos, itemPageSize)
			if err != nil {
				yield(SnapshotInfo{}, err)
				return
			}
			for _, info := range page {
				if !yield(info, nil) {
					return
				}
			}
			if len(page) < itemPageSize {
				return
			}
			last := page[len(page)-1]
			lastVat, lastPos = last.VatID, last.SnapPos
		}
	}
}

// AssertComplete fails with an IncompleteDataError if an in-use snapshot
// lacks its blob. Historical snapshots are never required. Debug mode
// requires nothing.
func (ss *SnapStore) AssertComplete(ctx context.Context, mode ArtifactMode) error {
	if mode == ModeDebug {
		return nil
	}
	for info, err := range ss.snapshotsWhere(ctx, `s.inUse = 1`) {
		if err != nil {
			return err
		}
		name := snapshotKey(info.VatID, info.SnapPos)
		if !info.Retained {
			return storeerr.IncompleteData(name, "in-use snapshot has no blob")
		}
		if _, err := os.Stat(ss.blobPath(info.Hash)); err != nil {
			return storeerr.IncompleteData(name, "in-use snapshot blob %s missing", info.Hash)
		}
	}
	return nil
}

// GetArtifactNames yields the snapshot artifact names mode carries.
func (ss *SnapStore) GetArtifactNames(ctx context.Context, mode ArtifactMode) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for info, err := range ss.snapshotsWhere(ctx, snapModeFilter(mode)) {
			if err != nil {
				yield("", err)
				return
			}
			if !info.Retained {
				continue
			}
			if !yield(snapshotKey(info.VatID, info.SnapPos), nil) {
				return
			}
		}
	}
}

// exportRecords yields snapshot.<vat>.<pos> for every record and
// snapshot.<vat>.current for in-use ones.
func (ss *SnapStore) exportRecords(ctx context.Context) iter.Seq2[ExportRecord, error] {
	return func(yield func(ExportRecord, error) bool) {
		for info, err := range ss.snapshotsWhere(ctx, `1 = 1`) {
			if err != nil {
				yield(ExportRecord{}, err)
				return
			}
			key := snapshotKey(info.VatID, info.SnapPos)
			if !yield(ExportRecord{Key: key, Value: StringPtr(encodeJSON(info.meta()))}, nil) {
				return
			}
			if info.InUse {
				if !yield(ExportRecord{Key: currentSnapshotKey(info.VatID), Value: StringPtr(key)}, nil) {
					return
				}
			}
		}
	}
}

// exportSnapshot opens the uncompressed content of a snapshot artifact.
func (ss *SnapStore) exportSnapshot(ctx context.Context, name artifactName) (io.ReadCloser, error) {
	info, ok, err := ss.snapshotAt(ctx, name.VatID, name.SnapPos)
	if err != nil {
		return nil, err
	}
	if !ok || !info.Retained {
		return nil, storeerr.NotFound(snapshotKey(name.VatID, name.SnapPos), "no retained snapshot")
	}
	return ss.openBlob(info)
}

// decodeSnapshotMeta parses a snapshot.<vat>.<pos> export record.
func decodeSnapshotMeta(mk metadataKey, key, value string) (snapshotMeta, error) {
	var meta snapshotMeta
	dec := json.NewDecoder(strings.NewReader(value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&meta); err != nil {
		return snapshotMeta{}, storeerr.Validation(key, "malformed snapshot record: %v", err)
	}
	if meta.VatID != mk.VatID || meta.SnapPos != mk.Pos || meta.Hash == "" {
		return snapshotMeta{}, storeerr.Validation(key, "snapshot record disagrees with its key")
	}
	return meta, nil
}

// installStub inserts an imported snapshot record with no blob.
func (ss *SnapStore) installStub(ctx context.Context, meta snapshotMeta) error {
	return ss.insertMeta(ctx, meta, sql.NullInt64{})
}

func (ss *SnapStore) insertMeta(ctx context.Context, meta snapshotMeta, compressed sql.NullInt64) error {
	q, err := ss.t.ensure(ctx)
	if err != nil {
		return err
	}
	var inUse sql.NullInt64
	if meta.InUse {
		inUse = sql.NullInt64{Int64: 1, Valid: true}
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO snapshots (vatID, snapPos, hash, uncompressedSize, compressedSize, inUse)
		VALUES (?, ?, ?, NULL, ?, ?)
	`, meta.VatID, meta.SnapPos, meta.Hash, compressed, inUse); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snapshotKey(meta.VatID, meta.SnapPos), err)
	}
	return nil
}

// populateSnapshot writes the blob of an imported snapshot artifact after
// checking it hashes to the stub's hash.
func (ss *SnapStore) populateSnapshot(ctx context.Context, name artifactName, r io.Reader) error {
	key := snapshotKey(name.VatID, name.SnapPos)
	info, ok, err := ss.snapshotAt(ctx, name.VatID, name.SnapPos)
	if err != nil {
		return err
	}
	if !ok {
		return storeerr.Consistency(key, "snapshot artifact has no matching metadata")
	}
	if info.Retained {
		return storeerr.State(key, "snapshot already populated")
	}

	b, err := ss.writeBlob(r)
	if err != nil {
		return fmt.Errorf("populate %s: %w", key, err)
	}
	if b.hash != info.Hash {
		if b.created {
			os.Remove(ss.blobPath(b.hash))
			delete(ss.created, b.hash)
		}
		return storeerr.Consistency(key, "snapshot artifact hashes to %s, metadata says %s", b.hash, info.Hash)
	}

	q, err := ss.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE snapshots SET uncompressedSize = ?, compressedSize = ?
		WHERE vatID = ? AND snapPos = ?
	`, b.size, b.compressed, name.VatID, name.SnapPos); err != nil {
		return fmt.Errorf("populate %s: %w", key, err)
	}
	return nil
}

// repairSnapshot installs meta if its record is missing and rejects an
// existing record that disagrees. A record whose blob is already on disk
// is installed as retained.
func (ss *SnapStore) repairSnapshot(ctx context.Context, meta snapshotMeta) (bool, error) {
	key := snapshotKey(meta.VatID, meta.SnapPos)
	existing, ok, err := ss.snapshotAt(ctx, meta.VatID, meta.SnapPos)
	if err != nil {
		return false, err
	}
	if ok {
		if existing.meta() != meta {
			return false, storeerr.Consistency(key,
				"existing snapshot metadata %s disagrees with source %s", encodeJSON(existing.meta()), encodeJSON(meta))
		}
		return false, nil
	}
	if meta.InUse {
		if cur, ok, err := ss.inUse(ctx, meta.VatID); err != nil {
			return false, err
		} else if ok {
			return false, storeerr.Consistency(key, "store already has in-use snapshot at %d", cur.SnapPos)
		}
	}
	var compressed sql.NullInt64
	if fi, err := os.Stat(ss.blobPath(meta.Hash)); err == nil {
		compressed = sql.NullInt64{Int64: fi.Size(), Valid: true}
	}
	if err := ss.insertMeta(ctx, meta, compressed); err != nil {
		return false, err
	}
	return true, nil
}

// referenced reports whether any retained record points at hash.
func (ss *SnapStore) referenced(ctx context.Context, hash string) (bool, error) {
	_, ok, err := ss.querySnapshot(ctx, `hash = ? AND compressedSize IS NOT NULL LIMIT 1`, hash)
	return ok, err
}

// removeUnreferenced deletes the blobs of hashes no retained record
// points at. It returns how many were removed.
func (ss *SnapStore) removeUnreferenced(ctx context.Context, hashes map[string]struct{}) int {
	removed := 0
	for hash := range hashes {
		ref, err := ss.referenced(ctx, hash)
		if err != nil {
			ss.log.Warn("snapshot blob check failed", "hash", hash, "error", err)
			continue
		}
		if ref {
			continue
		}
		if err := os.Remove(ss.blobPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			ss.log.Warn("snapshot blob removal failed", "hash", hash, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// flushDeletions runs after the database commit. It removes staged blobs
// and blobs created since the last commit that ended up unreferenced.
// While any exporter holds a lease the removals are deferred to a later
// commit, so open export views can still read the blobs they list.
func (ss *SnapStore) flushDeletions(ctx context.Context) int {
	ctx = context.WithoutCancel(ctx)
	candidates := ss.deferred
	for hash := range ss.staged {
		candidates[hash] = struct{}{}
	}
	for hash := range ss.created {
		candidates[hash] = struct{}{}
	}
	ss.staged = make(map[string]struct{})
	ss.created = make(map[string]struct{})
	if len(candidates) == 0 {
		return 0
	}
	if n := ss.openLeases(); n > 0 {
		ss.deferred = candidates
		ss.log.Debug("snapshot blob removal deferred", "blobs", len(candidates), "exporters", n)
		return 0
	}
	ss.deferred = make(map[string]struct{})
	return ss.removeUnreferenced(ctx, candidates)
}

// discard runs after a rollback. Staged deletions are dropped and blobs
// created since the last commit are removed unless a committed record
// points at them. No exporter can see a blob created in the discarded
// transaction, so leases are not consulted.
func (ss *SnapStore) discard(ctx context.Context) {
	ss.removeUnreferenced(context.WithoutCancel(ctx), ss.created)
	ss.staged = make(map[string]struct{})
	ss.created = make(map[string]struct{})
}

// openLeases counts the export leases in the lease directory. An
// unreadable directory counts as leased.
func (ss *SnapStore) openLeases() int {
	entries, err := os.ReadDir(ss.leaseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	if err != nil {
		ss.log.Warn("export lease check failed", "dir", ss.leaseDir, "error", err)
		return 1
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), leaseSuffix) {
			n++
		}
	}
	return n
}
