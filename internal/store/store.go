package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/swingstore/internal/digest"
	"github.com/roach88/swingstore/internal/storeerr"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial swing-store schema
const currentSchemaVersion = 1

const (
	dbFileName   = "swingstore.sqlite"
	snapDirName  = "snapshots"
	leaseDirName = "export-leases"
	leaseSuffix  = ".lease"
)

// activityHashKey is the consensus KV key holding the running activity
// hash.
const activityHashKey = "activityhash"

// Options configures a SwingStore. The zero value keeps every transcript
// item and prunes superseded snapshot blobs.
type Options struct {
	// KeepSnapshots retains the blob of a snapshot after it is superseded.
	KeepSnapshots bool

	// PruneTranscripts deletes a span's items when the span is closed.
	PruneTranscripts bool

	// ExportCallback receives the export-data changes of each commit,
	// before the commit is made durable.
	ExportCallback func(ctx context.Context, changes []ExportRecord) error

	// ArchiveTranscript receives each span closed since the last commit,
	// named as its artifact, during the commit.
	ArchiveTranscript func(ctx context.Context, name string, r io.Reader) error

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now defaults to time.Now. Used only for timing metrics.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SwingStore is the durable storage of one kernel. It owns the single
// commit boundary across its sub-stores.
//
// A SwingStore is not safe for concurrent use: the kernel is its only
// writer.
type SwingStore struct {
	dir  string
	db   *sql.DB
	txn  *txn
	opts Options
	log  *slog.Logger

	exports *exportLog

	KV          *KVStore
	Transcripts *TranscriptStore
	Snapshots   *SnapStore
	Bundles     *BundleStore

	crank      crankState
	savepoints map[string]crankMark
}

// crankState is the crank hasher plus whether a crank is open. Consensus
// KV changes made outside a crank are not recorded.
type crankState struct {
	digest.CrankHasher
	open bool
}

func (c *crankState) add(key, value string) {
	if c.open {
		c.Add(key, value)
	}
}

func (c *crankState) delete(key string) {
	if c.open {
		c.Delete(key)
	}
}

// crankMark records in-memory state to restore on a savepoint rollback.
type crankMark struct {
	crankLog int
	archive  int
}

// IsStore reports whether dir holds a swing-store database.
func IsStore(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, dbFileName))
	return err == nil && info.Mode().IsRegular()
}

// Open creates or opens the swing-store in dir.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode so exporters can read a committed snapshot concurrently
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(dir string, opts Options) (*SwingStore, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Join(dir, snapDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := openDB(filepath.Join(dir, dbFileName), false)
	if err != nil {
		return nil, err
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SwingStore{
		dir:        dir,
		db:         db,
		txn:        &txn{db: db},
		opts:       opts,
		log:        opts.Logger,
		savepoints: make(map[string]crankMark),
	}
	s.exports = &exportLog{t: s.txn}
	s.KV = &KVStore{t: s.txn, exports: s.exports, crank: &s.crank}
	s.Transcripts = &TranscriptStore{t: s.txn, exports: s.exports, prune: opts.PruneTranscripts}
	s.Snapshots = newSnapStore(s.txn, s.exports, dir, opts)
	s.Bundles = &BundleStore{t: s.txn, exports: s.exports}

	s.log.Debug("swing-store opened", "dir", dir)
	return s, nil
}

// openDB opens the SQLite file at path. Read-only handles are used by
// exporters; callers check IsStore first so they never create the file.
func openDB(path string, readOnly bool) (*sql.DB, error) {
	dsn := "file:" + path + "?_txlock=immediate"
	if readOnly {
		dsn = "file:" + path + "?_query_only=true&_txlock=deferred"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, readOnly); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return db, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB, readOnly bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
	}
	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d",
			version, currentSchemaVersion)
	}

	if version == currentSchemaVersion {
		return nil
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// Dir returns the directory the store lives in.
func (s *SwingStore) Dir() string {
	return s.dir
}

func (s *SwingStore) checkOpen() error {
	if s.db == nil {
		return storeerr.State(s.dir, "swing-store is closed")
	}
	return nil
}

// Commit makes every pending write durable. The order is load-bearing:
//
//  1. finalize transcript writes and flush export-data changes,
//  2. commit the database, which holds the current-span and
//     current-snapshot pointers,
//  3. only then delete snapshot blobs staged for removal.
//
// A crash between 2 and 3 leaves stale blobs but no dangling pointers.
func (s *SwingStore) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.Transcripts.finalize(ctx, s.opts.ArchiveTranscript); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	changes, err := s.exports.flush(ctx, s.opts.ExportCallback)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if err := s.txn.commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.savepoints = make(map[string]crankMark)

	removed := s.Snapshots.flushDeletions(ctx)

	s.log.Debug("swing-store committed",
		"export_changes", changes,
		"blobs_removed", removed,
	)
	return nil
}

// Abort discards every write since the last commit.
func (s *SwingStore) Abort(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.txn.rollback()
	s.Transcripts.discard()
	s.Snapshots.discard(ctx)
	s.crank.Reset()
	s.crank.open = false
	s.savepoints = make(map[string]crankMark)
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	s.log.Debug("swing-store aborted")
	return nil
}

// Close releases the database. Uncommitted writes are discarded.
func (s *SwingStore) Close() error {
	if s.db == nil {
		return nil
	}
	var errs []error
	if s.txn.active() {
		errs = append(errs, s.Abort(context.Background()))
	}
	errs = append(errs, s.db.Close())
	s.db = nil
	return errors.Join(errs...)
}

// StartCrank begins one unit of kernel work. Consensus KV changes made
// until EmitCrankHashes are folded into the crank hash.
func (s *SwingStore) StartCrank() error {
	if s.crank.open {
		return storeerr.State("", "crank already in progress")
	}
	s.crank.open = true
	s.crank.Reset()
	return nil
}

// EstablishCrankSavepoint marks a point the crank can roll back to.
func (s *SwingStore) EstablishCrankSavepoint(ctx context.Context, name string) error {
	if !s.crank.open {
		return storeerr.State(name, "savepoint outside a crank")
	}
	if err := s.txn.savepoint(ctx, name); err != nil {
		return err
	}
	s.savepoints[name] = crankMark{
		crankLog: s.crank.Mark(),
		archive:  s.Transcripts.archiveMark(),
	}
	return nil
}

// RollbackCrank undoes everything since the named savepoint.
func (s *SwingStore) RollbackCrank(ctx context.Context, name string) error {
	mark, ok := s.savepoints[name]
	if !s.crank.open || !ok {
		return storeerr.State(name, "unknown crank savepoint")
	}
	if err := s.txn.rollbackTo(ctx, name); err != nil {
		return err
	}
	delete(s.savepoints, name)
	s.crank.Truncate(mark.crankLog)
	s.Transcripts.truncateArchive(mark.archive)
	return nil
}

// EmitCrankHashes closes the crank hash and chains it onto the activity
// hash, which is stored in the KV store.
func (s *SwingStore) EmitCrankHashes(ctx context.Context) (crankhash, activityhash string, err error) {
	crankhash = s.crank.Sum()
	s.crank.Reset()

	prev, _, err := s.KV.Get(ctx, activityHashKey)
	if err != nil {
		return "", "", fmt.Errorf("emit crank hashes: %w", err)
	}
	activityhash = digest.ActivityHash(prev, crankhash)
	if err := s.KV.set(ctx, activityHashKey, activityhash, false); err != nil {
		return "", "", fmt.Errorf("emit crank hashes: %w", err)
	}
	return crankhash, activityhash, nil
}

// EndCrank finishes the current crank.
func (s *SwingStore) EndCrank() error {
	if !s.crank.open {
		return storeerr.State("", "no crank in progress")
	}
	s.crank.open = false
	s.savepoints = make(map[string]crankMark)
	return nil
}

// GetActivityHash returns the stored activity hash, or "" before the
// first crank.
func (s *SwingStore) GetActivityHash(ctx context.Context) (string, error) {
	h, _, err := s.KV.Get(ctx, activityHashKey)
	return h, err
}
