package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/swingstore/internal/storeerr"
)

// ExportSource is anything that can feed an import or a repair: an
// Exporter over a live store, or an export directory.
type ExportSource interface {
	// GetExportData yields every export record.
	GetExportData(ctx context.Context) iter.Seq2[ExportRecord, error]

	// GetArtifactNames yields the names of the available artifacts.
	GetArtifactNames(ctx context.Context) iter.Seq2[string, error]

	// GetArtifact opens one artifact.
	GetArtifact(ctx context.Context, name string) (io.ReadCloser, error)
}

// ExportOptions configures MakeExporter.
type ExportOptions struct {
	// ArtifactMode defaults to ModeOperational.
	ArtifactMode ArtifactMode
}

// Exporter is a read-only, point-in-time view of a swing-store. It holds
// its own database connection and read transaction, so the live store
// may keep committing while an export is in progress.
type Exporter struct {
	db    *sql.DB
	tx    *sql.Tx
	mode  ArtifactMode
	lease string

	kv          *KVStore
	transcripts *TranscriptStore
	snapshots   *SnapStore
	bundles     *BundleStore
}

var _ ExportSource = (*Exporter)(nil)

// MakeExporter opens an export view of the store in dir.
func MakeExporter(ctx context.Context, dir string, opts ExportOptions) (*Exporter, error) {
	mode, err := ParseArtifactMode(string(opts.ArtifactMode))
	if err != nil {
		return nil, err
	}
	if !IsStore(dir) {
		return nil, storeerr.NotFound(dir, "no swing-store in directory")
	}

	// The lease goes down before the read transaction starts. A live
	// store that commits after this point keeps superseded snapshot
	// blobs until the lease is gone.
	lease, err := takeLease(dir)
	if err != nil {
		return nil, err
	}
	db, err := openDB(filepath.Join(dir, dbFileName), true)
	if err != nil {
		dropLease(lease)
		return nil, err
	}
	tx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		db.Close()
		dropLease(lease)
		return nil, fmt.Errorf("begin export transaction: %w", err)
	}
	// A deferred transaction takes its snapshot at the first read.
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bundles`).Scan(&n); err != nil {
		tx.Rollback()
		db.Close()
		dropLease(lease)
		return nil, fmt.Errorf("pin export snapshot: %w", err)
	}

	t := newReadTxn(db, tx)
	viewOpts := Options{}.withDefaults()
	return &Exporter{
		db:          db,
		tx:          tx,
		mode:        mode,
		lease:       lease,
		kv:          &KVStore{t: t},
		transcripts: &TranscriptStore{t: t},
		snapshots:   newSnapStore(t, nil, dir, viewOpts),
		bundles:     &BundleStore{t: t},
	}, nil
}

// takeLease registers an open export view of the store in dir.
func takeLease(dir string) (string, error) {
	leaseDir := filepath.Join(dir, leaseDirName)
	if err := os.MkdirAll(leaseDir, 0o755); err != nil {
		return "", fmt.Errorf("create export lease: %w", err)
	}
	path := filepath.Join(leaseDir, uuid.NewString()+leaseSuffix)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("create export lease: %w", err)
	}
	return path, nil
}

func dropLease(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove export lease: %w", err)
	}
	return nil
}

// ArtifactMode returns the mode the exporter was opened with.
func (e *Exporter) ArtifactMode() ArtifactMode {
	return e.mode
}

// GetHostKV returns a host.* key. Host keys are not part of export data.
func (e *Exporter) GetHostKV(ctx context.Context, key string) (string, bool, error) {
	if NamespaceOf(key) != NamespaceHost {
		return "", false, storeerr.Validation(key, "GetHostKV only reads host.* keys")
	}
	return e.kv.Get(ctx, key)
}

// GetExportData yields kv.* records, then snapshot, transcript and bundle
// metadata.
func (e *Exporter) GetExportData(ctx context.Context) iter.Seq2[ExportRecord, error] {
	sources := []iter.Seq2[ExportRecord, error]{
		e.kv.exportRecords(ctx),
		e.snapshots.exportRecords(ctx),
		e.transcripts.exportRecords(ctx),
		e.bundles.exportRecords(ctx),
	}
	return func(yield func(ExportRecord, error) bool) {
		for _, seq := range sources {
			for rec, err := range seq {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

// assertComplete checks every sub-store can satisfy mode.
func (e *Exporter) assertComplete(ctx context.Context, mode ArtifactMode) error {
	if err := e.bundles.AssertComplete(ctx, mode); err != nil {
		return err
	}
	if err := e.snapshots.AssertComplete(ctx, mode); err != nil {
		return err
	}
	return e.transcripts.AssertComplete(ctx, mode)
}

// GetArtifactNames yields bundle, snapshot and transcript artifact names
// for the exporter's mode. Except in debug mode, it first fails with an
// IncompleteDataError if the store cannot supply that mode.
func (e *Exporter) GetArtifactNames(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := e.assertComplete(ctx, e.mode); err != nil {
			yield("", err)
			return
		}
		sources := []iter.Seq2[string, error]{
			e.bundles.GetArtifactNames(ctx, e.mode),
			e.snapshots.GetArtifactNames(ctx, e.mode),
			e.transcripts.GetArtifactNames(ctx, e.mode),
		}
		for _, seq := range sources {
			for name, err := range seq {
				if !yield(name, err) || err != nil {
					return
				}
			}
		}
	}
}

// GetArtifact opens the named artifact.
func (e *Exporter) GetArtifact(ctx context.Context, name string) (io.ReadCloser, error) {
	an, err := parseArtifactName(name)
	if err != nil {
		return nil, err
	}
	switch an.Kind {
	case kindBundle:
		return e.bundles.ExportBundle(ctx, name)
	case kindSnapshot:
		return e.snapshots.exportSnapshot(ctx, an)
	default:
		return e.transcripts.exportSpan(ctx, an)
	}
}

// Close ends the read transaction, releases the connection and drops
// the export lease.
func (e *Exporter) Close() error {
	if e.db == nil {
		return nil
	}
	rbErr := e.tx.Rollback()
	err := e.db.Close()
	e.db = nil
	leaseErr := dropLease(e.lease)
	if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return errors.Join(fmt.Errorf("close exporter: %w", rbErr), leaseErr)
	}
	if err != nil {
		return errors.Join(fmt.Errorf("close exporter: %w", err), leaseErr)
	}
	return leaseErr
}
