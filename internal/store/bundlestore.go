package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/roach88/swingstore/internal/bundle"
	"github.com/roach88/swingstore/internal/storeerr"
)

// BundleStore holds code bundles keyed by their content address.
type BundleStore struct {
	t       *txn
	exports *exportLog
}

// AddBundle stores b under bundleID after verifying that bundleID is its
// content address. Adding the same bundle twice is a no-op.
func (bs *BundleStore) AddBundle(ctx context.Context, bundleID string, b bundle.Bundle) error {
	if err := bundle.Verify(bundleID, b); err != nil {
		return err
	}
	q, err := bs.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO bundles (bundleID, bundle) VALUES (?, ?)
		ON CONFLICT(bundleID) DO UPDATE SET bundle = excluded.bundle
	`, bundleID, b.Bytes()); err != nil {
		return fmt.Errorf("add bundle %s: %w", bundleID, err)
	}
	return bs.exports.noteSet(ctx, bundleKey(bundleID), bundleID)
}

// raw returns the stored bytes of bundleID. ok is false when there is no
// row; data is nil for an unpopulated import stub.
func (bs *BundleStore) raw(ctx context.Context, bundleID string) (data []byte, ok bool, err error) {
	err = bs.t.q().QueryRowContext(ctx,
		`SELECT bundle FROM bundles WHERE bundleID = ?`, bundleID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query bundle %s: %w", bundleID, err)
	}
	return data, true, nil
}

// HasBundle reports whether bundleID is stored with content.
func (bs *BundleStore) HasBundle(ctx context.Context, bundleID string) (bool, error) {
	if _, _, err := bundle.ParseID(bundleID); err != nil {
		return false, err
	}
	data, ok, err := bs.raw(ctx, bundleID)
	return ok && data != nil, err
}

// GetBundle returns the bundle stored under bundleID, re-verified.
func (bs *BundleStore) GetBundle(ctx context.Context, bundleID string) (bundle.Bundle, error) {
	if _, _, err := bundle.ParseID(bundleID); err != nil {
		return nil, err
	}
	data, ok, err := bs.raw(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if !ok || data == nil {
		return nil, storeerr.NotFound(bundleID, "no such bundle")
	}
	return bundle.Decode(bundleID, data)
}

// DeleteBundle removes bundleID. Deleting an absent bundle is a no-op.
func (bs *BundleStore) DeleteBundle(ctx context.Context, bundleID string) error {
	if _, _, err := bundle.ParseID(bundleID); err != nil {
		return err
	}
	if _, ok, err := bs.raw(ctx, bundleID); err != nil || !ok {
		return err
	}
	q, err := bs.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM bundles WHERE bundleID = ?`, bundleID); err != nil {
		return fmt.Errorf("delete bundle %s: %w", bundleID, err)
	}
	return bs.exports.noteDelete(ctx, bundleKey(bundleID))
}

// GetBundleIDs iterates every bundle ID in order.
func (bs *BundleStore) GetBundleIDs(ctx context.Context) iter.Seq2[string, error] {
	return bs.ids(ctx, false)
}

// ids pages through bundle IDs, optionally only those with content.
func (bs *BundleStore) ids(ctx context.Context, populatedOnly bool) iter.Seq2[string, error] {
	query := `SELECT bundleID FROM bundles WHERE bundleID > ? ORDER BY bundleID LIMIT ?`
	if populatedOnly {
		query = `SELECT bundleID FROM bundles WHERE bundleID > ? AND bundle IS NOT NULL ORDER BY bundleID LIMIT ?`
	}
	return func(yield func(string, error) bool) {
		last := ""
		for {
			page, err := bs.idPage(ctx, query, last)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			if len(page) < kvPageSize {
				return
			}
			last = page[len(page)-1]
		}
	}
}

func (bs *BundleStore) idPage(ctx context.Context, query, last string) ([]string, error) {
	rows, err := bs.t.q().QueryContext(ctx, query, last, kvPageSize)
	if err != nil {
		return nil, fmt.Errorf("query bundle ids: %w", err)
	}
	defer rows.Close()
	var page []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bundle id: %w", err)
		}
		page = append(page, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bundle ids: %w", err)
	}
	return page, nil
}

// AssertComplete fails with an IncompleteDataError if a bundle row has no
// content. Every mode carries every bundle; debug mode requires nothing.
func (bs *BundleStore) AssertComplete(ctx context.Context, mode ArtifactMode) error {
	if mode == ModeDebug {
		return nil
	}
	var missing string
	err := bs.t.q().QueryRowContext(ctx,
		`SELECT bundleID FROM bundles WHERE bundle IS NULL ORDER BY bundleID LIMIT 1`).Scan(&missing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check bundles: %w", err)
	}
	return storeerr.IncompleteData(bundleKey(missing), "bundle content missing")
}

// GetArtifactNames yields bundle.<id> for every bundle with content.
func (bs *BundleStore) GetArtifactNames(ctx context.Context, _ ArtifactMode) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for id, err := range bs.ids(ctx, true) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(bundleKey(id), nil) {
				return
			}
		}
	}
}

// exportRecords yields bundle.<id> = <id> for every bundle.
func (bs *BundleStore) exportRecords(ctx context.Context) iter.Seq2[ExportRecord, error] {
	return func(yield func(ExportRecord, error) bool) {
		for id, err := range bs.ids(ctx, false) {
			if err != nil {
				yield(ExportRecord{}, err)
				return
			}
			if !yield(ExportRecord{Key: bundleKey(id), Value: StringPtr(id)}, nil) {
				return
			}
		}
	}
}

// ExportBundle opens the artifact stream of bundle.<id>: the JSON text
// of a b0 bundle or the zip bytes of a b1 bundle.
func (bs *BundleStore) ExportBundle(ctx context.Context, name string) (io.ReadCloser, error) {
	an, err := parseArtifactName(name)
	if err != nil {
		return nil, err
	}
	if an.Kind != kindBundle {
		return nil, storeerr.Validation(name, "not a bundle artifact")
	}
	b, err := bs.GetBundle(ctx, an.BundleID)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b.Bytes())), nil
}

// ImportBundle reads a bundle artifact and stores it under bundleID after
// verification. name must be bundle.<bundleID>.
func (bs *BundleStore) ImportBundle(ctx context.Context, name string, r io.Reader, bundleID string) error {
	if name != bundleKey(bundleID) {
		return storeerr.Validation(name, "artifact name does not match bundle %s", bundleID)
	}
	b, err := readBundle(bundleID, r)
	if err != nil {
		return err
	}
	return bs.AddBundle(ctx, bundleID, b)
}

func readBundle(bundleID string, r io.Reader) (bundle.Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", bundleID, err)
	}
	return bundle.Decode(bundleID, data)
}

// decodeBundleRecord checks a bundle.<id> export record.
func decodeBundleRecord(mk metadataKey, key, value string) error {
	if value != mk.BundleID {
		return storeerr.Validation(key, "bundle record value must be its ID")
	}
	return nil
}

// installStub inserts an imported bundle row with no content.
func (bs *BundleStore) installStub(ctx context.Context, bundleID string) error {
	q, err := bs.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO bundles (bundleID, bundle) VALUES (?, NULL)`, bundleID); err != nil {
		return fmt.Errorf("insert bundle stub %s: %w", bundleID, err)
	}
	return nil
}

// populateBundle fills an import stub from its artifact.
func (bs *BundleStore) populateBundle(ctx context.Context, name artifactName, r io.Reader) error {
	id := name.BundleID
	data, ok, err := bs.raw(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return storeerr.Consistency(bundleKey(id), "bundle artifact has no matching metadata")
	}
	if data != nil {
		return storeerr.State(bundleKey(id), "bundle already populated")
	}
	b, err := readBundle(id, r)
	if err != nil {
		return err
	}
	q, err := bs.t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE bundles SET bundle = ? WHERE bundleID = ?`, b.Bytes(), id); err != nil {
		return fmt.Errorf("populate bundle %s: %w", id, err)
	}
	return nil
}

// repairBundle installs a stub for a missing bundle row. Bundle metadata
// is the ID itself, so an existing row always agrees.
func (bs *BundleStore) repairBundle(ctx context.Context, bundleID string) (bool, error) {
	if _, ok, err := bs.raw(ctx, bundleID); err != nil || ok {
		return false, err
	}
	if err := bs.installStub(ctx, bundleID); err != nil {
		return false, err
	}
	return true, nil
}
