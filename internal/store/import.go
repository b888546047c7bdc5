package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/roach88/swingstore/internal/storeerr"
)

// ImportOptions configures ImportSwingStore.
type ImportOptions struct {
	// ArtifactMode is the fidelity the imported store must satisfy. It
	// defaults to ModeOperational; ModeDebug checks only operational
	// completeness.
	ArtifactMode ArtifactMode

	// Store configures the new store.
	Store Options
}

// contentMetadata is the decoded content-store part of an export.
type contentMetadata struct {
	bundles   []string
	snapshots []snapshotMeta
	spans     []SpanRecord
}

// collectMetadata folds export records for content stores into their
// final values. Later records for a key replace earlier ones and a nil
// value deletes. kv records are passed to onKV, or dropped when onKV is
// nil.
func collectMetadata(ctx context.Context, source ExportSource, onKV func(key string, value *string) error) (map[string]string, error) {
	meta := make(map[string]string)
	for rec, err := range source.GetExportData(ctx) {
		if err != nil {
			return nil, err
		}
		if key, ok := strings.CutPrefix(rec.Key, "kv."); ok {
			if onKV != nil {
				if err := onKV(key, rec.Value); err != nil {
					return nil, err
				}
			}
			continue
		}
		if _, err := parseMetadataKey(rec.Key); err != nil {
			return nil, err
		}
		if rec.Value == nil {
			delete(meta, rec.Key)
		} else {
			meta[rec.Key] = *rec.Value
		}
	}
	return meta, nil
}

// decodeMetadata parses folded metadata records and cross-checks the
// snapshot.<vat>.current pointers against the in-use flags.
func decodeMetadata(meta map[string]string) (contentMetadata, error) {
	var cm contentMetadata
	currents := make(map[string]string)
	inUse := make(map[string]string)

	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		value := meta[key]
		mk, err := parseMetadataKey(key)
		if err != nil {
			return contentMetadata{}, err
		}
		switch mk.Kind {
		case kindBundle:
			if err := decodeBundleRecord(mk, key, value); err != nil {
				return contentMetadata{}, err
			}
			cm.bundles = append(cm.bundles, mk.BundleID)
		case kindSnapshot:
			if mk.Current {
				currents[mk.VatID] = value
				continue
			}
			sm, err := decodeSnapshotMeta(mk, key, value)
			if err != nil {
				return contentMetadata{}, err
			}
			if sm.InUse {
				inUse[sm.VatID] = key
			}
			cm.snapshots = append(cm.snapshots, sm)
		case kindTranscript:
			rec, err := decodeSpanRecord(mk, key, value)
			if err != nil {
				return contentMetadata{}, err
			}
			cm.spans = append(cm.spans, rec)
		}
	}

	for vatID, pointer := range currents {
		if inUse[vatID] != pointer {
			return contentMetadata{}, storeerr.Consistency(currentSnapshotKey(vatID),
				"current snapshot pointer %q does not name an in-use snapshot", pointer)
		}
	}
	for vatID, key := range inUse {
		if _, ok := currents[vatID]; !ok {
			return contentMetadata{}, storeerr.Consistency(key, "in-use snapshot has no current pointer")
		}
	}
	return cm, nil
}

// ImportSwingStore builds a new store in dir from source. Either the
// whole import commits or dir is left without a store.
func ImportSwingStore(ctx context.Context, source ExportSource, dir string, opts ImportOptions) (*SwingStore, error) {
	mode, err := ParseArtifactMode(string(opts.ArtifactMode))
	if err != nil {
		return nil, err
	}
	if IsStore(dir) {
		return nil, storeerr.State(dir, "cannot import into an existing swing-store")
	}

	s, err := Open(dir, opts.Store)
	if err != nil {
		return nil, err
	}
	if err := s.importFrom(ctx, source, mode); err != nil {
		s.log.Warn("swing-store import failed", "dir", dir, "error", err)
		abortErr := s.Abort(ctx)
		closeErr := s.Close()
		removeErr := removeDB(dir)
		return nil, errors.Join(fmt.Errorf("import: %w", err), abortErr, closeErr, removeErr)
	}
	if err := s.Commit(ctx); err != nil {
		s.Close()
		return nil, errors.Join(fmt.Errorf("import: %w", err), removeDB(dir))
	}
	return s, nil
}

// removeDB deletes the database files of a failed import.
func removeDB(dir string) error {
	var errs []error
	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Remove(filepath.Join(dir, dbFileName+suffix))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SwingStore) importFrom(ctx context.Context, source ExportSource, mode ArtifactMode) error {
	kvCount := 0
	meta, err := collectMetadata(ctx, source, func(key string, value *string) error {
		kvCount++
		return s.KV.install(ctx, key, value)
	})
	if err != nil {
		return err
	}
	cm, err := decodeMetadata(meta)
	if err != nil {
		return err
	}
	for _, id := range cm.bundles {
		if err := s.Bundles.installStub(ctx, id); err != nil {
			return err
		}
	}
	for _, sm := range cm.snapshots {
		if err := s.Snapshots.installStub(ctx, sm); err != nil {
			return err
		}
	}
	for _, rec := range cm.spans {
		if err := s.Transcripts.installStub(ctx, rec); err != nil {
			return err
		}
	}

	artifacts := 0
	for name, err := range source.GetArtifactNames(ctx) {
		if err != nil {
			return err
		}
		if err := s.importArtifact(ctx, source, name); err != nil {
			return err
		}
		artifacts++
	}

	if err := s.assertComplete(ctx, ModeOperational); err != nil {
		return err
	}
	if mode == ModeReplay || mode == ModeArchival {
		if err := s.assertComplete(ctx, mode); err != nil {
			return err
		}
	}

	s.log.Info("swing-store imported",
		"mode", mode,
		"kv_records", kvCount,
		"bundles", len(cm.bundles),
		"snapshots", len(cm.snapshots),
		"spans", len(cm.spans),
		"artifacts", artifacts,
	)
	return nil
}

func (s *SwingStore) importArtifact(ctx context.Context, source ExportSource, name string) error {
	an, err := parseArtifactName(name)
	if err != nil {
		return err
	}
	r, err := source.GetArtifact(ctx, name)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", name, err)
	}
	defer r.Close()

	switch an.Kind {
	case kindBundle:
		return s.Bundles.populateBundle(ctx, an, r)
	case kindSnapshot:
		return s.Snapshots.populateSnapshot(ctx, an, r)
	default:
		return s.Transcripts.populateSpan(ctx, an, r)
	}
}

// assertComplete runs every sub-store's completeness check.
func (s *SwingStore) assertComplete(ctx context.Context, mode ArtifactMode) error {
	if err := s.Bundles.AssertComplete(ctx, mode); err != nil {
		return err
	}
	if err := s.Snapshots.AssertComplete(ctx, mode); err != nil {
		return err
	}
	return s.Transcripts.AssertComplete(ctx, mode)
}
