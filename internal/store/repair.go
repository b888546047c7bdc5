package store

import (
	"context"
	"errors"
	"fmt"
)

// RepairMetadata reinstalls bundle, snapshot and transcript metadata rows
// that are missing from s, taking them from source. An existing row that
// disagrees with source is a ConsistencyError. kv records and artifacts
// are ignored. It returns how many rows were installed, which is zero
// when run again with the same source.
//
// The repair joins the current uncommitted transaction and the caller
// commits it. A failed repair calls Abort: every write made since the
// last Commit is rolled back, including the caller's own pending writes
// that have nothing to do with the repair. Commit before repairing to
// keep them.
func (s *SwingStore) RepairMetadata(ctx context.Context, source ExportSource) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	installed, err := s.repairFrom(ctx, source)
	if err != nil {
		return 0, errors.Join(fmt.Errorf("repair metadata: %w", err), s.Abort(ctx))
	}
	s.log.Info("swing-store metadata repaired", "installed", installed)
	return installed, nil
}

func (s *SwingStore) repairFrom(ctx context.Context, source ExportSource) (int, error) {
	meta, err := collectMetadata(ctx, source, nil)
	if err != nil {
		return 0, err
	}
	cm, err := decodeMetadata(meta)
	if err != nil {
		return 0, err
	}

	installed := 0
	count := func(ok bool, err error) error {
		if ok {
			installed++
		}
		return err
	}
	for _, id := range cm.bundles {
		if err := count(s.Bundles.repairBundle(ctx, id)); err != nil {
			return 0, err
		}
	}
	for _, sm := range cm.snapshots {
		if err := count(s.Snapshots.repairSnapshot(ctx, sm)); err != nil {
			return 0, err
		}
	}
	for _, rec := range cm.spans {
		if err := count(s.Transcripts.repairSpan(ctx, rec)); err != nil {
			return 0, err
		}
	}

	if err := s.assertComplete(ctx, ModeOperational); err != nil {
		return 0, err
	}
	return installed, nil
}
