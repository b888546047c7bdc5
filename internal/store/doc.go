// Package store provides the SQLite-backed swing-store: the durable state
// of one kernel.
//
// A SwingStore is made of four sub-stores sharing one transaction:
//   - KV: ordered string table; host.* and local.* keys are private
//   - Transcripts: per-vat hash-chained delivery log, split into spans
//   - Snapshots: content-addressed gzip blobs of vat heaps
//   - Bundles: content-addressed code bundles (b0 JSON, b1 zip)
//
// # Commit Ordering
//
// Commit finalizes transcript writes and flushes export-data changes,
// then commits SQLite, and only then deletes snapshot blobs staged for
// removal. A crash at any point leaves every current-span and
// current-snapshot pointer resolvable.
//
// # State Sync
//
// An Exporter is a point-in-time read-only view yielding export records
// (small metadata) and artifacts (large payloads) at one of four artifact
// modes: operational, replay, archival and debug. ImportSwingStore
// rebuilds a store from any ExportSource, verifying every artifact
// against its metadata. RepairMetadata reinstalls missing metadata rows
// from an ExportSource.
//
// # Database Configuration
//
//   - WAL mode: exporters read a committed snapshot during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Hashes are computed by internal/digest; bundle IDs by internal/bundle.
package store
