package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/roach88/swingstore/internal/bundle"
	"github.com/roach88/swingstore/internal/storeerr"
)

// ExportRecord is one export-data entry. A nil Value means the key was
// deleted.
type ExportRecord struct {
	Key   string
	Value *string
}

// StringPtr returns a pointer to s, for building ExportRecord values.
func StringPtr(s string) *string {
	return &s
}

// ArtifactMode selects how much historical data an export or import
// carries. Each mode is a superset of the one before it.
type ArtifactMode string

const (
	// ModeOperational carries only the current span and snapshot per vat.
	ModeOperational ArtifactMode = "operational"

	// ModeReplay adds every span of each vat's current incarnation.
	ModeReplay ArtifactMode = "replay"

	// ModeArchival adds every historical span and retained snapshot.
	ModeArchival ArtifactMode = "archival"

	// ModeDebug includes whatever is present without asserting
	// completeness first.
	ModeDebug ArtifactMode = "debug"
)

// ArtifactModes lists the modes in fidelity order.
var ArtifactModes = []ArtifactMode{ModeOperational, ModeReplay, ModeArchival, ModeDebug}

// ParseArtifactMode validates a mode name. The empty string selects
// ModeOperational.
func ParseArtifactMode(s string) (ArtifactMode, error) {
	if s == "" {
		return ModeOperational, nil
	}
	for _, m := range ArtifactModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", storeerr.Validation(s, "unknown artifact mode")
}

// DeleteResult reports progress of a budgeted deletion.
type DeleteResult struct {
	Done     bool
	Cleanups int
}

// SpanRecord is the metadata of one transcript span. It is also the JSON
// shape of transcript export records.
type SpanRecord struct {
	VatID       string `json:"vatID"`
	StartPos    int64  `json:"startPos"`
	EndPos      int64  `json:"endPos"`
	Hash        string `json:"hash"`
	IsCurrent   bool   `json:"isCurrent"`
	Incarnation int64  `json:"incarnation"`
}

// SnapshotInfo describes one snapshot record. CompressedSize is zero when
// the blob is not retained.
type SnapshotInfo struct {
	VatID            string
	SnapPos          int64
	Hash             string
	UncompressedSize int64
	CompressedSize   int64
	InUse            bool
	Retained         bool
}

// snapshotMeta is the JSON shape of snapshot export records.
type snapshotMeta struct {
	VatID   string `json:"vatID"`
	SnapPos int64  `json:"snapPos"`
	Hash    string `json:"hash"`
	InUse   bool   `json:"inUse"`
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only plain structs of strings, ints and bools pass through here.
		panic(fmt.Sprintf("encode export record: %v", err))
	}
	return string(data)
}

func spanKey(vatID string, startPos int64) string {
	return fmt.Sprintf("transcript.%s.%d", vatID, startPos)
}

func currentSpanKey(vatID string) string {
	return "transcript." + vatID + ".current"
}

func spanArtifactName(vatID string, startPos, endPos int64) string {
	return fmt.Sprintf("transcript.%s.%d.%d", vatID, startPos, endPos)
}

func snapshotKey(vatID string, snapPos int64) string {
	return fmt.Sprintf("snapshot.%s.%d", vatID, snapPos)
}

func currentSnapshotKey(vatID string) string {
	return "snapshot." + vatID + ".current"
}

func bundleKey(bundleID string) string {
	return "bundle." + bundleID
}

// spanExportKey is the export key of a span: its start position when
// historical, "current" otherwise.
func spanExportKey(rec SpanRecord) string {
	if rec.IsCurrent {
		return currentSpanKey(rec.VatID)
	}
	return spanKey(rec.VatID, rec.StartPos)
}

// checkVatID rejects vat IDs that would make export keys ambiguous.
func checkVatID(vatID string) error {
	if vatID == "" || strings.ContainsAny(vatID, ".\n") || !utf8.ValidString(vatID) {
		return storeerr.Validation(vatID, "invalid vat ID")
	}
	return nil
}

// artifactKind is the store an artifact or export record belongs to.
type artifactKind string

const (
	kindBundle     artifactKind = "bundle"
	kindSnapshot   artifactKind = "snapshot"
	kindTranscript artifactKind = "transcript"
)

// artifactName is a parsed artifact name.
type artifactName struct {
	Kind     artifactKind
	BundleID string
	VatID    string
	SnapPos  int64
	StartPos int64
	EndPos   int64
}

// parseArtifactName parses bundle.<id>, snapshot.<vat>.<pos> and
// transcript.<vat>.<start>.<end>.
func parseArtifactName(name string) (artifactName, error) {
	kind, rest, ok := strings.Cut(name, ".")
	if !ok {
		return artifactName{}, storeerr.Validation(name, "malformed artifact name")
	}
	switch artifactKind(kind) {
	case kindBundle:
		if _, _, err := bundle.ParseID(rest); err != nil {
			return artifactName{}, storeerr.Validation(name, "malformed bundle artifact name")
		}
		return artifactName{Kind: kindBundle, BundleID: rest}, nil
	case kindSnapshot:
		parts := strings.Split(rest, ".")
		if len(parts) != 2 || checkVatID(parts[0]) != nil {
			return artifactName{}, storeerr.Validation(name, "malformed snapshot artifact name")
		}
		pos, err := parsePos(parts[1])
		if err != nil {
			return artifactName{}, storeerr.Validation(name, "malformed snapshot position")
		}
		return artifactName{Kind: kindSnapshot, VatID: parts[0], SnapPos: pos}, nil
	case kindTranscript:
		parts := strings.Split(rest, ".")
		if len(parts) != 3 || checkVatID(parts[0]) != nil {
			return artifactName{}, storeerr.Validation(name, "malformed transcript artifact name")
		}
		start, err1 := parsePos(parts[1])
		end, err2 := parsePos(parts[2])
		if err1 != nil || err2 != nil || end < start {
			return artifactName{}, storeerr.Validation(name, "malformed transcript span bounds")
		}
		return artifactName{Kind: kindTranscript, VatID: parts[0], StartPos: start, EndPos: end}, nil
	default:
		return artifactName{}, storeerr.Validation(name, "unknown artifact kind")
	}
}

// metadataKey is a parsed content-store export key.
type metadataKey struct {
	Kind     artifactKind
	BundleID string
	VatID    string
	Current  bool
	Pos      int64
}

// parseMetadataKey parses bundle.<id>, snapshot.<vat>.<pos|current> and
// transcript.<vat>.<pos|current>.
func parseMetadataKey(key string) (metadataKey, error) {
	kind, rest, ok := strings.Cut(key, ".")
	if !ok {
		return metadataKey{}, storeerr.Validation(key, "malformed export key")
	}
	switch artifactKind(kind) {
	case kindBundle:
		if _, _, err := bundle.ParseID(rest); err != nil {
			return metadataKey{}, storeerr.Validation(key, "malformed bundle export key")
		}
		return metadataKey{Kind: kindBundle, BundleID: rest}, nil
	case kindSnapshot, kindTranscript:
		vatID, pos, ok := strings.Cut(rest, ".")
		if !ok || checkVatID(vatID) != nil {
			return metadataKey{}, storeerr.Validation(key, "malformed export key")
		}
		mk := metadataKey{Kind: artifactKind(kind), VatID: vatID}
		if pos == "current" {
			mk.Current = true
			return mk, nil
		}
		n, err := parsePos(pos)
		if err != nil {
			return metadataKey{}, storeerr.Validation(key, "malformed export key position")
		}
		mk.Pos = n
		return mk, nil
	default:
		return metadataKey{}, storeerr.Validation(key, "unknown export key kind")
	}
}

func parsePos(s string) (int64, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') || strings.Trim(s, "0123456789") != "" {
		return 0, fmt.Errorf("non-canonical position %q", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	return n, nil
}
