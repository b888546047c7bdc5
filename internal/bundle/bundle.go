package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/roach88/swingstore/internal/digest"
	"github.com/roach88/swingstore/internal/storeerr"
)

// Format identifies a bundle encoding, keyed by the bundle ID prefix.
type Format int

const (
	// FormatB0 is a JSON module bundle addressed by SHA-256 of its text.
	FormatB0 Format = iota

	// FormatB1 is a zip-format bundle addressed by SHA-512 of its bytes.
	FormatB1
)

// String returns the ID prefix of the format, without the dash.
func (f Format) String() string {
	switch f {
	case FormatB0:
		return "b0"
	case FormatB1:
		return "b1"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// digestLen is the hex digest length for each format.
func (f Format) digestLen() int {
	if f == FormatB1 {
		return 128
	}
	return 64
}

// CompartmentMap is the entry every b1 zip must carry.
const CompartmentMap = "compartment-map.json"

// Bundle is a code bundle. The concrete type is B0 or B1.
type Bundle interface {
	// Format reports which ID scheme addresses this bundle.
	Format() Format

	// Bytes returns the stored and transferred representation.
	Bytes() []byte

	isBundle()
}

// B0 is a JSON module bundle, kept as its exact serialized text.
type B0 struct {
	JSON string
}

func (B0) Format() Format { return FormatB0 }
func (b B0) Bytes() []byte { return []byte(b.JSON) }
func (B0) isBundle() {}

// B1 is a zip-format bundle.
type B1 struct {
	Zip []byte
}

func (B1) Format() Format { return FormatB1 }
func (b B1) Bytes() []byte { return b.Zip }
func (B1) isBundle() {}

// ParseID splits a bundle ID into its format and hex digest. Unknown
// prefixes and malformed digests are validation errors.
func ParseID(id string) (Format, string, error) {
	var format Format
	switch {
	case strings.HasPrefix(id, "b0-"):
		format = FormatB0
	case strings.HasPrefix(id, "b1-"):
		format = FormatB1
	default:
		return 0, "", storeerr.Validation(id, "unsupported bundle ID format")
	}

	hexDigest := id[3:]
	if len(hexDigest) != format.digestLen() || !isLowerHex(hexDigest) {
		return 0, "", storeerr.Validation(id, "malformed %s bundle digest", format)
	}
	return format, hexDigest, nil
}

// ComputeID returns the content-addressed ID of b.
func ComputeID(b Bundle) string {
	switch b.Format() {
	case FormatB1:
		return "b1-" + digest.SHA512Hex(b.Bytes())
	default:
		return "b0-" + digest.SHA256Hex(b.Bytes())
	}
}

// Verify checks that b is well formed and that id is its content address.
func Verify(id string, b Bundle) error {
	format, want, err := ParseID(id)
	if err != nil {
		return err
	}
	if b == nil {
		return storeerr.Validation(id, "nil bundle")
	}
	if b.Format() != format {
		return storeerr.Validation(id, "bundle format %s does not match ID prefix", b.Format())
	}
	if err := checkWellFormed(b); err != nil {
		return storeerr.Validation(id, "%v", err)
	}
	got := ComputeID(b)
	if got[3:] != want {
		return storeerr.Consistency(id, "bundle content hash %s does not match ID", got)
	}
	return nil
}

// Decode rebuilds a bundle from its stored bytes, using the ID prefix to
// pick the variant, and verifies it.
func Decode(id string, data []byte) (Bundle, error) {
	format, _, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	var b Bundle
	switch format {
	case FormatB1:
		b = B1{Zip: data}
	default:
		b = B0{JSON: string(data)}
	}
	if err := Verify(id, b); err != nil {
		return nil, err
	}
	return b, nil
}

func checkWellFormed(b Bundle) error {
	switch v := b.(type) {
	case B0:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(v.JSON), &obj); err != nil {
			return fmt.Errorf("b0 bundle is not a JSON object: %w", err)
		}
		var moduleFormat string
		if err := json.Unmarshal(obj["moduleFormat"], &moduleFormat); err != nil || moduleFormat == "" {
			return fmt.Errorf("b0 bundle lacks a moduleFormat")
		}
		return nil
	case B1:
		zr, err := zip.NewReader(bytes.NewReader(v.Zip), int64(len(v.Zip)))
		if err != nil {
			return fmt.Errorf("b1 bundle is not a zip archive: %w", err)
		}
		for _, f := range zr.File {
			if f.Name == CompartmentMap {
				return nil
			}
		}
		return fmt.Errorf("b1 bundle lacks %s", CompartmentMap)
	default:
		return fmt.Errorf("unsupported bundle type %T", b)
	}
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// BuildB1 packs files into a zip-format bundle. files must include
// CompartmentMap. Entries are written in sorted order with a zero
// modification time so equal inputs produce equal bundles.
func BuildB1(files map[string][]byte) (B1, error) {
	if _, ok := files[CompartmentMap]; !ok {
		return B1{}, storeerr.Validation(CompartmentMap, "b1 bundle requires a compartment map")
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return B1{}, fmt.Errorf("build b1 bundle: %w", err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return B1{}, fmt.Errorf("build b1 bundle: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return B1{}, fmt.Errorf("build b1 bundle: %w", err)
	}
	return B1{Zip: buf.Bytes()}, nil
}
