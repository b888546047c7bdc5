package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/swingstore/internal/storeerr"
)

const (
	// ManifestFileName is the manifest of an export directory.
	ManifestFileName = "export-manifest.json"

	// DataFileName holds the export data, one JSON [key, value] per line.
	DataFileName = "export-data.jsonl"
)

// Manifest describes an export directory.
type Manifest struct {
	ExportID     string       `json:"exportID"`
	ArtifactMode ArtifactMode `json:"artifactMode"`
	Data         string       `json:"data"`
	Artifacts    [][2]string  `json:"artifacts"`
}

// WriteExportDir writes every export record and artifact of src into
// outDir, which must not exist yet or be empty.
func WriteExportDir(ctx context.Context, src ExportSource, outDir string, mode ArtifactMode) (Manifest, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create export dir: %w", err)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return Manifest{}, fmt.Errorf("read export dir: %w", err)
	}
	if len(entries) > 0 {
		return Manifest{}, storeerr.State(outDir, "export directory is not empty")
	}

	m := Manifest{ExportID: uuid.NewString(), ArtifactMode: mode, Data: DataFileName}
	if err := writeExportData(ctx, src, filepath.Join(outDir, DataFileName)); err != nil {
		return Manifest{}, err
	}

	for name, err := range src.GetArtifactNames(ctx) {
		if err != nil {
			return Manifest{}, err
		}
		if err := checkArtifactFileName(name); err != nil {
			return Manifest{}, err
		}
		if err := copyArtifact(ctx, src, name, filepath.Join(outDir, name)); err != nil {
			return Manifest{}, err
		}
		m.Artifacts = append(m.Artifacts, [2]string{name, name})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, ManifestFileName), append(data, '\n'), 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

func writeExportData(ctx context.Context, src ExportSource, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export data: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for rec, err := range src.GetExportData(ctx) {
		if err != nil {
			f.Close()
			return err
		}
		if err := enc.Encode([]any{rec.Key, rec.Value}); err != nil {
			f.Close()
			return fmt.Errorf("write export record %s: %w", rec.Key, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush export data: %w", err)
	}
	return f.Close()
}

func copyArtifact(ctx context.Context, src ExportSource, name, path string) error {
	r, err := src.GetArtifact(ctx, name)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", name, err)
	}
	defer r.Close()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact file %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return f.Close()
}

// checkArtifactFileName rejects names that cannot be used as a plain file
// name inside the export directory.
func checkArtifactFileName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == ManifestFileName || name == DataFileName {
		return storeerr.Validation(name, "artifact name is not usable as a file name")
	}
	return nil
}

// DirSource reads an export directory written by WriteExportDir.
type DirSource struct {
	dir      string
	manifest Manifest
	files    map[string]string
}

var _ ExportSource = (*DirSource)(nil)

// OpenExportDir reads the manifest in dir.
func OpenExportDir(dir string) (*DirSource, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storeerr.NotFound(dir, "no export manifest")
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, storeerr.Validation(dir, "malformed export manifest: %v", err)
	}
	if _, err := ParseArtifactMode(string(m.ArtifactMode)); err != nil {
		return nil, err
	}
	if err := checkDataFileName(m.Data); err != nil {
		return nil, err
	}
	files := make(map[string]string, len(m.Artifacts))
	for _, a := range m.Artifacts {
		if err := checkArtifactFileName(a[1]); err != nil {
			return nil, err
		}
		files[a[0]] = a[1]
	}
	return &DirSource{dir: dir, manifest: m, files: files}, nil
}

func checkDataFileName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return storeerr.Validation(name, "export data file name is not a plain file name")
	}
	return nil
}

// Manifest returns the parsed manifest.
func (d *DirSource) Manifest() Manifest {
	return d.manifest
}

// GetExportData streams the records of the data file.
func (d *DirSource) GetExportData(ctx context.Context) iter.Seq2[ExportRecord, error] {
	return func(yield func(ExportRecord, error) bool) {
		f, err := os.Open(filepath.Join(d.dir, d.manifest.Data))
		if err != nil {
			yield(ExportRecord{}, fmt.Errorf("open export data: %w", err))
			return
		}
		defer f.Close()

		dec := json.NewDecoder(bufio.NewReader(f))
		for line := 1; ; line++ {
			if err := ctx.Err(); err != nil {
				yield(ExportRecord{}, err)
				return
			}
			var pair []*string
			err := dec.Decode(&pair)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil || len(pair) != 2 || pair[0] == nil {
				yield(ExportRecord{}, storeerr.Validation(fmt.Sprintf("%s:%d", d.manifest.Data, line),
					"export data line must be [key, value]"))
				return
			}
			if !yield(ExportRecord{Key: *pair[0], Value: pair[1]}, nil) {
				return
			}
		}
	}
}

// GetArtifactNames yields the manifest's artifact names in order.
func (d *DirSource) GetArtifactNames(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, a := range d.manifest.Artifacts {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(a[0], nil) {
				return
			}
		}
	}
}

// GetArtifact opens the file of a manifest artifact.
func (d *DirSource) GetArtifact(_ context.Context, name string) (io.ReadCloser, error) {
	file, ok := d.files[name]
	if !ok {
		return nil, storeerr.NotFound(name, "artifact not in export manifest")
	}
	f, err := os.Open(filepath.Join(d.dir, file))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	return f, nil
}
