package store

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/roach88/swingstore/internal/digest"
)

// Dump is a comparable summary of a store at one artifact mode: every
// export record and the SHA-256 of every artifact's bytes.
type Dump struct {
	ArtifactMode ArtifactMode      `json:"artifactMode"`
	Data         map[string]string `json:"data"`
	Artifacts    map[string]string `json:"artifacts"`
}

// ArtifactNames returns the dumped artifact names in order.
func (d Dump) ArtifactNames() []string {
	names := make([]string, 0, len(d.Artifacts))
	for name := range d.Artifacts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DataKeys returns the dumped export keys in order.
func (d Dump) DataKeys() []string {
	keys := make([]string, 0, len(d.Data))
	for key := range d.Data {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// DumpStore exports the store in dir at mode and summarizes the result.
func DumpStore(ctx context.Context, dir string, mode ArtifactMode) (Dump, error) {
	exporter, err := MakeExporter(ctx, dir, ExportOptions{ArtifactMode: mode})
	if err != nil {
		return Dump{}, err
	}
	defer exporter.Close()
	return DumpSource(ctx, exporter, exporter.ArtifactMode())
}

// DumpSource summarizes any export source.
func DumpSource(ctx context.Context, src ExportSource, mode ArtifactMode) (Dump, error) {
	d := Dump{ArtifactMode: mode, Data: make(map[string]string), Artifacts: make(map[string]string)}
	for rec, err := range src.GetExportData(ctx) {
		if err != nil {
			return Dump{}, err
		}
		if rec.Value == nil {
			delete(d.Data, rec.Key)
			continue
		}
		d.Data[rec.Key] = *rec.Value
	}
	for name, err := range src.GetArtifactNames(ctx) {
		if err != nil {
			return Dump{}, err
		}
		sum, err := hashArtifact(ctx, src, name)
		if err != nil {
			return Dump{}, err
		}
		d.Artifacts[name] = sum
	}
	return d, nil
}

func hashArtifact(ctx context.Context, src ExportSource, name string) (string, error) {
	r, err := src.GetArtifact(ctx, name)
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", name, err)
	}
	defer r.Close()
	w := digest.NewWriter()
	if _, err := io.Copy(w, r); err != nil {
		return "", fmt.Errorf("read artifact %s: %w", name, err)
	}
	return w.Sum(), nil
}
