package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// ArchiveSuffix is appended to the artifact name of an archived span.
const ArchiveSuffix = ".gz"

// DirArchiver returns an Options.ArchiveTranscript func that writes each
// closed span to dir as a gzipped <artifact name>.gz file. Files appear
// atomically; a span archived twice keeps its first file.
func DirArchiver(dir string) func(ctx context.Context, name string, r io.Reader) error {
	return func(ctx context.Context, name string, r io.Reader) error {
		if err := checkArtifactFileName(name); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		final := filepath.Join(dir, name+ArchiveSuffix)
		if _, err := os.Stat(final); err == nil {
			return nil
		}

		tmp, err := os.CreateTemp(dir, "tmp-*"+ArchiveSuffix)
		if err != nil {
			return fmt.Errorf("create archive file: %w", err)
		}
		defer os.Remove(tmp.Name())

		gz := gzip.NewWriter(tmp)
		if _, err := io.Copy(gz, r); err != nil {
			tmp.Close()
			return fmt.Errorf("compress %s: %w", name, err)
		}
		if err := gz.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("compress %s: %w", name, err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("sync %s: %w", name, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		if err := os.Rename(tmp.Name(), final); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
		return nil
	}
}

// ReadArchivedSpan opens an archived span written by DirArchiver and
// returns its newline-terminated items.
func ReadArchivedSpan(dir, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(dir, name+ArchiveSuffix))
	if err != nil {
		return nil, fmt.Errorf("open archived span %s: %w", name, err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open archived span %s: %w", name, err)
	}
	return &archivedSpan{Reader: gz, f: f}, nil
}

type archivedSpan struct {
	*gzip.Reader
	f *os.File
}

func (a *archivedSpan) Close() error {
	err := a.Reader.Close()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	return err
}
