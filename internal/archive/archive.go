// Package archive validates uploaded zip archives and unpacks them into a
// slot directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// DefaultMaxEntries bounds the entry count of an archive.
const DefaultMaxEntries = 10000

var (
	// ErrNotAnArchive is returned when the upload is not a zip file.
	ErrNotAnArchive = errors.New("not a zip archive")
	// ErrTooManyEntries is returned when the archive exceeds the entry ceiling.
	ErrTooManyEntries = errors.New("archive has too many entries")
	// ErrCorruptArchive is returned when entry data fails to decode or verify.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrExtract is returned for filesystem errors while writing entries.
	ErrExtract = errors.New("extraction failed")
)

// UnsafePathError reports an entry whose name is absolute, climbs out of the
// destination or is a symlink.
type UnsafePathError struct {
	Entry string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("unsafe path in archive: %q", e.Entry)
}

// Ingestor unpacks archives.
type Ingestor struct {
	maxEntries int
	logger     *slog.Logger
}

// New creates an Ingestor. maxEntries <= 0 uses DefaultMaxEntries.
func New(maxEntries int, logger *slog.Logger) *Ingestor {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Ingestor{maxEntries: maxEntries, logger: logger}
}

// Extract validates every entry of the archive at archivePath, then unpacks
// it into destDir. Nothing is written unless all entries pass validation.
// The returned list comes from walking destDir afterwards and holds
// slash-separated paths relative to it, sorted.
func (in *Ingestor) Extract(ctx context.Context, archivePath, destDir string) ([]string, error) {
	// A reader returned alongside an error only flags insecure names, which
	// validateEntry reports with the offending entry.
	r, err := zip.OpenReader(archivePath)
	if r == nil {
		if errors.Is(err, zip.ErrFormat) {
			return nil, ErrNotAnArchive
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("%w: %v", ErrExtract, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer r.Close()

	if len(r.File) > in.maxEntries {
		return nil, fmt.Errorf("%w: %d entries, limit %d", ErrTooManyEntries, len(r.File), in.maxEntries)
	}
	for _, f := range r.File {
		if err := validateEntry(f); err != nil {
			in.logger.WarnContext(ctx, "archive rejected",
				slog.String("archive", filepath.Base(archivePath)),
				slog.String("entry", f.Name),
			)
			return nil, err
		}
	}

	dest, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtract, err)
	}
	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtract, err)
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := extractEntry(f, dest); err != nil {
			return nil, err
		}
	}

	files, err := ListFiles(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtract, err)
	}

	in.logger.InfoContext(ctx, "archive extracted",
		slog.String("dest", dest),
		slog.Int("entries", len(r.File)),
		slog.Int("files", len(files)),
	)
	return files, nil
}

// ListFiles walks dir and returns every regular file as a slash-separated
// path relative to dir, sorted.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func validateEntry(f *zip.File) error {
	name := strings.ReplaceAll(f.Name, "\\", "/")
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return &UnsafePathError{Entry: f.Name}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return &UnsafePathError{Entry: f.Name}
		}
	}
	if f.Mode()&fs.ModeSymlink != 0 {
		return &UnsafePathError{Entry: f.Name}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	name := strings.ReplaceAll(f.Name, "\\", "/")
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(filepath.Separator)) {
		return &UnsafePathError{Entry: f.Name}
	}

	if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		if err := os.MkdirAll(target, 0750); err != nil {
			return fmt.Errorf("%w: %v", ErrExtract, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrCorruptArchive, f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return fmt.Errorf("%w: writing %s: %v", ErrExtract, f.Name, err)
		}
		return fmt.Errorf("%w: reading %s: %v", ErrCorruptArchive, f.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	return nil
}
