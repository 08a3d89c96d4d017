package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type entry struct {
	name    string
	content string
}

func writeZip(t *testing.T, entries []entry, method uint16) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: e.name, Method: method})
		if err != nil {
			t.Fatalf("creating entry %s: %v", e.name, err)
		}
		if _, err := fw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "upload.zip")
	if err := os.WriteFile(p, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func assertEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("destination not empty: %d entries", len(entries))
	}
}

func TestExtract_ThreeFiles(t *testing.T) {
	archive := writeZip(t, []entry{
		{"main.py", "print('hi')\n"},
		{"requirements.txt", "requests\n"},
		{"lib/util.py", "def f(): pass\n"},
	}, zip.Deflate)
	dest := filepath.Join(t.TempDir(), "bot_1")

	files, err := New(0, discardLogger()).Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"lib/util.py", "main.py", "requirements.txt"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("files = %v, want %v", files, want)
	}
	data, err := os.ReadFile(filepath.Join(dest, "lib", "util.py"))
	if err != nil || string(data) != "def f(): pass\n" {
		t.Errorf("util.py = %q, %v", data, err)
	}
}

func TestExtract_DirectoryEntries(t *testing.T) {
	archive := writeZip(t, []entry{{"src/", ""}, {"src/app.py", "x"}}, zip.Deflate)
	dest := t.TempDir()

	files, err := New(0, discardLogger()).Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 || files[0] != "src/app.py" {
		t.Errorf("files = %v", files)
	}
}

func TestExtract_UnsafePaths(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"parent segment", "../evil"},
		{"nested parent", "a/../../evil.py"},
		{"absolute", "/etc/cron.d/evil"},
		{"backslash parent", "..\\evil"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			archive := writeZip(t, []entry{{"ok.py", "x"}, {tc.entry, "boom"}}, zip.Deflate)
			dest := filepath.Join(t.TempDir(), "bot_1")

			_, err := New(0, discardLogger()).Extract(context.Background(), archive, dest)
			var unsafe *UnsafePathError
			if !errors.As(err, &unsafe) {
				t.Fatalf("expected UnsafePathError, got %v", err)
			}
			if unsafe.Entry != tc.entry {
				t.Errorf("Entry = %q, want %q", unsafe.Entry, tc.entry)
			}
			// Validation happens before any write, including ok.py.
			assertEmpty(t, dest)
		})
	}
}

func TestExtract_TooManyEntries(t *testing.T) {
	entries := make([]entry, DefaultMaxEntries+1)
	for i := range entries {
		entries[i] = entry{name: fmt.Sprintf("f%05d.txt", i)}
	}
	archive := writeZip(t, entries, zip.Store)
	dest := filepath.Join(t.TempDir(), "bot_1")

	_, err := New(0, discardLogger()).Extract(context.Background(), archive, dest)
	if !errors.Is(err, ErrTooManyEntries) {
		t.Fatalf("expected ErrTooManyEntries, got %v", err)
	}
	assertEmpty(t, dest)
}

func TestExtract_CustomEntryLimit(t *testing.T) {
	archive := writeZip(t, []entry{{"a", ""}, {"b", ""}, {"c", ""}}, zip.Store)
	_, err := New(2, discardLogger()).Extract(context.Background(), archive, t.TempDir())
	if !errors.Is(err, ErrTooManyEntries) {
		t.Fatalf("expected ErrTooManyEntries, got %v", err)
	}
}

func TestExtract_NotAnArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "upload.zip")
	os.WriteFile(p, []byte("this is plainly not a zip file, just some text"), 0600)

	_, err := New(0, discardLogger()).Extract(context.Background(), p, t.TempDir())
	if !errors.Is(err, ErrNotAnArchive) {
		t.Fatalf("expected ErrNotAnArchive, got %v", err)
	}
}

func TestExtract_MissingFile(t *testing.T) {
	_, err := New(0, discardLogger()).Extract(context.Background(), filepath.Join(t.TempDir(), "nope.zip"), t.TempDir())
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("expected ErrExtract, got %v", err)
	}
}

func TestExtract_CorruptData(t *testing.T) {
	const content = "hello-world-content-that-will-be-damaged"
	archive := writeZip(t, []entry{{"main.py", content}}, zip.Store)

	data, _ := os.ReadFile(archive)
	idx := bytes.Index(data, []byte(content))
	if idx < 0 {
		t.Fatal("stored content not found in archive")
	}
	data[idx] ^= 0xFF
	os.WriteFile(archive, data, 0600)

	_, err := New(0, discardLogger()).Extract(context.Background(), archive, t.TempDir())
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("expected ErrCorruptArchive, got %v", err)
	}
}

func TestListFiles_ReflectsDisk(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "a", "b"), 0750)
	os.WriteFile(filepath.Join(dir, "a", "b", "c.py"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "z.txt"), nil, 0644)

	files, err := ListFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(files, ",") != "a/b/c.py,z.txt" {
		t.Errorf("files = %v", files)
	}
}
