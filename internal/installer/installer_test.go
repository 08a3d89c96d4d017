package installer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePip writes an executable shell script standing in for pip.
func fakePip(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pip")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInstall_Requirements(t *testing.T) {
	pip := fakePip(t, `echo "args: $*"; echo "Successfully installed requests-2.31.0 idna-3.6"`)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("requests\n"), 0644)

	res, err := New(pip, 0, discardLogger()).Install(context.Background(), Request{Dir: dir, RequirementsFile: "requirements.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "args: install -r requirements.txt") {
		t.Errorf("output = %q", res.Output)
	}
	if len(res.Installed) != 2 || res.Installed[0] != "requests-2.31.0" {
		t.Errorf("Installed = %v", res.Installed)
	}
}

func TestInstall_FallsBackToRequirementsLines(t *testing.T) {
	pip := fakePip(t, `echo "Requirement already satisfied"`)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("# deps\nflask\n\nrequests>=2\n"), 0644)

	res, err := New(pip, 0, discardLogger()).Install(context.Background(), Request{Dir: dir, RequirementsFile: "requirements.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(res.Installed, ",") != "flask,requests>=2" {
		t.Errorf("Installed = %v", res.Installed)
	}
}

func TestInstall_Packages(t *testing.T) {
	pip := fakePip(t, `echo "$*"`)
	res, err := New(pip, 0, discardLogger()).Install(context.Background(), Request{Dir: t.TempDir(), Packages: []string{"numpy", "pandas"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Output) != "install numpy pandas" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestInstall_Failure(t *testing.T) {
	pip := fakePip(t, `echo "ERROR: No matching distribution" >&2; exit 1`)
	res, err := New(pip, 0, discardLogger()).Install(context.Background(), Request{Dir: t.TempDir(), Packages: []string{"nope"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.ExitCode != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "No matching distribution") {
		t.Errorf("stderr not captured: %q", res.Output)
	}
}

func TestInstall_Timeout(t *testing.T) {
	pip := fakePip(t, `sleep 10`)
	start := time.Now()
	res, err := New(pip, 0, discardLogger()).Install(context.Background(), Request{
		Dir:      t.TempDir(),
		Packages: []string{"slow"},
		Timeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || !res.TimedOut {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Errorf("output = %q", res.Output)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the installer")
	}
}

func TestInstall_Errors(t *testing.T) {
	inst := New(filepath.Join(t.TempDir(), "missing-pip"), 0, discardLogger())
	if _, err := inst.Install(context.Background(), Request{Dir: t.TempDir(), Packages: []string{"x"}}); err == nil {
		t.Error("expected error for missing pip binary")
	}
	if _, err := inst.Install(context.Background(), Request{Dir: t.TempDir()}); !errors.Is(err, ErrNothingToInstall) {
		t.Errorf("err = %v, want ErrNothingToInstall", err)
	}
	if _, err := inst.Install(context.Background(), Request{Dir: t.TempDir(), Packages: []string{"--index-url=http://evil"}}); !errors.Is(err, ErrInvalidPackage) {
		t.Errorf("err = %v, want ErrInvalidPackage", err)
	}
}

func TestParseInstalled(t *testing.T) {
	out := "Collecting x\nSuccessfully installed a-1 b-2\n"
	if got := ParseInstalled(out); len(got) != 2 || got[1] != "b-2" {
		t.Errorf("ParseInstalled = %v", got)
	}
	if got := ParseInstalled("nothing"); got != nil {
		t.Errorf("ParseInstalled = %v, want nil", got)
	}
}

func TestFindRequirements(t *testing.T) {
	tests := []struct {
		files []string
		want  string
	}{
		{[]string{"main.py", "requirements.txt"}, "requirements.txt"},
		{[]string{"requirement.txt"}, "requirement.txt"},
		{[]string{"app/requirements.txt", "requirements.txt"}, "requirements.txt"},
		{[]string{"app/requirements.txt", "main.py"}, "app/requirements.txt"},
		{[]string{"main.py"}, ""},
	}
	for _, tc := range tests {
		if got := FindRequirements(tc.files); got != tc.want {
			t.Errorf("FindRequirements(%v) = %q, want %q", tc.files, got, tc.want)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, remaining: 4}
	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	w.Write([]byte("more"))
	if buf.String() != "abcd" {
		t.Errorf("buffer = %q", buf.String())
	}
}
