// Package installer runs pip for a slot directory with a bounded duration
// and captured output.
package installer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// maxOutputBytes caps captured pip output.
const maxOutputBytes = 1 << 20 // 1 MB

var (
	// ErrNothingToInstall is returned when a request names neither a file nor packages.
	ErrNothingToInstall = errors.New("no requirements file or packages given")
	// ErrInvalidPackage is returned for package arguments that look like pip options.
	ErrInvalidPackage = errors.New("invalid package name")
)

// Request describes one installation.
type Request struct {
	Dir              string
	RequirementsFile string   // relative to Dir or absolute
	Packages         []string // used when RequirementsFile is empty
	Timeout          time.Duration
}

// Result is the outcome of an installation. A non-zero pip exit or a timeout
// is a result, not an error.
type Result struct {
	Success   bool          `json:"success"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output"`
	Installed []string      `json:"installed,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Installer runs pip as a child process.
type Installer struct {
	pip     string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an installer. Empty pip means "pip"; zero timeout means 300s.
func New(pip string, timeout time.Duration, logger *slog.Logger) *Installer {
	if pip == "" {
		pip = "pip"
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Installer{pip: pip, timeout: timeout, logger: logger}
}

// Install runs pip install in req.Dir.
func (i *Installer) Install(ctx context.Context, req Request) (*Result, error) {
	args := []string{"install"}
	switch {
	case req.RequirementsFile != "":
		args = append(args, "-r", req.RequirementsFile)
	case len(req.Packages) > 0:
		for _, p := range req.Packages {
			if p == "" || strings.HasPrefix(p, "-") {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPackage, p)
			}
		}
		args = append(args, req.Packages...)
	default:
		return nil, ErrNothingToInstall
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, i.pip, args...)
	cmd.Dir = req.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so pip's build subprocesses go too.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	w := &limitedWriter{w: &out, remaining: maxOutputBytes}
	cmd.Stdout = w
	cmd.Stderr = w

	i.logger.InfoContext(ctx, "installing dependencies",
		slog.String("dir", req.Dir),
		slog.Any("args", args),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Duration: time.Since(start), Output: out.String()}

	if runErr != nil {
		if ctx.Err() != nil {
			res.TimedOut = true
			res.ExitCode = -1
			res.Output += fmt.Sprintf("\ninstallation timed out after %s", timeout)
			i.logger.WarnContext(ctx, "dependency installation timed out",
				slog.String("dir", req.Dir),
				slog.Duration("timeout", timeout),
			)
			return res, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", i.pip, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	res.Success = res.ExitCode == 0
	if res.Success {
		res.Installed = ParseInstalled(res.Output)
		if len(res.Installed) == 0 && req.RequirementsFile != "" {
			res.Installed = readRequirements(req.Dir, req.RequirementsFile)
		}
	}

	i.logger.InfoContext(ctx, "dependency installation finished",
		slog.String("dir", req.Dir),
		slog.Bool("success", res.Success),
		slog.Int("exit_code", res.ExitCode),
		slog.Int("installed", len(res.Installed)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// ParseInstalled returns the package list of pip's "Successfully installed" line.
func ParseInstalled(output string) []string {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(strings.ToLower(line), "successfully installed") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 2 {
			return fields[2:]
		}
	}
	return nil
}

func readRequirements(dir, file string) []string {
	if !filepath.IsAbs(file) {
		file = filepath.Join(dir, file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil
	}
	var pkgs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pkgs = append(pkgs, line)
	}
	return pkgs
}

var requirementNames = []string{"requirements.txt", "requirement.txt"}

// FindRequirements returns the requirements file among files (slash-separated,
// relative), preferring one at the root of the tree. Empty if none.
func FindRequirements(files []string) string {
	var nested string
	for _, name := range requirementNames {
		for _, f := range files {
			if f == name {
				return f
			}
			if nested == "" && filepath.Base(filepath.FromSlash(f)) == name {
				nested = f
			}
		}
	}
	return nested
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
