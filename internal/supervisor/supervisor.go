// Package supervisor launches hosted processes inside their slot directory,
// streams their merged output and terminates them on demand.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultInterpreter    = "python3"
	defaultMaxLines       = 50
	defaultMaxChars       = 1900
	defaultGracePeriod    = 5 * time.Second
	defaultKillWait       = 2 * time.Second
	defaultUpdateInterval = 3 * time.Second
	defaultLinesPerUpdate = 3

	// maxLineBytes caps a single console line.
	maxLineBytes = 4096
	// lineQueue is how many unread lines may pile up before the child blocks on its pipe.
	lineQueue = 1024
)

var (
	// ErrPathEscape is returned when the entry file resolves outside the working directory.
	ErrPathEscape = errors.New("entry file escapes working directory")
	// ErrProcessSpawnFailed is returned when the child process cannot be started.
	ErrProcessSpawnFailed = errors.New("process spawn failed")
	// ErrProcessStopFailed is returned when the process survives the kill escalation.
	ErrProcessStopFailed = errors.New("process stop failed")
)

// Config configures the supervisor.
type Config struct {
	Interpreter    string
	Env            map[string]string
	MaxLines       int
	MaxChars       int
	GracePeriod    time.Duration
	KillWait       time.Duration
	UpdateInterval time.Duration
	LinesPerUpdate int
}

// Supervisor starts, monitors and stops hosted processes.
type Supervisor struct {
	interpreter    string
	env            map[string]string
	maxLines       int
	maxChars       int
	grace          time.Duration
	killWait       time.Duration
	updateInterval time.Duration
	linesPerUpdate int
	logger         *slog.Logger
}

// New creates a Supervisor, filling zero config values with defaults.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		interpreter:    cfg.Interpreter,
		env:            cfg.Env,
		maxLines:       cfg.MaxLines,
		maxChars:       cfg.MaxChars,
		grace:          cfg.GracePeriod,
		killWait:       cfg.KillWait,
		updateInterval: cfg.UpdateInterval,
		linesPerUpdate: cfg.LinesPerUpdate,
		logger:         logger,
	}
	if s.interpreter == "" {
		s.interpreter = defaultInterpreter
	}
	if s.maxLines <= 0 {
		s.maxLines = defaultMaxLines
	}
	if s.maxChars <= 0 {
		s.maxChars = defaultMaxChars
	}
	if s.grace <= 0 {
		s.grace = defaultGracePeriod
	}
	if s.killWait <= 0 {
		s.killWait = defaultKillWait
	}
	if s.updateInterval <= 0 {
		s.updateInterval = defaultUpdateInterval
	}
	if s.linesPerUpdate <= 0 {
		s.linesPerUpdate = defaultLinesPerUpdate
	}
	return s
}

// GracePeriod returns the configured terminate-to-kill delay.
func (s *Supervisor) GracePeriod() time.Duration { return s.grace }

// Process is a running child process started by the supervisor.
type Process struct {
	EntryFile string
	Dir       string
	StartedAt time.Time

	cmd     *exec.Cmd
	pipe    *os.File
	lines   chan string
	done    chan struct{}
	release chan struct{}
	output  *OutputRingBuffer

	releaseOnce sync.Once

	mu       sync.Mutex
	exitCode int
	stopped  bool
}

// PID returns the OS process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Stopped reports whether the process was terminated through Terminate.
func (p *Process) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Output returns the retained console window.
func (p *Process) Output() *OutputRingBuffer { return p.output }

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL and waits up to killWait. It is a no-op once the process
// has exited.
func (p *Process) Terminate(grace, killWait time.Duration) error {
	if !p.Alive() {
		return nil
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	pgid := -p.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("%w: sending SIGTERM: %v", ErrProcessStopFailed, err)
	}
	if p.wait(grace) {
		return nil
	}

	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("%w: sending SIGKILL: %v", ErrProcessStopFailed, err)
	}
	if p.wait(killWait) {
		return nil
	}
	return fmt.Errorf("%w: pid %d still alive after SIGKILL", ErrProcessStopFailed, p.cmd.Process.Pid)
}

// releaseOutput stops the line reader and closes the read end of the pipe.
func (p *Process) releaseOutput() {
	p.releaseOnce.Do(func() {
		close(p.release)
		p.pipe.Close()
	})
}

func killGroup(pgid int) error {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func (p *Process) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Start launches entryFile with the configured interpreter inside workingDir.
// The entry must be a regular file that resolves, after symlinks, inside
// workingDir; otherwise ErrPathEscape is returned and nothing is spawned.
func (s *Supervisor) Start(ctx context.Context, entryFile, workingDir string) (*Process, error) {
	dir, entry, err := ResolveEntry(entryFile, workingDir)
	if err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating output pipe: %v", ErrProcessSpawnFailed, err)
	}

	cmd := exec.Command(s.interpreter, entry)
	cmd.Dir = dir
	cmd.Env = s.buildEnv(dir)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}
	// The child holds its own copy of the write end.
	w.Close()

	p := &Process{
		EntryFile: entry,
		Dir:       dir,
		StartedAt: time.Now(),
		cmd:       cmd,
		pipe:      r,
		lines:     make(chan string, lineQueue),
		done:      make(chan struct{}),
		release:   make(chan struct{}),
		output:    NewOutputRingBuffer(s.maxLines, s.maxChars),
		exitCode:  -1,
	}

	go s.readLines(p, r)
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()
		// Whatever the entry left behind in its group dies with it.
		if err := killGroup(cmd.Process.Pid); err != nil {
			s.logger.Warn("killing leftover process group",
				slog.Int("pgid", cmd.Process.Pid),
				slog.String("error", err.Error()),
			)
		}
		close(p.done)
	}()

	s.logger.InfoContext(ctx, "process started",
		slog.String("entry", entry),
		slog.String("dir", dir),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("interpreter", s.interpreter),
	)
	return p, nil
}

// Stop terminates the process, escalating to SIGKILL after grace.
// A zero grace uses the configured default.
func (s *Supervisor) Stop(p *Process, grace time.Duration) error {
	if grace <= 0 {
		grace = s.grace
	}
	if !p.Alive() {
		return nil
	}
	err := p.Terminate(grace, s.killWait)
	if err != nil {
		s.logger.Error("process stop failed",
			slog.Int("pid", p.PID()),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Info("process stopped",
		slog.Int("pid", p.PID()),
		slog.Int("exit_code", p.ExitCode()),
	)
	return nil
}

// ResolveEntry canonicalizes workingDir and entryFile and checks that the
// entry is a regular file inside the directory. Relative entries are taken
// relative to workingDir.
func ResolveEntry(entryFile, workingDir string) (dir, entry string, err error) {
	dir, err = filepath.Abs(workingDir)
	if err != nil {
		return "", "", fmt.Errorf("%w: resolving working dir: %v", ErrProcessSpawnFailed, err)
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	} else {
		return "", "", fmt.Errorf("%w: working dir %s: %v", ErrProcessSpawnFailed, workingDir, err)
	}

	entry = entryFile
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}
	entry = filepath.Clean(entry)
	if !Within(dir, entry) {
		return "", "", fmt.Errorf("%w: %s", ErrPathEscape, entryFile)
	}

	resolved, err := filepath.EvalSymlinks(entry)
	if err != nil {
		return "", "", fmt.Errorf("%w: entry file %s: %v", ErrProcessSpawnFailed, entryFile, err)
	}
	if !Within(dir, resolved) {
		return "", "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscape, entryFile, resolved)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", "", fmt.Errorf("%w: entry file %s: %v", ErrProcessSpawnFailed, entryFile, err)
	}
	if !info.Mode().IsRegular() {
		return "", "", fmt.Errorf("%w: entry file %s is not a regular file", ErrProcessSpawnFailed, entryFile)
	}
	return dir, resolved, nil
}

// Within reports whether path equals dir or lies beneath it. Both must be clean.
func Within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// buildEnv copies the host environment and appends configured extras.
func (s *Supervisor) buildEnv(dir string) []string {
	env := os.Environ()
	env = append(env, "PWD="+dir, "PYTHONUNBUFFERED=1")
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	return env
}
