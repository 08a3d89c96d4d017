package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Readiness states. Degraded still serves traffic; unavailable does not.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Check names registered by the serve command.
const (
	CheckStorage    = "storage"
	CheckWorkspace  = "workspace"
	CheckClassifier = "classifier"
	CheckFailOpen   = "scan_fail_open"
)

// HealthChecker aggregates readiness of the control plane: the store, the
// slot directory root and the classifier chain.
type HealthChecker struct {
	mu      sync.Mutex
	checks  []HealthCheck
	running func() int
	logger  *slog.Logger
}

// HealthCheck is a named dependency check. An advisory check that fails
// degrades readiness without taking the instance out of service.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Advisory bool
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status          string                 `json:"status"`
	ActiveProcesses int                    `json:"active_processes"`
	Checks          map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status     string `json:"status"` // "ok" or "fail"
	Message    string `json:"message,omitempty"`
	Advisory   bool   `json:"advisory,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a check whose failure makes the instance unavailable.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check})
}

// AddAdvisory registers a check whose failure only degrades readiness.
func (h *HealthChecker) AddAdvisory(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check, Advisory: true})
}

func (h *HealthChecker) add(c HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CountProcesses sets the source of the active process count reported by
// both endpoints.
func (h *HealthChecker) CountProcesses(fn func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = fn
}

// CheckHealth returns liveness. It never runs dependency checks.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK, ActiveProcesses: h.activeProcesses()}
}

// CheckReady runs all registered checks concurrently, each bounded by its
// own timeout.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.Unlock()

	status := HealthStatus{Status: StatusOK, ActiveProcesses: h.activeProcesses()}
	if len(checks) == 0 {
		return status
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}()
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		r := results[i]
		status.Checks[c.Name] = r
		if r.Status == StatusOK {
			continue
		}
		switch {
		case !c.Advisory:
			status.Status = StatusUnavailable
		case status.Status == StatusOK:
			status.Status = StatusDegraded
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.Bool("advisory", c.Advisory),
				slog.String("error", r.Message),
			)
		}
	}
	return status
}

func runCheck(ctx context.Context, c HealthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(checkCtx)
	r := CheckResult{Status: StatusOK, Advisory: c.Advisory, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		r.Status = "fail"
		r.Message = err.Error()
	}
	return r
}

func (h *HealthChecker) activeProcesses() int {
	h.mu.Lock()
	fn := h.running
	h.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// WorkspaceCheck verifies that the slot directory root exists and accepts
// new files.
func WorkspaceCheck(root string) func(ctx context.Context) error {
	return func(_ context.Context) error {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("workspace root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace root %s is not a directory", root)
		}
		f, err := os.CreateTemp(root, ".readyz-*")
		if err != nil {
			return fmt.Errorf("workspace root not writable: %w", err)
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}
}

// ClassifierCheck fails while the chain has no models, which leaves every
// delivered file admitted unscanned.
func ClassifierCheck(models func() []string) func(ctx context.Context) error {
	return func(_ context.Context) error {
		if len(models()) == 0 {
			return errors.New("no classifier models configured, files are admitted unscanned")
		}
		return nil
	}
}
