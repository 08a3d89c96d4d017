package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/bothost/internal/config"
)

// Rate signals tracked by the detector.
const (
	// SignalModelError counts failed calls to a model endpoint.
	SignalModelError = "model_error"
	// SignalFailOpen counts files admitted because no model returned a verdict.
	SignalFailOpen = "scan_fail_open"
)

// minSamples keeps a single early failure from reading as a 100% rate.
const minSamples = 5

var signalMessages = map[string]string{
	SignalModelError: "anomaly detected: model endpoints failing",
	SignalFailOpen:   "anomaly detected: files admitted without a classifier verdict",
}

// AnomalyDetector warns when the classifier chain starts failing open and
// when a running slot keeps writing files the watcher has to delete. Each
// anomaly is logged at most once per window.
type AnomalyDetector struct {
	mu            sync.Mutex
	window        time.Duration
	thresholds    map[string]float64
	deletionLimit int
	outcomes      map[string]*outcomes
	deletions     map[slotKey][]time.Time
	warned        map[string]time.Time
	now           func() time.Time
	logger        *slog.Logger
}

type outcomes struct {
	total  []time.Time
	failed []time.Time
}

type slotKey struct {
	userID string
	slot   int
}

// NewAnomalyDetector creates a detector from config. A zero
// ErrorRateThreshold disables the model error signal.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var errorRate float64
	if cfg != nil {
		errorRate = cfg.ErrorRateThreshold
	}
	return &AnomalyDetector{
		window: cfg.Window(),
		thresholds: map[string]float64{
			SignalModelError: errorRate,
			SignalFailOpen:   cfg.FailOpenRate(),
		},
		deletionLimit: cfg.Deletions(),
		outcomes:      make(map[string]*outcomes),
		deletions:     make(map[slotKey][]time.Time),
		warned:        make(map[string]time.Time),
		now:           time.Now,
		logger:        logger,
	}
}

// RecordModelCall notes the outcome of one model endpoint call.
func (a *AnomalyDetector) RecordModelCall(model string, err error) {
	if a == nil {
		return
	}
	a.record(SignalModelError, err != nil, slog.String("model", model))
}

// RecordScan notes one classified file. unscanned is true when the verdict
// is the fail-open default rather than a model answer.
func (a *AnomalyDetector) RecordScan(source string, unscanned bool) {
	if a == nil {
		return
	}
	a.record(SignalFailOpen, unscanned, slog.String("source", source))
}

func (a *AnomalyDetector) record(signal string, failed bool, attrs ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.window)
	o := a.outcomes[signal]
	if o == nil {
		o = &outcomes{}
		a.outcomes[signal] = o
	}
	o.total = append(prune(o.total, cutoff), now)
	o.failed = prune(o.failed, cutoff)
	if !failed {
		return
	}
	o.failed = append(o.failed, now)

	threshold := a.thresholds[signal]
	if threshold <= 0 || len(o.total) < minSamples {
		return
	}
	rate := float64(len(o.failed)) / float64(len(o.total))
	if rate <= threshold || !a.due(signal, now) {
		return
	}
	attrs = append(attrs,
		slog.Float64("rate", rate),
		slog.Float64("threshold", threshold),
		slog.Int("failed", len(o.failed)),
		slog.Int("total", len(o.total)),
		slog.Duration("window", a.window),
	)
	a.logger.LogAttrs(context.Background(), slog.LevelWarn, signalMessages[signal], attrs...)
}

// Rate returns the failure share of a signal within the window.
func (a *AnomalyDetector) Rate(signal string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o := a.outcomes[signal]
	if o == nil {
		return 0
	}
	cutoff := a.now().Add(-a.window)
	o.total = prune(o.total, cutoff)
	o.failed = prune(o.failed, cutoff)
	if len(o.total) == 0 {
		return 0
	}
	return float64(len(o.failed)) / float64(len(o.total))
}

// ObserveDeletion notes that the watcher removed a flagged file from a
// running slot.
func (a *AnomalyDetector) ObserveDeletion(userID string, slot int, file string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	k := slotKey{userID: userID, slot: slot}
	d := append(prune(a.deletions[k], now.Add(-a.window)), now)
	a.deletions[k] = d
	if len(d) < a.deletionLimit || !a.due("deletions:"+userID+":"+strconv.Itoa(slot), now) {
		return
	}
	a.logger.Warn("anomaly detected: slot keeps writing flagged files",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.Int("deletions", len(d)),
		slog.String("last_file", file),
		slog.Duration("window", a.window),
	)
}

// Deletions returns how many files the watcher removed from a slot within
// the window.
func (a *AnomalyDetector) Deletions(userID string, slot int) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	k := slotKey{userID: userID, slot: slot}
	d := prune(a.deletions[k], a.now().Add(-a.window))
	if len(d) == 0 {
		delete(a.deletions, k)
		return 0
	}
	a.deletions[k] = d
	return len(d)
}

// FailOpenCheck is a readiness check that fails while the share of files
// admitted unscanned is above threshold.
func (a *AnomalyDetector) FailOpenCheck(_ context.Context) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	threshold := a.thresholds[SignalFailOpen]
	samples := 0
	if o := a.outcomes[SignalFailOpen]; o != nil {
		samples = len(prune(o.total, a.now().Add(-a.window)))
	}
	a.mu.Unlock()

	if samples < minSamples {
		return nil
	}
	if rate := a.Rate(SignalFailOpen); rate > threshold {
		return fmt.Errorf("%.0f%% of recently scanned files had no classifier verdict", rate*100)
	}
	return nil
}

// due reports whether key may warn again, and marks it warned.
// Must be called with a.mu held.
func (a *AnomalyDetector) due(key string, now time.Time) bool {
	if last, ok := a.warned[key]; ok && now.Sub(last) < a.window {
		return false
	}
	a.warned[key] = now
	return true
}

// prune drops timestamps before cutoff. ts is in ascending order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
