package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/bothost/internal/config"
	"github.com/jkaninda/bothost/internal/llm"
	"github.com/jkaninda/bothost/internal/security"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.Registry() != nil {
		t.Error("expected nil registry from nil Observability")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil || obs.Registry() != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Registry() == nil {
		t.Fatal("expected a registry when metrics are enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vec metrics only appear in Gather after first use.
	m.LLMRequestsTotal.WithLabelValues("a/model:free", "success").Inc()
	m.ScanFilesTotal.WithLabelValues("normal", "upload").Inc()
	m.ExtractionsTotal.WithLabelValues("ok").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()
	m.ProcessStarted(nil)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"bothost_llm_requests_total",
		"bothost_scan_files_total",
		"bothost_archive_extractions_total",
		"bothost_http_requests_total",
		"bothost_process_starts_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_ProcessStartedNil(t *testing.T) {
	var m *MetricsCollector
	m.ProcessStarted(errors.New("boom"))
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != StatusOK {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_RequiredFailureIsUnavailable(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck(CheckStorage, func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck(CheckWorkspace, WorkspaceCheck(t.TempDir()))

	status := h.CheckReady(context.Background())
	if status.Status != StatusUnavailable {
		t.Errorf("status = %q, want unavailable", status.Status)
	}
	if status.Checks[CheckStorage].Status != "fail" {
		t.Errorf("storage check = %q, want fail", status.Checks[CheckStorage].Status)
	}
	if status.Checks[CheckWorkspace].Status != StatusOK {
		t.Errorf("workspace check = %+v, want ok", status.Checks[CheckWorkspace])
	}
}

func TestHealthChecker_AdvisoryFailureDegrades(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck(CheckWorkspace, WorkspaceCheck(t.TempDir()))
	h.AddAdvisory(CheckClassifier, ClassifierCheck(func() []string { return nil }))

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	r := status.Checks[CheckClassifier]
	if r.Status != "fail" || !r.Advisory || r.Message == "" {
		t.Errorf("classifier check = %+v", r)
	}
}

func TestHealthChecker_ReportsActiveProcesses(t *testing.T) {
	h := NewHealthChecker(nil)
	h.CountProcesses(func() int { return 3 })
	if got := h.CheckHealth().ActiveProcesses; got != 3 {
		t.Errorf("liveness active_processes = %d, want 3", got)
	}
	if got := h.CheckReady(context.Background()).ActiveProcesses; got != 3 {
		t.Errorf("readiness active_processes = %d, want 3", got)
	}
}

func TestWorkspaceCheck(t *testing.T) {
	root := t.TempDir()
	if err := WorkspaceCheck(root)(context.Background()); err != nil {
		t.Fatalf("writable root: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("check left %d files behind", len(entries))
	}

	if err := WorkspaceCheck(filepath.Join(root, "missing"))(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}
	file := filepath.Join(root, "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WorkspaceCheck(file)(context.Background()); err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestClassifierCheck(t *testing.T) {
	ok := ClassifierCheck(func() []string { return []string{"qwen/qwen3-coder:free"} })
	if err := ok(context.Background()); err != nil {
		t.Errorf("configured chain: %v", err)
	}
}

// --- AnomalyDetector ---

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(t *testing.T, cfg *config.AnomalyConfig) (*AnomalyDetector, *fakeClock, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	a := NewAnomalyDetector(cfg, slog.New(slog.NewTextHandler(&buf, nil)))
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a.now = clock.now
	return a, clock, &buf
}

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordModelCall("m", errors.New("boom"))
	a.RecordScan("upload", true)
	a.ObserveDeletion("u", 1, "evil.py")
	if a.Rate(SignalFailOpen) != 0 || a.Deletions("u", 1) != 0 {
		t.Error("nil detector should report nothing")
	}
	if err := a.FailOpenCheck(context.Background()); err != nil {
		t.Errorf("nil detector check: %v", err)
	}
}

func TestAnomalyDetector_FailOpenRate(t *testing.T) {
	a, _, logs := newTestDetector(t, &config.AnomalyConfig{Enabled: true, FailOpenRateThreshold: 0.5})

	for i := 0; i < 4; i++ {
		a.RecordScan("upload", false)
	}
	for i := 0; i < 6; i++ {
		a.RecordScan("upload", true)
	}

	if got := a.Rate(SignalFailOpen); got != 0.6 {
		t.Errorf("Rate = %v, want 0.6", got)
	}
	if got := a.Rate(SignalModelError); got != 0 {
		t.Errorf("Rate(model_error) = %v, want 0", got)
	}
	if n := strings.Count(logs.String(), "files admitted without a classifier verdict"); n != 1 {
		t.Errorf("fail-open warnings = %d, want 1 per window:\n%s", n, logs)
	}
	if err := a.FailOpenCheck(context.Background()); err == nil {
		t.Error("readiness check should fail above threshold")
	}
}

func TestAnomalyDetector_FailOpenNeedsSamples(t *testing.T) {
	a, _, logs := newTestDetector(t, &config.AnomalyConfig{Enabled: true})

	a.RecordScan("watcher", true)
	a.RecordScan("watcher", true)
	if logs.Len() != 0 {
		t.Errorf("warned on too few samples: %s", logs)
	}
	if err := a.FailOpenCheck(context.Background()); err != nil {
		t.Errorf("check failed on too few samples: %v", err)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a, clock, _ := newTestDetector(t, &config.AnomalyConfig{Enabled: true, WindowSeconds: 60})

	for i := 0; i < 5; i++ {
		a.RecordScan("upload", true)
	}
	clock.advance(2 * time.Minute)
	a.RecordScan("upload", false)

	if got := a.Rate(SignalFailOpen); got != 0 {
		t.Errorf("Rate after window = %v, want 0", got)
	}
}

func TestAnomalyDetector_ModelErrorsDisabledByDefault(t *testing.T) {
	a, _, logs := newTestDetector(t, &config.AnomalyConfig{Enabled: true})
	for i := 0; i < 10; i++ {
		a.RecordModelCall("m", errors.New("timeout"))
	}
	if a.Rate(SignalModelError) != 1 {
		t.Errorf("Rate = %v, want 1", a.Rate(SignalModelError))
	}
	if strings.Contains(logs.String(), "model endpoints failing") {
		t.Error("model error warning without a threshold")
	}
}

func TestAnomalyDetector_DeletionBurst(t *testing.T) {
	a, clock, logs := newTestDetector(t, &config.AnomalyConfig{Enabled: true, DeletionThreshold: 3, WindowSeconds: 60})

	a.ObserveDeletion("alice", 1, "a.py")
	a.ObserveDeletion("alice", 1, "b.py")
	a.ObserveDeletion("alice", 2, "c.py")
	if logs.Len() != 0 {
		t.Fatalf("warned below threshold: %s", logs)
	}

	a.ObserveDeletion("alice", 1, "d.py")
	out := logs.String()
	if !strings.Contains(out, "slot keeps writing flagged files") || !strings.Contains(out, "last_file=d.py") {
		t.Errorf("expected deletion anomaly, got:\n%s", out)
	}
	if got := a.Deletions("alice", 1); got != 3 {
		t.Errorf("Deletions(alice, 1) = %d, want 3", got)
	}
	if got := a.Deletions("alice", 2); got != 1 {
		t.Errorf("Deletions(alice, 2) = %d, want 1", got)
	}

	clock.advance(2 * time.Minute)
	if got := a.Deletions("alice", 1); got != 0 {
		t.Errorf("Deletions after window = %d, want 0", got)
	}
}

// --- Tracing attributes ---

func TestSlotAttributes(t *testing.T) {
	attrs := SlotAttributes("alice", 2)
	if len(attrs) != 2 || attrs[0] != AttrUserID.String("alice") || attrs[1] != AttrSlot.Int(2) {
		t.Errorf("SlotAttributes = %v", attrs)
	}
	if attrs := SlotAttributes("alice", 0); len(attrs) != 1 {
		t.Errorf("SlotAttributes without slot = %v", attrs)
	}
}

func TestSubjectAttributes(t *testing.T) {
	if attrs := subjectAttributes(context.Background()); attrs != nil {
		t.Errorf("no subject: %v", attrs)
	}
	ctx := security.WithSubject(context.Background(), security.Subject{UserID: "bob", Slot: 1, Source: security.SourceWatcher})
	attrs := subjectAttributes(ctx)
	want := map[attribute.Key]attribute.Value{
		AttrUserID: attribute.StringValue("bob"),
		AttrSlot:   attribute.IntValue(1),
		AttrSource: attribute.StringValue("watcher"),
	}
	if len(attrs) != len(want) {
		t.Fatalf("attrs = %v", attrs)
	}
	for _, kv := range attrs {
		if want[kv.Key] != kv.Value {
			t.Errorf("%s = %v, want %v", kv.Key, kv.Value.Emit(), want[kv.Key].Emit())
		}
	}
}

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("NewTracerSetup(disabled) = %v, %v", ts, err)
	}
	if ts.Tracer() == nil {
		t.Error("nil setup should hand out a no-op tracer")
	}
}

// --- Route labels ---

func TestRouteLabel_UsesRouteTemplate(t *testing.T) {
	var got string
	r := mux.NewRouter()
	r.HandleFunc("/v1/slots/{slot}/run", func(w http.ResponseWriter, req *http.Request) {
		got = routeLabel(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/slots/2/run", nil))
	if got != "/v1/slots/{slot}/run" {
		t.Errorf("routeLabel = %q", got)
	}
}

func TestRouteLabel_FoldsNumbersWithoutRoute(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/slots/17/env", nil)
	if got := routeLabel(req); got != "/v1/slots/{n}/env" {
		t.Errorf("routeLabel = %q", got)
	}
}

func TestSlotFromPath(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/v1/slots/2/run", 2},
		{"/v1/slots", 0},
		{"/v1/slots/x/run", 0},
		{"/v1/slots/0/run", 0},
		{"/v1/uploads", 0},
	}
	for _, tc := range tests {
		if got := slotFromPath(tc.path); got != tc.want {
			t.Errorf("slotFromPath(%q) = %d, want %d", tc.path, got, tc.want)
		}
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "qwen/qwen3-coder:free",
		resp: &llm.Response{Content: "hello", Usage: llm.Usage{InputTokens: 10, OutputTokens: 20}},
	}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" || inner.called != 1 {
		t.Errorf("content = %q, calls = %d", resp.Content, inner.called)
	}
	if p.Name() != inner.name {
		t.Errorf("Name() = %q", p.Name())
	}

	val := counterValue(t, metrics.Registry, "bothost_llm_requests_total", prometheus.Labels{"model": inner.name, "status": "success"})
	if val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
	val = counterValue(t, metrics.Registry, "bothost_llm_tokens_used_total", prometheus.Labels{"model": inner.name, "direction": "output"})
	if val != 20 {
		t.Errorf("output tokens = %v, want 20", val)
	}
}

func TestInstrumentedProvider_RateLimited(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	inner := &mockProvider{name: "m", err: llm.NewStatusError(429, []byte("slow down"))}

	p := NewInstrumentedProvider(inner, metrics, nil, anomaly)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}

	val := counterValue(t, metrics.Registry, "bothost_llm_requests_total", prometheus.Labels{"model": "m", "status": "rate_limited"})
	if val != 1 {
		t.Errorf("rate_limited requests = %v, want 1", val)
	}
	if got := anomaly.Rate(SignalModelError); got != 1 {
		t.Errorf("model error rate = %v, want 1", got)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	inner := &mockProvider{name: "m", resp: &llm.Response{Content: "ok"}}

	p := NewInstrumentedProvider(inner, nil, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

// --- InstrumentedScanner ---

type fixedScanner struct {
	results map[string]security.ScanResult
}

func (f *fixedScanner) Scan(ctx context.Context, dir string, files []string, progress security.BatchProgress) map[string]security.ScanResult {
	return f.results
}

func TestInstrumentedScanner_CountsVerdictsBySource(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fixedScanner{results: map[string]security.ScanResult{
		"bot.py":  {FilePath: "bot.py", Verdict: security.VerdictNormal},
		"evil.py": {FilePath: "evil.py", Verdict: security.VerdictMalicious},
		"skip.py": {FilePath: "skip.py", Verdict: security.VerdictNormal, Unavailable: true},
	}}

	s := NewInstrumentedScanner(inner, metrics, nil, nil)
	ctx := security.WithSubject(context.Background(), security.Subject{UserID: "u", Slot: 1, Source: security.SourceWatcher})
	got := s.Scan(ctx, t.TempDir(), []string{"bot.py", "evil.py", "skip.py"}, nil)
	if len(got) != 3 {
		t.Fatalf("results = %d, want 3", len(got))
	}

	if v := counterValue(t, metrics.Registry, "bothost_scan_files_total", prometheus.Labels{"verdict": "normal", "source": "watcher"}); v != 2 {
		t.Errorf("normal = %v, want 2", v)
	}
	if v := counterValue(t, metrics.Registry, "bothost_scan_files_total", prometheus.Labels{"verdict": "malicious", "source": "watcher"}); v != 1 {
		t.Errorf("malicious = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "bothost_scan_unavailable_total", prometheus.Labels{"source": "watcher"}); v != 1 {
		t.Errorf("unavailable = %v, want 1", v)
	}
}

func TestInstrumentedScanner_FeedsFailOpenRate(t *testing.T) {
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	inner := &fixedScanner{results: map[string]security.ScanResult{
		"a.py": {FilePath: "a.py", Verdict: security.VerdictNormal},
		"b.py": {FilePath: "b.py", Verdict: security.VerdictNormal, Unavailable: true},
	}}

	NewInstrumentedScanner(inner, nil, nil, anomaly).Scan(context.Background(), "", []string{"a.py", "b.py"}, nil)
	if got := anomaly.Rate(SignalFailOpen); got != 0.5 {
		t.Errorf("fail-open rate = %v, want 0.5", got)
	}
}

func TestInstrumentedScanner_UnknownSource(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fixedScanner{results: map[string]security.ScanResult{
		"a.py": {FilePath: "a.py", Verdict: security.VerdictNormal},
	}}

	NewInstrumentedScanner(inner, metrics, nil, nil).Scan(context.Background(), "", []string{"a.py"}, nil)
	if v := counterValue(t, metrics.Registry, "bothost_scan_files_total", prometheus.Labels{"verdict": "normal", "source": "unknown"}); v != 1 {
		t.Errorf("unknown source count = %v, want 1", v)
	}
}

// --- InstrumentedIngestor ---

type fakeIngestor struct {
	files []string
	err   error
}

func (f *fakeIngestor) Extract(ctx context.Context, archivePath, destDir string) ([]string, error) {
	return f.files, f.err
}

func TestInstrumentedIngestor(t *testing.T) {
	metrics := NewMetricsCollector()

	ok := NewInstrumentedIngestor(&fakeIngestor{files: []string{"main.py"}}, metrics, nil)
	files, err := ok.Extract(context.Background(), "a.zip", t.TempDir())
	if err != nil || len(files) != 1 {
		t.Fatalf("Extract = %v, %v", files, err)
	}

	bad := NewInstrumentedIngestor(&fakeIngestor{err: errors.New("corrupt")}, metrics, nil)
	if _, err := bad.Extract(context.Background(), "b.zip", t.TempDir()); err == nil {
		t.Fatal("expected error")
	}

	if v := counterValue(t, metrics.Registry, "bothost_archive_extractions_total", prometheus.Labels{"result": "ok"}); v != 1 {
		t.Errorf("ok extractions = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "bothost_archive_extractions_total", prometheus.Labels{"result": "error"}); v != 1 {
		t.Errorf("failed extractions = %v, want 1", v)
	}
}

func TestStatusCode(t *testing.T) {
	if got := statusCode(404); got != "404" {
		t.Errorf("statusCode(404) = %q", got)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
