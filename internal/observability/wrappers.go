package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/bothost/internal/llm"
	"github.com/jkaninda/bothost/internal/security"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a model endpoint with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(attribute.String("llm.model", model)),
			trace.WithAttributes(subjectAttributes(ctx)...))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, llm.ErrRateLimited) {
			status = "rate_limited"
		}
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	p.anomaly.RecordModelCall(model, err)
	return resp, err
}

// --- InstrumentedScanner ---

// Scanner is the batch scan surface of security.Gate.
type Scanner interface {
	Scan(ctx context.Context, dir string, files []string, progress security.BatchProgress) map[string]security.ScanResult
}

// InstrumentedScanner wraps a Scanner with verdict counters and a span per scan.
type InstrumentedScanner struct {
	inner   Scanner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedScanner wraps a scanner with observability.
func NewInstrumentedScanner(inner Scanner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedScanner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedScanner{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (s *InstrumentedScanner) Scan(ctx context.Context, dir string, files []string, progress security.BatchProgress) map[string]security.ScanResult {
	subject := security.SubjectFrom(ctx)
	source := string(subject.Source)
	if source == "" {
		source = "unknown"
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "security.scan",
			trace.WithAttributes(subjectAttributes(ctx)...),
			trace.WithAttributes(attribute.Int("scan.files", len(files))))
		defer span.End()
	}

	start := time.Now()
	results := s.inner.Scan(ctx, dir, files, progress)

	malicious := 0
	for _, r := range results {
		if r.Verdict == security.VerdictMalicious {
			malicious++
		}
		if s.metrics != nil {
			s.metrics.ScanFilesTotal.WithLabelValues(string(r.Verdict), source).Inc()
			if r.Unavailable {
				s.metrics.ScanUnavailable.WithLabelValues(source).Inc()
			}
		}
		s.anomaly.RecordScan(source, r.Unavailable)
	}
	if s.metrics != nil {
		s.metrics.ScanDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}
	if s.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("scan.malicious", malicious))
	}
	return results
}

// --- InstrumentedIngestor ---

// Ingestor is the extraction surface of archive.Ingestor.
type Ingestor interface {
	Extract(ctx context.Context, archivePath, destDir string) ([]string, error)
}

// InstrumentedIngestor wraps an Ingestor with extraction metrics.
type InstrumentedIngestor struct {
	inner   Ingestor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedIngestor wraps an ingestor with observability.
func NewInstrumentedIngestor(inner Ingestor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedIngestor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedIngestor{inner: inner, metrics: metrics, tracer: tracer}
}

func (i *InstrumentedIngestor) Extract(ctx context.Context, archivePath, destDir string) ([]string, error) {
	if i.tracer != nil {
		var span trace.Span
		ctx, span = i.tracer.Start(ctx, "archive.extract",
			trace.WithAttributes(subjectAttributes(ctx)...))
		defer span.End()
	}

	start := time.Now()
	files, err := i.inner.Extract(ctx, archivePath, destDir)

	result := "ok"
	if err != nil {
		result = "error"
		if i.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if i.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("archive.files", len(files)))
	}

	if i.metrics != nil {
		i.metrics.ExtractionsTotal.WithLabelValues(result).Inc()
		i.metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	}
	return files, err
}

var (
	_ llm.Provider = (*InstrumentedProvider)(nil)
	_ Scanner      = (*InstrumentedScanner)(nil)
	_ Ingestor     = (*InstrumentedIngestor)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
