package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/bothost/internal/config"
	"github.com/jkaninda/bothost/internal/security"
)

// Span attributes that tie a span to the slot it works on.
const (
	AttrUserID = attribute.Key("bothost.user_id")
	AttrSlot   = attribute.Key("bothost.slot")
	AttrSource = attribute.Key("bothost.source")
)

// Resource attributes describing this control plane instance.
const (
	AttrMaxSlots    = attribute.Key("bothost.max_slots")
	AttrInterpreter = attribute.Key("bothost.interpreter")
)

// SlotAttributes identifies a user's slot on a span.
func SlotAttributes(userID string, slot int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrUserID.String(userID)}
	if slot > 0 {
		attrs = append(attrs, AttrSlot.Int(slot))
	}
	return attrs
}

// subjectAttributes returns the slot attributes of the scan subject carried
// by ctx, or nil when there is none.
func subjectAttributes(ctx context.Context) []attribute.KeyValue {
	s := security.SubjectFrom(ctx)
	if s.UserID == "" {
		return nil
	}
	attrs := SlotAttributes(s.UserID, s.Slot)
	if s.Source != "" {
		attrs = append(attrs, AttrSource.String(string(s.Source)))
	}
	return attrs
}

// TracerSetup holds the OTel TracerProvider and a named tracer. It is
// injected, never installed as the global provider.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup creates a TracerProvider exporting over OTLP. attrs are
// added to the resource next to the service name, host and process.
func NewTracerSetup(cfg *config.TracingConfig, attrs ...attribute.KeyValue) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "bothost"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	// Streaming runs outlive their parent request; sample on the root only.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer("github.com/jkaninda/bothost"),
	}, nil
}

func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer, or a no-op tracer when t is nil.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
