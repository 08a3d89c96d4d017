// Package httpapi implements the HTTP API gateway for bothost.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - JSON request body size limit (default 1 MB); archives are capped separately
//   - Per-user rate limiting via token bucket, with Retry-After on rejection
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/bothost/internal/hoster"
	"github.com/jkaninda/bothost/internal/installer"
	"github.com/jkaninda/bothost/internal/observability"
	"github.com/jkaninda/bothost/internal/ratelimit"
	"github.com/jkaninda/bothost/internal/session"
	"github.com/jkaninda/bothost/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID.
	MaxRequestSize int64             // Maximum JSON body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	svc     *hoster.Service
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket console).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil.
func NewGateway(cfg Config, svc *hoster.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "bothost",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	g.group = g.okapi.Group("/v1", g.authenticate, g.rateLimit)
	g.registerRoutes()

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		// Archive uploads and SSE run streams are long-lived.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) registerRoutes() {
	g.group.Post("/uploads", g.handleBeginUpload,
		okapi.DocSummary("Reserve the lowest free slot for an upload"),
		okapi.DocTags("Uploads"),
		okapi.DocResponse(http.StatusCreated, UploadResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Delete("/uploads", g.handleEndUpload,
		okapi.DocSummary("Cancel the pending upload reservations"),
		okapi.DocTags("Uploads"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Put("/slots/{slot}/archive", g.handleDeliverArchive,
		okapi.DocSummary("Upload a zip archive into a reserved slot"),
		okapi.DocTags("Uploads"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocResponse(hoster.Delivery{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Post("/slots/{slot}/generate", g.handleGenerate,
		okapi.DocSummary("Generate a project into a reserved slot"),
		okapi.DocTags("Uploads"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocRequestBody(GenerateRequest{}),
		okapi.DocResponse(hoster.Delivery{}),
		okapi.DocResponse(http.StatusNotImplemented, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Post("/slots/{slot}/repair", g.handleRepair,
		okapi.DocSummary("Diagnose the last run of a slot and apply a generated fix"),
		okapi.DocTags("Uploads"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocResponse(hoster.RepairResult{}),
		okapi.DocResponse(http.StatusNotImplemented, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Post("/slots/{slot}/install", g.handleInstall,
		okapi.DocSummary("Install requirements into the slot environment"),
		okapi.DocTags("Projects"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocRequestBody(InstallRequest{}),
		okapi.DocResponse(installer.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/slots/{slot}/env", g.handleEnvKeys,
		okapi.DocSummary("List environment variable names of a slot"),
		okapi.DocTags("Projects"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocResponse(EnvResponse{}),
	)
	g.group.Put("/slots/{slot}/env", g.handleSetEnv,
		okapi.DocSummary("Set environment variables of a slot"),
		okapi.DocTags("Projects"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocRequestBody(EnvRequest{}),
		okapi.DocResponse(EnvResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/slots/{slot}/entry", g.handleSelectEntry,
		okapi.DocSummary("Select the entry file of a slot"),
		okapi.DocTags("Processes"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocRequestBody(EntryRequest{}),
		okapi.DocResponse(EntryRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/slots/{slot}/run", g.handleRun,
		okapi.DocSummary("Run the selected entry and stream its output via SSE"),
		okapi.DocTags("Processes"),
		okapi.DocPathParam("slot", "integer", "Slot number"),
		okapi.DocResponse(hoster.ExitEvent{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/slots/{slot}/stop", g.handleStop,
		okapi.DocSummary("Stop the process of a slot, or all slots with \"all\""),
		okapi.DocTags("Processes"),
		okapi.DocPathParam("slot", "string", "Slot number or \"all\""),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Get("/slots", g.handleSlots,
		okapi.DocSummary("List the slots of the caller"),
		okapi.DocTags("Processes"),
		okapi.DocResponse([]session.SlotStatus{}),
	)
	g.group.Delete("/projects", g.handleDeleteAll,
		okapi.DocSummary("Stop every process and delete every project of the caller"),
		okapi.DocTags("Projects"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Get("/runs", g.handleRuns,
		okapi.DocSummary("List recent runs of the caller"),
		okapi.DocTags("Processes"),
		okapi.DocResponse([]storage.RunRecord{}),
	)
}

// --- Authentication ---

// authenticate maps the Bearer API key to a user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID := LookupUser(g.config.APIKeys, strings.TrimPrefix(authHeader, "Bearer "))
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// LookupUser returns the user mapped to key, or "" when no key matches.
// Every key is compared in constant time.
func LookupUser(keys map[string]string, key string) string {
	userID := ""
	for k, u := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			userID = u
		}
	}
	return userID
}

func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.limiter == nil {
			return next(c)
		}
		wait, err := g.limiter.Reserve(c.GetString("userID"))
		if err != nil {
			c.Response().Header().Set("Retry-After", retryAfter(wait))
			return c.JSON(http.StatusTooManyRequests, ErrorBody{
				Error: "rate limit exceeded",
				Kind:  hoster.KindRateLimited,
			})
		}
		return next(c)
	}
}
