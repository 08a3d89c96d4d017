package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/bothost/internal/config"
	"github.com/jkaninda/bothost/internal/gateway"
	"github.com/jkaninda/bothost/internal/gateway/httpapi"
	"github.com/jkaninda/bothost/internal/gateway/ws"
	"github.com/jkaninda/bothost/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and live console",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `bothost --config path` and `bothost serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	path := goutils.Env("BOTHOST_CONFIG", serveConfigPath)
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled {
		return fmt.Errorf("no gateways enabled in config")
	}

	logger.Info("starting bothost",
		slog.String("config", path),
		slog.String("version", version),
	)

	c, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopReclaimer, err := c.Sessions.StartReclaimer(ctx, cfg.Sessions.ReclaimSpec())
	if err != nil {
		return err
	}
	defer stopReclaimer()

	gw := buildHTTPGateway(cfg, c)
	gateways := []gateway.Gateway{gw}

	errs := make(chan error, len(gateways))
	for _, g := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(g)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Stop accepting requests, then terminate hosted processes.
	grace := cfg.Supervisor.GracePeriod() + cfg.Supervisor.KillWait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second+2*grace)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	if err := c.Service.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping hosted processes", slog.String("error", err.Error()))
	}
	logger.Info("bothost stopped")
	return nil
}

func buildHTTPGateway(cfg *config.Config, c *components) *httpapi.Gateway {
	hc := cfg.Gateways.HTTP

	gwCfg := httpapi.Config{
		ListenAddr: hc.Addr(),
		EnableDocs: hc.EnableDocs,
		APIKeys:    hc.APIKeyUserMapping,
	}
	if c.Obs != nil {
		gwCfg.MetricsRegistry = c.Obs.Registry()
		gwCfg.HealthChecker = c.Obs.Health
		gwCfg.Metrics = c.Obs.Metrics
		if c.Obs.Tracer != nil {
			gwCfg.Tracer = c.Obs.Tracer.Tracer()
		}
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	var rl *ratelimit.Limiter
	if hc.RateLimit.RequestsPerMinute > 0 {
		rl = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: hc.RateLimit.RequestsPerMinute,
			BurstSize:         hc.RateLimit.BurstSize,
		})
	}

	gw := httpapi.NewGateway(gwCfg, c.Service, rl, c.Logger)
	if wc := cfg.Gateways.WebSocket; wc != nil && wc.Enabled {
		console := ws.NewServer(c.Hub, c.Service, hc.APIKeyUserMapping, c.Logger)
		gw.WithHandler(wc.WSPath(), console.Handler())
		c.Logger.Debug("websocket console enabled", slog.String("path", wc.WSPath()))
	}
	return gw
}

// loadConfig reads path, falling back to defaults when the file is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
