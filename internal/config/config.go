// Package config handles loading and validating bothost configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for bothost.
type Config struct {
	UploadsDir    string               `json:"uploads_dir,omitempty" yaml:"uploads_dir,omitempty"` // Slot directory root. Default: ./user_uploads. Override: BOTHOST_UPLOADS_DIR.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`       // Database and audit log directory. Default: ~/.bothost/data. Override: BOTHOST_DATA_DIR.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`     // debug, info, warn, error. Default: info.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`         // nil = SQLite under data_dir.
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	Supervisor    SupervisorConfig     `json:"supervisor" yaml:"supervisor"`
	Scanner       ScannerConfig        `json:"scanner" yaml:"scanner"`
	Archive       ArchiveConfig        `json:"archive" yaml:"archive"`
	Watcher       WatcherConfig        `json:"watcher" yaml:"watcher"`
	Installer     InstallerConfig      `json:"installer" yaml:"installer"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"` // nil = log-only notifications.
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/bothost.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default).
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"` // Override: BOTHOST_DB_DSN.
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// SessionsConfig configures slot allocation and upload-session bookkeeping.
type SessionsConfig struct {
	MaxBotsPerUser        int    `json:"max_bots_per_user" yaml:"max_bots_per_user"`             // Default: 2. Override: MAX_BOTS_PER_USER.
	SessionTimeoutSeconds int    `json:"session_timeout_seconds" yaml:"session_timeout_seconds"` // Default: 600. Override: SESSION_TIMEOUT.
	ReclaimSchedule       string `json:"reclaim_schedule" yaml:"reclaim_schedule"`               // Cron spec. Default: "@every 1m".
}

// SlotsPerUser returns the per-user slot count with a default of 2.
func (s *SessionsConfig) SlotsPerUser() int {
	if s != nil && s.MaxBotsPerUser > 0 {
		return s.MaxBotsPerUser
	}
	return 2
}

// SessionTimeout returns the idle upload-session timeout with a default of 10m.
func (s *SessionsConfig) SessionTimeout() time.Duration {
	if s != nil && s.SessionTimeoutSeconds > 0 {
		return time.Duration(s.SessionTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// ReclaimSpec returns the reclaim cron spec with a default of "@every 1m".
func (s *SessionsConfig) ReclaimSpec() string {
	if s != nil && s.ReclaimSchedule != "" {
		return s.ReclaimSchedule
	}
	return "@every 1m"
}

// SupervisorConfig configures child process launch, output buffering and termination.
type SupervisorConfig struct {
	Interpreter           string            `json:"interpreter" yaml:"interpreter"`                         // Default: python3.
	Env                   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                     // Added to the copied host environment.
	MaxConsoleLines       int               `json:"max_console_lines" yaml:"max_console_lines"`             // Default: 50.
	MaxOutputChars        int               `json:"max_output_chars" yaml:"max_output_chars"`               // Default: 1900.
	GracePeriodSeconds    int               `json:"grace_period_seconds" yaml:"grace_period_seconds"`       // Default: 5.
	KillWaitSeconds       int               `json:"kill_wait_seconds" yaml:"kill_wait_seconds"`             // Default: 2.
	UpdateIntervalSeconds int               `json:"update_interval_seconds" yaml:"update_interval_seconds"` // Default: 3.
	LinesPerUpdate        int               `json:"lines_per_update" yaml:"lines_per_update"`               // Default: 3.
}

// InterpreterPath returns the interpreter used to launch entry files.
func (s *SupervisorConfig) InterpreterPath() string {
	if s != nil && s.Interpreter != "" {
		return s.Interpreter
	}
	return "python3"
}

// ConsoleLines returns the retained line count with a default of 50.
func (s *SupervisorConfig) ConsoleLines() int {
	if s != nil && s.MaxConsoleLines > 0 {
		return s.MaxConsoleLines
	}
	return 50
}

// OutputChars returns the display tail bound with a default of 1900.
func (s *SupervisorConfig) OutputChars() int {
	if s != nil && s.MaxOutputChars > 0 {
		return s.MaxOutputChars
	}
	return 1900
}

// GracePeriod returns the terminate wait with a default of 5s.
func (s *SupervisorConfig) GracePeriod() time.Duration {
	if s != nil && s.GracePeriodSeconds > 0 {
		return time.Duration(s.GracePeriodSeconds) * time.Second
	}
	return 5 * time.Second
}

// KillWait returns the wait after force-kill with a default of 2s.
func (s *SupervisorConfig) KillWait() time.Duration {
	if s != nil && s.KillWaitSeconds > 0 {
		return time.Duration(s.KillWaitSeconds) * time.Second
	}
	return 2 * time.Second
}

// UpdateInterval returns the output batch interval with a default of 3s.
func (s *SupervisorConfig) UpdateInterval() time.Duration {
	if s != nil && s.UpdateIntervalSeconds > 0 {
		return time.Duration(s.UpdateIntervalSeconds) * time.Second
	}
	return 3 * time.Second
}

// BatchLines returns the number of new lines that triggers a batch (default 3).
func (s *SupervisorConfig) BatchLines() int {
	if s != nil && s.LinesPerUpdate > 0 {
		return s.LinesPerUpdate
	}
	return 3
}

// ScannerConfig configures the security gate.
type ScannerConfig struct {
	BatchSize        int    `json:"batch_size" yaml:"batch_size"`                             // Default: 5. Override: SECURITY_BATCH_SIZE.
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"`                   // Per classifier call. Default: 30.
	MaxChars         int    `json:"max_chars" yaml:"max_chars"`                               // Content sent per file. Default: 5000.
	MaxFileSizeBytes int64  `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`           // Files larger are read truncated. Default: 100 KB.
	AuditLogPath     string `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // Default: <data_dir>/scan-audit.jsonl.
}

// Batch returns the classifier batch size with a default of 5.
func (s *ScannerConfig) Batch() int {
	if s != nil && s.BatchSize > 0 {
		return s.BatchSize
	}
	return 5
}

// Timeout returns the per-call classifier timeout with a default of 30s.
func (s *ScannerConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Chars returns the content truncation bound with a default of 5000.
func (s *ScannerConfig) Chars() int {
	if s != nil && s.MaxChars > 0 {
		return s.MaxChars
	}
	return 5000
}

// FileSize returns the per-file read cap with a default of 100 KB.
func (s *ScannerConfig) FileSize() int64 {
	if s != nil && s.MaxFileSizeBytes > 0 {
		return s.MaxFileSizeBytes
	}
	return 100 * 1024
}

// ArchiveConfig configures archive ingestion.
type ArchiveConfig struct {
	MaxSizeBytes int64 `json:"max_size_bytes" yaml:"max_size_bytes"` // Default: 50 MB.
	MaxEntries   int   `json:"max_entries" yaml:"max_entries"`       // Default: 10000.
}

// MaxSize returns the upload size cap with a default of 50 MB.
func (a *ArchiveConfig) MaxSize() int64 {
	if a != nil && a.MaxSizeBytes > 0 {
		return a.MaxSizeBytes
	}
	return 50 << 20
}

// EntryLimit returns the archive entry ceiling with a default of 10000.
func (a *ArchiveConfig) EntryLimit() int {
	if a != nil && a.MaxEntries > 0 {
		return a.MaxEntries
	}
	return 10000
}

// WatcherConfig configures the post-launch file watcher.
type WatcherConfig struct {
	Disabled            bool `json:"disabled" yaml:"disabled"`
	PollIntervalSeconds int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 12.
}

// PollInterval returns the watch interval with a default of 12s.
func (w *WatcherConfig) PollInterval() time.Duration {
	if w != nil && w.PollIntervalSeconds > 0 {
		return time.Duration(w.PollIntervalSeconds) * time.Second
	}
	return 12 * time.Second
}

// InstallerConfig configures the dependency installer.
type InstallerConfig struct {
	Pip            string `json:"pip" yaml:"pip"`                         // Default: pip.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 300.
}

// PipPath returns the pip executable with a default of "pip".
func (i *InstallerConfig) PipPath() string {
	if i != nil && i.Pip != "" {
		return i.Pip
	}
	return "pip"
}

// Timeout returns the install timeout with a default of 300s.
func (i *InstallerConfig) Timeout() time.Duration {
	if i != nil && i.TimeoutSeconds > 0 {
		return time.Duration(i.TimeoutSeconds) * time.Second
	}
	return 300 * time.Second
}

// ProvidersConfig lists the classifier/generator backends in priority order.
type ProvidersConfig struct {
	OpenRouter *OpenRouterConfig `json:"openrouter,omitempty" yaml:"openrouter,omitempty"`
	Gemini     *GeminiConfig     `json:"gemini,omitempty" yaml:"gemini,omitempty"` // Appended after OpenRouter models.
}

// OpenRouterConfig configures the OpenAI-compatible OpenRouter backend.
type OpenRouterConfig struct {
	APIKey  string   `json:"api_key" yaml:"api_key"`   // Override: OPENROUTER_API_KEY.
	BaseURL string   `json:"base_url" yaml:"base_url"` // Default: https://openrouter.ai/api.
	Models  []string `json:"models" yaml:"models"`     // Priority order. Default: DefaultOpenRouterModels.
}

// DefaultOpenRouterModels is the fallback order used when none are configured.
var DefaultOpenRouterModels = []string{
	"amazon/nova-2-lite-v1:free",
	"google/gemini-2.0-flash-exp:free",
	"qwen/qwen3-coder:free",
	"tngtech/deepseek-r1t2-chimera:free",
	"tngtech/deepseek-r1t-chimera:free",
}

// ModelList returns the configured models or the default order.
func (o *OpenRouterConfig) ModelList() []string {
	if o != nil && len(o.Models) > 0 {
		return o.Models
	}
	return DefaultOpenRouterModels
}

// URL returns the API base URL.
func (o *OpenRouterConfig) URL() string {
	if o != nil && o.BaseURL != "" {
		return o.BaseURL
	}
	return "https://openrouter.ai/api"
}

type GeminiConfig struct {
	APIKey  string   `json:"api_key" yaml:"api_key"` // Override: GEMINI_API_KEY.
	Models  []string `json:"models" yaml:"models"`
	BaseURL string   `json:"base_url" yaml:"base_url"` // Optional.
}

// NotificationConfig configures where watcher findings are delivered.
type NotificationConfig struct {
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	// AllowPrivate disables the webhook private-address check (local development only).
	AllowPrivate bool `json:"allow_private,omitempty" yaml:"allow_private,omitempty"`
}

// GatewaysConfig defines the network entry points.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`
	APIKeyUserMapping map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit         RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the live console endpoint.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/ws/console".
}

// WSPath returns the WebSocket path with a default of "/ws/console".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/console"
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "bothost"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures detection of classifier outages and of slots
// that keep writing flagged files.
type AnomalyConfig struct {
	Enabled               bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold    float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`         // Model endpoint failures, e.g. 0.5 = 50%.
	FailOpenRateThreshold float64 `json:"fail_open_rate_threshold" yaml:"fail_open_rate_threshold"` // Files admitted unscanned. Default: 0.2.
	DeletionThreshold     int     `json:"deletion_threshold" yaml:"deletion_threshold"`             // Watcher deletions per slot. Default: 3.
	WindowSeconds         int     `json:"window_seconds" yaml:"window_seconds"`                     // Default: 300
}

// Window returns the detection window with a default of 5 minutes.
func (a *AnomalyConfig) Window() time.Duration {
	if a != nil && a.WindowSeconds > 0 {
		return time.Duration(a.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

// FailOpenRate returns the tolerated share of unscanned files, default 0.2.
func (a *AnomalyConfig) FailOpenRate() float64 {
	if a != nil && a.FailOpenRateThreshold > 0 {
		return a.FailOpenRateThreshold
	}
	return 0.2
}

// Deletions returns how many watcher deletions in one slot within the
// window count as an anomaly, default 3.
func (a *AnomalyConfig) Deletions() int {
	if a != nil && a.DeletionThreshold > 0 {
		return a.DeletionThreshold
	}
	return 3
}

// DefaultConfigPath returns the default config file path (~/.bothost/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/bothost.yaml"
	}
	return filepath.Join(home, ".bothost", "config.yaml")
}

// Default returns a configuration with every field at its default,
// used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("BOTHOST_UPLOADS_DIR"); v != "" {
		c.UploadsDir = v
	}
	if v := os.Getenv("BOTHOST_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		if c.Providers.OpenRouter == nil {
			c.Providers.OpenRouter = &OpenRouterConfig{}
		}
		c.Providers.OpenRouter.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		if c.Providers.Gemini == nil {
			c.Providers.Gemini = &GeminiConfig{}
		}
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("BOTHOST_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if n, ok := envInt("MAX_BOTS_PER_USER"); ok {
		c.Sessions.MaxBotsPerUser = n
	}
	if n, ok := envInt("SESSION_TIMEOUT"); ok {
		c.Sessions.SessionTimeoutSeconds = n
	}
	if n, ok := envInt("SECURITY_BATCH_SIZE"); ok {
		c.Scanner.BatchSize = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedUploadsDir returns the slot directory root.
func (c *Config) ResolvedUploadsDir() string {
	if c.UploadsDir == "" {
		return "user_uploads"
	}
	resolved, err := resolvePath(c.UploadsDir)
	if err != nil {
		return c.UploadsDir
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".bothost", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "bothost.db")
}

// AuditLogPath returns the scan audit log path.
func (c *Config) AuditLogPath() string {
	if c.Scanner.AuditLogPath != "" {
		return c.Scanner.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "scan-audit.jsonl")
}

func (c *Config) validate() error {
	if c.Sessions.MaxBotsPerUser < 0 {
		return fmt.Errorf("sessions.max_bots_per_user must not be negative")
	}
	if c.Supervisor.MaxConsoleLines < 0 {
		return fmt.Errorf("supervisor.max_console_lines must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set BOTHOST_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if g := c.Providers.Gemini; g != nil && g.APIKey != "" && len(g.Models) == 0 {
		return fmt.Errorf("providers.gemini.models is required when a gemini api key is set")
	}
	if a := c.Observability; a != nil && a.Anomaly != nil {
		if r := a.Anomaly.FailOpenRateThreshold; r < 0 || r > 1 {
			return fmt.Errorf("observability.anomaly.fail_open_rate_threshold must be between 0 and 1")
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported", c.LogLevel)
	}
	return nil
}
