package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return p
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "bothost.yaml", `
uploads_dir: /srv/uploads
sessions:
  max_bots_per_user: 3
  session_timeout_seconds: 120
supervisor:
  interpreter: /usr/bin/python3
  max_console_lines: 80
providers:
  openrouter:
    api_key: or-key
    models: ["a/model:free", "b/model:free"]
gateways:
  http:
    enabled: true
    listen_addr: ":9090"
    api_key_user_mapping:
      secret: alice
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UploadsDir != "/srv/uploads" {
		t.Errorf("UploadsDir = %q", cfg.UploadsDir)
	}
	if got := cfg.Sessions.SlotsPerUser(); got != 3 {
		t.Errorf("SlotsPerUser() = %d, want 3", got)
	}
	if got := cfg.Sessions.SessionTimeout(); got != 2*time.Minute {
		t.Errorf("SessionTimeout() = %s, want 2m", got)
	}
	if got := cfg.Supervisor.ConsoleLines(); got != 80 {
		t.Errorf("ConsoleLines() = %d, want 80", got)
	}
	if got := cfg.Providers.OpenRouter.ModelList(); len(got) != 2 || got[0] != "a/model:free" {
		t.Errorf("ModelList() = %v", got)
	}
	if got := cfg.Gateways.HTTP.Addr(); got != ":9090" {
		t.Errorf("Addr() = %q", got)
	}
	if cfg.Gateways.HTTP.APIKeyUserMapping["secret"] != "alice" {
		t.Errorf("api key mapping not loaded: %v", cfg.Gateways.HTTP.APIKeyUserMapping)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "bothost.json", `{"scanner":{"batch_size":4,"max_chars":100},"watcher":{"poll_interval_seconds":2}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Scanner.Batch(); got != 4 {
		t.Errorf("Batch() = %d, want 4", got)
	}
	if got := cfg.Scanner.Chars(); got != 100 {
		t.Errorf("Chars() = %d, want 100", got)
	}
	if got := cfg.Watcher.PollInterval(); got != 2*time.Second {
		t.Errorf("PollInterval() = %s, want 2s", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_BOTS_PER_USER", "1")
	t.Setenv("SECURITY_BATCH_SIZE", "3")
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	t.Setenv("BOTHOST_UPLOADS_DIR", "/tmp/uploads")

	path := writeFile(t, "bothost.yaml", "sessions:\n  max_bots_per_user: 4\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Sessions.SlotsPerUser(); got != 1 {
		t.Errorf("SlotsPerUser() = %d, want env override 1", got)
	}
	if got := cfg.Scanner.Batch(); got != 3 {
		t.Errorf("Batch() = %d, want 3", got)
	}
	if cfg.Providers.OpenRouter == nil || cfg.Providers.OpenRouter.APIKey != "env-key" {
		t.Errorf("OPENROUTER_API_KEY not applied: %+v", cfg.Providers.OpenRouter)
	}
	if cfg.UploadsDir != "/tmp/uploads" {
		t.Errorf("UploadsDir = %q", cfg.UploadsDir)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "storage:\n  driver: mysql\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"negative slots", "sessions:\n  max_bots_per_user: -1\n"},
		{"bad log level", "log_level: verbose\n"},
		{"gemini without models", "providers:\n  gemini:\n    api_key: k\n"},
		{"fail-open rate above one", "observability:\n  anomaly:\n    enabled: true\n    fail_open_rate_threshold: 1.5\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "bothost.yaml", tc.content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	var anomaly *AnomalyConfig

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"SlotsPerUser", cfg.Sessions.SlotsPerUser(), 2},
		{"SessionTimeout", cfg.Sessions.SessionTimeout(), 10 * time.Minute},
		{"ReclaimSpec", cfg.Sessions.ReclaimSpec(), "@every 1m"},
		{"Interpreter", cfg.Supervisor.InterpreterPath(), "python3"},
		{"ConsoleLines", cfg.Supervisor.ConsoleLines(), 50},
		{"OutputChars", cfg.Supervisor.OutputChars(), 1900},
		{"GracePeriod", cfg.Supervisor.GracePeriod(), 5 * time.Second},
		{"KillWait", cfg.Supervisor.KillWait(), 2 * time.Second},
		{"UpdateInterval", cfg.Supervisor.UpdateInterval(), 3 * time.Second},
		{"BatchLines", cfg.Supervisor.BatchLines(), 3},
		{"Batch", cfg.Scanner.Batch(), 5},
		{"ScanTimeout", cfg.Scanner.Timeout(), 30 * time.Second},
		{"Chars", cfg.Scanner.Chars(), 5000},
		{"FileSize", cfg.Scanner.FileSize(), int64(100 * 1024)},
		{"MaxSize", cfg.Archive.MaxSize(), int64(50 << 20)},
		{"EntryLimit", cfg.Archive.EntryLimit(), 10000},
		{"WatchInterval", cfg.Watcher.PollInterval(), 12 * time.Second},
		{"InstallTimeout", cfg.Installer.Timeout(), 300 * time.Second},
		{"Pip", cfg.Installer.PipPath(), "pip"},
		{"StorageDriver", cfg.Storage.StorageDriver(), "sqlite"},
		{"WSPath", cfg.Gateways.WebSocket.WSPath(), "/ws/console"},
		{"HTTPAddr", cfg.Gateways.HTTP.Addr(), ":8080"},
		{"Models", len(cfg.Providers.OpenRouter.ModelList()), 5},
		{"AnomalyWindow", anomaly.Window(), 5 * time.Minute},
		{"FailOpenRate", anomaly.FailOpenRate(), 0.2},
		{"Deletions", anomaly.Deletions(), 3},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}
