package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearServiceEnv pins every variable the loader reads so ambient values in
// the test environment cannot leak in. t.Setenv restores them afterwards.
func clearServiceEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "METRICS_PORT", "API_KEY", "API_KEY_FILE",
		"SHUTDOWN_DRAIN_WAIT", "DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD",
		"REDIS_PASSWORD_FILE", "REDIS_DB", "PROVIDER_BASE_URL", "PROVIDER_API_KEY",
		"PROVIDER_API_KEY_FILE", "FAKE_PROVIDER", "POLL_INTERVAL", "MAX_POLLS",
		"STORAGE_BUCKET", "STORAGE_ENDPOINT", "STORAGE_DIR",
		"CALLBACK_WORKERS", "CALLBACK_BUFFER",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadServiceConfig_Defaults(t *testing.T) {
	clearServiceEnv(t)

	cfg, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("LoadServiceConfig failed: %v", err)
	}

	if cfg.Port != "8080" || cfg.MetricsPort != "9090" {
		t.Errorf("ports = %s/%s, want 8080/9090", cfg.Port, cfg.MetricsPort)
	}
	if cfg.PollInterval != 5*time.Second || cfg.MaxPolls != 720 {
		t.Errorf("poll bounds = %s/%d, want 5s/720", cfg.PollInterval, cfg.MaxPolls)
	}
	if cfg.ProviderBaseURL != "https://api.mistral.ai" {
		t.Errorf("provider base url = %s", cfg.ProviderBaseURL)
	}
	if cfg.StorageDir != "data/datasets" {
		t.Errorf("storage dir = %s", cfg.StorageDir)
	}
	if cfg.DatabaseURL != "" || cfg.RedisAddr != "" {
		t.Error("persistence defaults should be empty (degraded mode)")
	}
}

func TestLoadServiceConfig_YAMLFileAndEnvOverride(t *testing.T) {
	clearServiceEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := strings.Join([]string{
		"port: \"9999\"",
		"redis_addr: \"redis:6379\"",
		"fake_provider: true",
		"max_polls: 10",
		"poll_interval: 1s",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070") // environment wins over the file

	cfg, err := LoadServiceConfig()
	if err != nil {
		t.Fatalf("LoadServiceConfig failed: %v", err)
	}

	if cfg.Port != "7070" {
		t.Errorf("port = %s, want env override 7070", cfg.Port)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("redis addr = %s, want file value", cfg.RedisAddr)
	}
	if !cfg.FakeProvider || cfg.MaxPolls != 10 || cfg.PollInterval != time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
}

func TestLoadServiceConfig_MissingConfigFile(t *testing.T) {
	clearServiceEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	if _, err := LoadServiceConfig(); err == nil {
		t.Fatal("missing config file accepted")
	}
}

func TestLoadServiceConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero max polls", map[string]string{"MAX_POLLS": "0"}},
		{"negative max polls", map[string]string{"MAX_POLLS": "-1"}},
		{"negative poll interval", map[string]string{"POLL_INTERVAL": "-5s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearServiceEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadServiceConfig(); err == nil {
				t.Error("invalid configuration accepted")
			}
		})
	}
}

func TestLoadServiceConfig_EmptyProviderURLRequiresFake(t *testing.T) {
	clearServiceEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("provider_base_url: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := LoadServiceConfig(); err == nil {
		t.Fatal("empty provider url accepted without fake provider")
	}

	t.Setenv("FAKE_PROVIDER", "true")
	if _, err := LoadServiceConfig(); err != nil {
		t.Fatalf("fake provider mode rejected: %v", err)
	}
}

func TestGetSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_key")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if got := GetSecretFile(path); got != "s3cret" {
		t.Errorf("GetSecretFile = %q, want trimmed secret", got)
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("GetSecretFile(empty path) = %q", got)
	}
	if got := GetSecretFile(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Errorf("GetSecretFile(missing) = %q", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_STR", "value")
	t.Setenv("X_INT", "42")
	t.Setenv("X_BAD_INT", "forty-two")
	t.Setenv("X_BOOL", "true")
	t.Setenv("X_DUR", "90s")

	if got := GetEnv("X_STR", "d"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("X_UNSET", "d"); got != "d" {
		t.Errorf("GetEnv default = %q", got)
	}
	if got := GetIntEnv("X_INT", 0); got != 42 {
		t.Errorf("GetIntEnv = %d", got)
	}
	if got := GetIntEnv("X_BAD_INT", 7); got != 7 {
		t.Errorf("GetIntEnv malformed = %d, want default", got)
	}
	if got := GetBoolEnv("X_BOOL", false); !got {
		t.Error("GetBoolEnv = false")
	}
	if got := GetDurationEnv("X_DUR", 0); got != 90*time.Second {
		t.Errorf("GetDurationEnv = %s", got)
	}
}
