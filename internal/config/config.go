// Package config provides configuration loading from an optional YAML file
// and environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the fine-tuning service and worker.
type ServiceConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metrics_port"`
	APIKey            string        `yaml:"-"`
	ShutdownDrainWait time.Duration `yaml:"shutdown_drain_wait"` // time for the load balancer to drain (0 to skip)

	// Persistence. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string `yaml:"database_url"`

	// Queue and pub/sub. An empty RedisAddr disables both; the dispatcher
	// degrades to inline execution and the event bus to in-memory fan-out.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`

	// Provider API. FakeProvider selects the scripted in-process provider.
	ProviderBaseURL string `yaml:"provider_base_url"`
	ProviderAPIKey  string `yaml:"-"`
	FakeProvider    bool   `yaml:"fake_provider"`

	// Worker loop bounds.
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`

	// Dataset object storage. An empty bucket selects the local directory.
	StorageBucket   string `yaml:"storage_bucket"`
	StorageEndpoint string `yaml:"storage_endpoint"`
	StorageDir      string `yaml:"storage_dir"`

	// Callback delivery pool.
	CallbackWorkers int `yaml:"callback_workers"`
	CallbackBuffer  int `yaml:"callback_buffer"`
}

// LoadServiceConfig loads configuration. When CONFIG_FILE is set, the YAML
// file supplies the base values; environment variables override them and
// secrets are only ever read from the environment or secret files.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		Port:              "8080",
		MetricsPort:       "9090",
		ShutdownDrainWait: 5 * time.Second,
		ProviderBaseURL:   "https://api.mistral.ai",
		PollInterval:      5 * time.Second,
		MaxPolls:          720,
		StorageDir:        "data/datasets",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.MetricsPort = GetEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.APIKey = GetEnv("API_KEY", GetSecretFile(GetEnv("API_KEY_FILE", "")))
	cfg.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", cfg.ShutdownDrainWait)

	cfg.DatabaseURL = GetEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.RedisAddr = GetEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = GetEnv("REDIS_PASSWORD", GetSecretFile(GetEnv("REDIS_PASSWORD_FILE", "")))
	cfg.RedisDB = GetIntEnv("REDIS_DB", cfg.RedisDB)

	cfg.ProviderBaseURL = GetEnv("PROVIDER_BASE_URL", cfg.ProviderBaseURL)
	cfg.ProviderAPIKey = GetEnv("PROVIDER_API_KEY", GetSecretFile(GetEnv("PROVIDER_API_KEY_FILE", "")))
	cfg.FakeProvider = GetBoolEnv("FAKE_PROVIDER", cfg.FakeProvider)

	cfg.PollInterval = GetDurationEnv("POLL_INTERVAL", cfg.PollInterval)
	cfg.MaxPolls = GetIntEnv("MAX_POLLS", cfg.MaxPolls)

	cfg.StorageBucket = GetEnv("STORAGE_BUCKET", cfg.StorageBucket)
	cfg.StorageEndpoint = GetEnv("STORAGE_ENDPOINT", cfg.StorageEndpoint)
	cfg.StorageDir = GetEnv("STORAGE_DIR", cfg.StorageDir)

	cfg.CallbackWorkers = GetIntEnv("CALLBACK_WORKERS", cfg.CallbackWorkers)
	cfg.CallbackBuffer = GetIntEnv("CALLBACK_BUFFER", cfg.CallbackBuffer)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServiceConfig) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxPolls <= 0 {
		return fmt.Errorf("max_polls must be positive, got %d", c.MaxPolls)
	}
	if !c.FakeProvider && c.ProviderBaseURL == "" {
		return fmt.Errorf("provider_base_url is required unless fake_provider is set")
	}
	return nil
}
