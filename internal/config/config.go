// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "2s", "5m" style values from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type ServerConfig struct {
	Port string `yaml:"port"`
}

type ProviderConfig struct {
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
	Offline bool     `yaml:"offline"`

	// APIKey comes from the environment only, never the file.
	APIKey string `yaml:"-"`
}

type WorkerConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Deadline     Duration `yaml:"deadline"`
	PollInterval Duration `yaml:"poll_interval"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ArtifactsConfig struct {
	MaxPreviews int      `yaml:"max_previews"`
	S3          S3Config `yaml:"s3"`
}

type Config struct {
	Server      ServerConfig    `yaml:"server"`
	OutputDir   string          `yaml:"output_dir"`
	Provider    ProviderConfig  `yaml:"provider"`
	Worker      WorkerConfig    `yaml:"worker"`
	Artifacts   ArtifactsConfig `yaml:"artifacts"`
	PostgresDSN string          `yaml:"postgres_dsn"`
}

// Load reads the YAML file at path (skipped when path is empty or missing)
// and then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envOr("SERVER_PORT", c.Server.Port)
	c.OutputDir = envOr("OUTPUT_DIR", c.OutputDir)

	c.Provider.APIKey = os.Getenv("NEBIUS_API_KEY")
	c.Provider.BaseURL = envOr("NEBIUS_BASE_URL", c.Provider.BaseURL)
	c.Provider.Model = envOr("NEBIUS_MODEL", c.Provider.Model)
	if os.Getenv("DEV_FALLBACK") == "1" {
		c.Provider.Offline = true
	}

	c.Worker.Endpoint = envOr("WORKER_ENDPOINT", c.Worker.Endpoint)
	if d, ok := envDuration("WORKER_DEADLINE"); ok {
		c.Worker.Deadline = d
	}
	if d, ok := envDuration("WORKER_POLL_INTERVAL"); ok {
		c.Worker.PollInterval = d
	}

	if n, err := strconv.Atoi(os.Getenv("MAX_PREVIEWS")); err == nil && n > 0 {
		c.Artifacts.MaxPreviews = n
	}
	c.Artifacts.S3.Endpoint = envOr("S3_ENDPOINT", c.Artifacts.S3.Endpoint)
	c.Artifacts.S3.Bucket = envOr("S3_BUCKET", c.Artifacts.S3.Bucket)
	c.Artifacts.S3.AccessKey = os.Getenv("S3_ACCESS_KEY")
	c.Artifacts.S3.SecretKey = os.Getenv("S3_SECRET_KEY")

	c.PostgresDSN = envOr("POSTGRES_DSN", c.PostgresDSN)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.Worker.Endpoint == "" {
		c.Worker.Endpoint = "http://127.0.0.1:8001"
	}
	if c.Worker.Deadline == 0 {
		c.Worker.Deadline = Duration(5 * time.Minute)
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = Duration(2 * time.Second)
	}
	if c.Artifacts.MaxPreviews == 0 {
		c.Artifacts.MaxPreviews = 5
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string) (Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return Duration(d), true
}
