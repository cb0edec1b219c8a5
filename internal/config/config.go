// Package config loads the segmenter's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML "1s"/"500ms" strings.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string (e.g., \"2s\"): %w", err)
	}
	s = expandEnvDefault(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

// Config is the segmenter's top-level configuration document.
type Config struct {
	LogLevel string `yaml:"logLevel"` // info | debug | warn | error

	Segmenter struct {
		ID     string `yaml:"id"`
		Listen string `yaml:"listen"` // e.g., ":8080"
	} `yaml:"segmenter"`

	Manifest struct {
		API string `yaml:"api"` // e.g., http://127.0.0.1:9997/manifest

		// BufferLimit is union_station_segmenter_buffer_limit (spec §6.2):
		// the Holding Queue's byte cap.
		BufferLimit int `yaml:"bufferLimit"`

		RefreshHealthy Duration `yaml:"refreshHealthy"` // default 300s
		RefreshErrors  Duration `yaml:"refreshErrors"`  // default 60s
	} `yaml:"manifest"`

	Metrics struct {
		Enable bool   `yaml:"enable"`
		Path   string `yaml:"path"` // e.g., "/metrics"
	} `yaml:"metrics"`

	Attestation struct {
		Enable bool `yaml:"enable"`
	} `yaml:"attestation"`
}

// Load reads, environment-expands, parses YAML, applies defaults, and
// validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.LogLevel = expandEnvDefault(cfg.LogLevel)
	cfg.Segmenter.ID = expandEnvDefault(cfg.Segmenter.ID)
	cfg.Segmenter.Listen = expandEnvDefault(cfg.Segmenter.Listen)
	cfg.Manifest.API = expandEnvDefault(cfg.Manifest.API)
	cfg.Metrics.Path = expandEnvDefault(cfg.Metrics.Path)

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Segmenter.Listen == "" {
		c.Segmenter.Listen = ":8080"
	}
	if c.Manifest.BufferLimit == 0 {
		c.Manifest.BufferLimit = 64 * 1024 * 1024
	}
	if c.Manifest.RefreshHealthy.Duration == 0 {
		c.Manifest.RefreshHealthy = Duration{300 * time.Second}
	}
	if c.Manifest.RefreshErrors.Duration == 0 {
		c.Manifest.RefreshErrors = Duration{60 * time.Second}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func validate(c *Config) error {
	if c.Segmenter.ID == "" {
		return errors.New("segmenter.id is required")
	}
	if c.Segmenter.Listen == "" {
		return errors.New("segmenter.listen is required")
	}
	if c.Manifest.API == "" {
		return errors.New("manifest.api is required")
	}
	if c.Manifest.BufferLimit <= 0 {
		return fmt.Errorf("manifest.bufferLimit must be positive, got %d", c.Manifest.BufferLimit)
	}
	if c.Manifest.RefreshHealthy.Duration <= 0 {
		return fmt.Errorf("manifest.refreshHealthy must be positive, got %s", c.Manifest.RefreshHealthy.Duration)
	}
	if c.Manifest.RefreshErrors.Duration <= 0 {
		return fmt.Errorf("manifest.refreshErrors must be positive, got %s", c.Manifest.RefreshErrors.Duration)
	}
	return nil
}

// --- env expansion with ${VAR} and ${VAR:default} ---

var envRe = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvDefault replaces ${VAR} with os.Getenv("VAR"), and
// ${VAR:default} with the env value or "default" if unset.
func expandEnvDefault(s string) string {
	if s == "" {
		return s
	}
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := envRe.FindStringSubmatch(m)
		if len(parts) != 3 {
			return m
		}
		name := parts[1]
		def := parts[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}
