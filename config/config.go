// Package config loads client settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"callshield/analyzer"
	"callshield/chunker"
	"callshield/encoder"
	"callshield/session"
)

const (
	DefaultFirstChunkSeconds = 2.0
	DefaultChunkSeconds      = 5.0
	DefaultLogLevel          = "info"
)

type Config struct {
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Audio    AudioConfig    `yaml:"audio"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type AnalyzerConfig struct {
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

type AudioConfig struct {
	Device            string        `yaml:"device"` // name substring; empty for the system default
	FirstChunkSeconds float64       `yaml:"first_chunk_seconds"`
	ChunkSeconds      float64       `yaml:"chunk_seconds"`
	MeterInterval     time.Duration `yaml:"meter_interval"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics listener
}

func Default() Config {
	return Config{
		Analyzer: AnalyzerConfig{
			URL:             analyzer.DefaultURL,
			DialTimeout:     analyzer.DefaultHandshakeTimeout,
			FinalizeTimeout: session.DefaultFinalizeTimeout,
		},
		Audio: AudioConfig{
			FirstChunkSeconds: DefaultFirstChunkSeconds,
			ChunkSeconds:      DefaultChunkSeconds,
			MeterInterval:     session.DefaultMeterInterval,
		},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

// Loader reads the config file and applies environment overrides. Tests can
// replace Lookup and ReadFile.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load builds a validated Config. An empty path skips the file; a missing
// file at an explicit path is an error.
func (l Loader) Load(path string) (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Default()
	if path != "" {
		data, err := l.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	overrideString(l.Lookup, "CALLSHIELD_ANALYZER_URL", &cfg.Analyzer.URL)
	overrideString(l.Lookup, "CALLSHIELD_API_KEY", &cfg.Analyzer.APIKey)
	overrideString(l.Lookup, "CALLSHIELD_LOG_LEVEL", &cfg.Logging.Level)
	overrideString(l.Lookup, "CALLSHIELD_METRICS_ADDR", &cfg.Metrics.Addr)
	overrideString(l.Lookup, "CALLSHIELD_DEVICE", &cfg.Audio.Device)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads path if it exists and falls back to defaults plus
// environment when it does not.
func (l Loader) LoadDefault(path string) (Config, error) {
	cfg, err := l.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l.Load("")
	}
	return cfg, err
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func (c *Config) Validate() error {
	if err := c.Analyzer.Validate(); err != nil {
		return fmt.Errorf("analyzer config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (c *AnalyzerConfig) Validate() error {
	if err := c.Client().Validate(); err != nil {
		return err
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %s", c.DialTimeout)
	}
	if c.FinalizeTimeout <= 0 {
		return fmt.Errorf("finalize_timeout must be positive, got %s", c.FinalizeTimeout)
	}
	return nil
}

func (c *AnalyzerConfig) Client() analyzer.Config {
	return analyzer.Config{
		URL:              c.URL,
		APIKey:           c.APIKey,
		HandshakeTimeout: c.DialTimeout,
	}
}

func (c *AudioConfig) Validate() error {
	if err := c.Chunks().Validate(); err != nil {
		return err
	}
	if c.MeterInterval <= 0 {
		return fmt.Errorf("meter_interval must be positive, got %s", c.MeterInterval)
	}
	return nil
}

func (c *AudioConfig) Chunks() chunker.Config {
	return chunker.Config{
		FirstChunk: encoder.Samples(c.FirstChunkSeconds),
		NextChunk:  encoder.Samples(c.ChunkSeconds),
	}
}

func (c *LoggingConfig) Validate() error {
	if c.Level == "" {
		c.Level = DefaultLogLevel
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("level %q: %w", c.Level, err)
	}
	return nil
}
