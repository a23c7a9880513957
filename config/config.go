// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads stageq pipeline settings from the environment or a
// YAML file and turns them into a [stageq.Builder].
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"code.hybscloud.com/stageq"
	"code.hybscloud.com/stageq/logging"
)

// Config holds pipeline configuration.
type Config struct {
	Name          string         `envconfig:"NAME" default:"pipeline"`
	Capacity      int            `envconfig:"CAPACITY" default:"1024"`
	MaxChunk      int            `envconfig:"MAX_CHUNK" default:"64"`
	IdleTimeout   time.Duration  `envconfig:"IDLE_TIMEOUT" default:"30s"`
	RetryInterval time.Duration  `envconfig:"RETRY_INTERVAL" default:"10ms"`
	SweepSpins    int            `envconfig:"SWEEP_SPINS" default:"32"`
	Permanent     bool           `envconfig:"PERMANENT" default:"false"`
	Dispatch      DispatchConfig `envconfig:"DISPATCH"`
	Log           LogConfig      `envconfig:"LOG"`
}

// DispatchConfig holds Dispatcher configuration. Its variables are read
// under the DISPATCH_ infix, e.g. STAGEQ_DISPATCH_MAX_THREADS.
type DispatchConfig struct {
	Capacity    int           `envconfig:"CAPACITY" default:"256"`
	MaxThreads  int           `envconfig:"MAX_THREADS" default:"16"`
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Name:          "pipeline",
		Capacity:      1024,
		MaxChunk:      stageq.DefaultMaxChunk,
		IdleTimeout:   stageq.DefaultIdleTimeout,
		RetryInterval: stageq.DefaultRetryInterval,
		SweepSpins:    stageq.DefaultSweepSpins,
		Dispatch: DispatchConfig{
			Capacity:    256,
			MaxThreads:  stageq.DefaultDispatchThreads,
			IdleTimeout: stageq.DefaultIdleTimeout,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from environment variables. With prefix
// "STAGEQ" the capacity is read from STAGEQ_CAPACITY.
func Load(prefix string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig mirrors Config for YAML; durations are strings such as "250ms".
type fileConfig struct {
	Name          string `yaml:"name"`
	Capacity      int    `yaml:"capacity"`
	MaxChunk      int    `yaml:"max_chunk"`
	IdleTimeout   string `yaml:"idle_timeout"`
	RetryInterval string `yaml:"retry_interval"`
	SweepSpins    *int   `yaml:"sweep_spins"`
	Permanent     bool   `yaml:"permanent"`
	Dispatch      struct {
		Capacity    int    `yaml:"capacity"`
		MaxThreads  int    `yaml:"max_threads"`
		IdleTimeout string `yaml:"idle_timeout"`
	} `yaml:"dispatch"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// LoadFile reads a YAML file. Fields absent from the file keep their
// defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if fc.Name != "" {
		cfg.Name = fc.Name
	}
	if fc.Capacity != 0 {
		cfg.Capacity = fc.Capacity
	}
	if fc.MaxChunk != 0 {
		cfg.MaxChunk = fc.MaxChunk
	}
	if fc.SweepSpins != nil {
		cfg.SweepSpins = *fc.SweepSpins
	}
	cfg.Permanent = fc.Permanent
	if fc.Dispatch.Capacity != 0 {
		cfg.Dispatch.Capacity = fc.Dispatch.Capacity
	}
	if fc.Dispatch.MaxThreads != 0 {
		cfg.Dispatch.MaxThreads = fc.Dispatch.MaxThreads
	}
	if fc.Log.Level != "" {
		cfg.Log.Level = fc.Log.Level
	}
	cfg.Log.Development = fc.Log.Development

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.IdleTimeout, &cfg.IdleTimeout},
		{fc.RetryInterval, &cfg.RetryInterval},
		{fc.Dispatch.IdleTimeout, &cfg.Dispatch.IdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the builder would reject.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be >= 1, got %d", c.Capacity))
	}
	if c.MaxChunk < 1 {
		errs = append(errs, fmt.Errorf("max chunk must be >= 1, got %d", c.MaxChunk))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry interval must be > 0, got %s", c.RetryInterval))
	}
	if c.SweepSpins < 0 {
		errs = append(errs, fmt.Errorf("sweep spins must be >= 0, got %d", c.SweepSpins))
	}
	if c.Dispatch.Capacity < 1 {
		errs = append(errs, fmt.Errorf("dispatch capacity must be >= 1, got %d", c.Dispatch.Capacity))
	}
	if c.Dispatch.MaxThreads < 1 {
		errs = append(errs, fmt.Errorf("dispatch max threads must be >= 1, got %d", c.Dispatch.MaxThreads))
	}
	return errors.Join(errs...)
}

// Logger builds the zap logger described by the Log section.
func (c Config) Logger() (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:       c.Log.Level,
		Development: c.Log.Development,
	})
}

// Builder returns a pipeline builder configured from c.
func (c Config) Builder() *stageq.Builder {
	b := stageq.New(c.Capacity).
		Name(c.Name).
		MaxChunk(c.MaxChunk).
		IdleTimeout(c.IdleTimeout).
		RetryInterval(c.RetryInterval).
		SweepSpins(c.SweepSpins).
		MaxThreads(c.Dispatch.MaxThreads)
	if c.Permanent {
		b.Permanent()
	}
	return b
}

// DispatchBuilder returns a dispatcher builder configured from c.
func (c Config) DispatchBuilder() *stageq.Builder {
	return stageq.New(c.Dispatch.Capacity).
		Name(c.Name + "-dispatch").
		IdleTimeout(c.Dispatch.IdleTimeout).
		MaxThreads(c.Dispatch.MaxThreads)
}
