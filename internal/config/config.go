// Package config loads the samplebase YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/maruel/samplebase/internal/filelock"
	"github.com/maruel/samplebase/internal/record"
	"github.com/maruel/samplebase/internal/runner"
	"gopkg.in/yaml.v3"
)

// Config is the content of the configuration file.
type Config struct {
	// Dir holds the records.
	Dir string `yaml:"dir"`
	// Concurrency is the number of records processed concurrently by run.
	// 0 means GOMAXPROCS.
	Concurrency int `yaml:"concurrency"`
	// FailFast skips records being processed elsewhere instead of waiting.
	FailFast bool `yaml:"fail_fast"`
	// EagerLoad reloads records whose document changed on disk on access.
	EagerLoad bool `yaml:"eager_load"`
	// TaskTimeout bounds each task. 0 means unbounded.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// Lock configures lock acquisition.
	Lock Lock `yaml:"lock"`
}

// Lock configures lock acquisition.
type Lock struct {
	// RetryInterval is the maximum time between attempts on contention.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// StaleAfter lets a lock older than this be reclaimed. 0 means locks
	// never expire.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Dir:      "samples",
		LogLevel: "info",
		Lock:     Lock{RetryInterval: filelock.DefaultRetryInterval},
	}
}

// Load reads the file at path over the defaults. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is user provided on purpose
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c := Default()
	d := yaml.NewDecoder(bytes.NewReader(data))
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("dir is required")
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must be non-negative")
	}
	if c.TaskTimeout < 0 {
		return errors.New("task_timeout must be non-negative")
	}
	if c.Lock.RetryInterval < 0 {
		return errors.New("lock.retry_interval must be non-negative")
	}
	if c.Lock.StaleAfter < 0 {
		return errors.New("lock.stale_after must be non-negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel. An empty value means info.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return l, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// LockOptions returns the lock options.
func (c *Config) LockOptions(logger *slog.Logger) filelock.Options {
	return filelock.Options{
		RetryInterval: c.Lock.RetryInterval,
		StaleAfter:    c.Lock.StaleAfter,
		Logger:        logger,
	}
}

// RecordOptions returns the record store options.
func (c *Config) RecordOptions(logger *slog.Logger) *record.Options {
	return &record.Options{
		Lock:      c.LockOptions(logger),
		EagerLoad: c.EagerLoad,
		Logger:    logger,
	}
}

// RunnerOptions returns the parallel runner options.
func (c *Config) RunnerOptions(logger *slog.Logger) *runner.Options {
	return &runner.Options{
		Concurrency: c.Concurrency,
		FailFast:    c.FailFast,
		TaskTimeout: c.TaskTimeout,
		Logger:      logger,
	}
}
