// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the lineage service.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLineage/services/lineage/policy"
)

// MaxYAMLFileSize is the maximum allowed YAML file size (1MB).
// Prevents memory issues from oversized files.
const MaxYAMLFileSize = 1024 * 1024

// Config is the root service configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Policy  policy.Config `yaml:"policy"`
	Query   QueryConfig   `yaml:"query"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	// Addr is the listen address. Default: ":8084".
	Addr string `yaml:"addr"`

	// ReadTimeout bounds request reads. Default: 10s.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response writes. Default: 30s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig configures the append log and snapshots.
type StorageConfig struct {
	// DataDir holds the BadgerDB append log. Required unless InMemory.
	DataDir string `yaml:"data_dir"`

	// SnapshotDir holds graph snapshots. Default: DataDir + "/snapshots".
	SnapshotDir string `yaml:"snapshot_dir"`

	// SnapshotInterval is the compaction cadence. Zero disables the
	// compactor; POST /v1/lineage/snapshot still works. Default: 10m.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// SnapshotKeep is the number of snapshots to retain. Default: 3.
	SnapshotKeep int `yaml:"snapshot_keep"`

	// SyncWrites enables synchronous log writes. Default: true.
	SyncWrites bool `yaml:"sync_writes"`

	// MaxLogBytes caps the append log between checkpoints. Default: 1GB.
	MaxLogBytes int64 `yaml:"max_log_bytes"`

	// InMemory runs storage without disk persistence (testing only).
	InMemory bool `yaml:"in_memory"`
}

// QueryConfig configures the traversal query path.
type QueryConfig struct {
	// CacheMaxEntries is the query cache capacity. Default: 1000.
	CacheMaxEntries int `yaml:"cache_max_entries"`

	// CacheTTL bounds query result staleness. Default: 30s.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ComputeTimeout bounds a single traversal. Default: 500ms.
	ComputeTimeout time.Duration `yaml:"compute_timeout"`
}

// IngestConfig configures the event ingest path.
type IngestConfig struct {
	// RateLimit is the sustained events-per-second admission rate.
	// Zero disables rate limiting. Default: 500.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the rate limiter burst size. Default: 100.
	Burst int `yaml:"burst"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: json.
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8084",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:          "data/lineage",
			SnapshotInterval: 10 * time.Minute,
			SnapshotKeep:     3,
			SyncWrites:       true,
			MaxLogBytes:      1 << 30,
		},
		Policy: policy.DefaultConfig(),
		Query: QueryConfig{
			CacheMaxEntries: 1000,
			CacheTTL:        30 * time.Second,
			ComputeTimeout:  500 * time.Millisecond,
		},
		Ingest: IngestConfig{
			RateLimit: 500,
			Burst:     100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults.
//
// Inputs:
//
//	path - Config file path. Empty returns Default() unchanged.
//
// Outputs:
//
//	Config - The merged configuration, validated.
//	error - Non-nil if the file is unreadable, oversized, malformed,
//	        or fails validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return cfg, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxYAMLFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the loader cannot default away.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr must not be empty")
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required unless in_memory is set")
	}
	if c.Storage.SnapshotKeep < 1 {
		return errors.New("storage.snapshot_keep must be at least 1")
	}
	if c.Ingest.RateLimit < 0 {
		return errors.New("ingest.rate_limit must be non-negative")
	}
	if c.Ingest.Burst < 0 {
		return errors.New("ingest.burst must be non-negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return c.Policy.Validate()
}

// SnapshotDirOrDefault resolves the snapshot directory.
func (c *StorageConfig) SnapshotDirOrDefault() string {
	if c.SnapshotDir != "" {
		return c.SnapshotDir
	}
	return c.DataDir + "/snapshots"
}
