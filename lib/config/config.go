// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the manager's startup configuration.
//
// Configuration comes from a single YAML file named by the --config
// flag or the AMI_CONFIG environment variable. There is no discovery:
// without either, the binaries start from Default() and their flags.
// Pool size, ports and timeouts are fixed for the life of the process;
// nothing here is reloaded.
//
// The file may contain per-environment sections (development,
// production) whose non-zero fields override the base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is a single-host setup, typically with simulated
	// workers.
	Development Environment = "development"
	// Production is a beamline deployment.
	Production Environment = "production"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "AMI_CONFIG"

// ErrNoConfig is returned by Load when AMI_CONFIG is not set.
var ErrNoConfig = errors.New(EnvironmentVariable + " environment variable not set")

// Config is the manager's configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Manager     ManagerConfig     `yaml:"manager"`
	Pull        PullConfig        `yaml:"pull"`
	Compression CompressionConfig `yaml:"compression"`
	Logging     LoggingConfig     `yaml:"logging"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the sections that can be overridden per
// environment.
type Overrides struct {
	Manager *ManagerConfig `yaml:"manager,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// ManagerConfig configures the manager's endpoints and the worker
// pool topology.
type ManagerConfig struct {
	// ControlAddress is the client-facing request/reply endpoint.
	// Default: ":5557".
	ControlAddress string `yaml:"control_address"`

	// CollectiveAddress is where worker ranks connect for graph
	// distribution and feature negotiation. Default: ":5558".
	CollectiveAddress string `yaml:"collective_address"`

	// IngestAddress is where workers stream their results.
	// Default: ":5559".
	IngestAddress string `yaml:"ingest_address"`

	// MetricsAddress serves /metrics and /health over HTTP. Empty
	// disables it.
	MetricsAddress string `yaml:"metrics_address"`

	// PoolSize is the total number of ranks including the manager
	// (rank 0). Workers are ranks 1..PoolSize-1.
	PoolSize int `yaml:"pool_size"`

	// CollectiveTimeout bounds every wait on the worker pool during
	// graph distribution and the feature pull. Zero waits forever.
	// Default: 30s.
	CollectiveTimeout time.Duration `yaml:"collective_timeout"`

	// JoinTimeout bounds how long startup waits for every worker
	// rank to connect. Default: 2m.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// MaxRequestSize caps a single client request frame in bytes.
	// Default: 64 MiB.
	MaxRequestSize int64 `yaml:"max_request_size"`
}

// PullConfig configures the quota policy of the bulk feature pull.
type PullConfig struct {
	// QuotaRank is the rank that receives a non-zero quota.
	// Default: 1.
	QuotaRank int `yaml:"quota_rank"`

	// Quota is the number of records that rank is asked to push.
	// Default: 2.
	Quota int `yaml:"quota"`
}

// CompressionConfig configures payload compression on worker links.
type CompressionConfig struct {
	// Threshold is the payload size in bytes from which compression
	// is attempted. Zero disables compression. Default: 4096.
	Threshold int `yaml:"threshold"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is text, json, or auto (text on a terminal, json
	// otherwise). Default: auto.
	Format string `yaml:"format"`
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		Manager: ManagerConfig{
			ControlAddress:    ":5557",
			CollectiveAddress: ":5558",
			IngestAddress:     ":5559",
			PoolSize:          2,
			CollectiveTimeout: 30 * time.Second,
			JoinTimeout:       2 * time.Minute,
			MaxRequestSize:    64 << 20,
		},
		Pull: PullConfig{
			QuotaRank: 1,
			Quota:     2,
		},
		Compression: CompressionConfig{
			Threshold: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from the file named by AMI_CONFIG. Returns
// ErrNoConfig if the variable is not set.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, ErrNoConfig
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over Default(), applies the
// matching environment overrides and expands ${VAR} references in
// addresses.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if manager := overrides.Manager; manager != nil {
		if manager.ControlAddress != "" {
			c.Manager.ControlAddress = manager.ControlAddress
		}
		if manager.CollectiveAddress != "" {
			c.Manager.CollectiveAddress = manager.CollectiveAddress
		}
		if manager.IngestAddress != "" {
			c.Manager.IngestAddress = manager.IngestAddress
		}
		if manager.MetricsAddress != "" {
			c.Manager.MetricsAddress = manager.MetricsAddress
		}
		if manager.PoolSize != 0 {
			c.Manager.PoolSize = manager.PoolSize
		}
		if manager.CollectiveTimeout != 0 {
			c.Manager.CollectiveTimeout = manager.CollectiveTimeout
		}
		if manager.JoinTimeout != 0 {
			c.Manager.JoinTimeout = manager.JoinTimeout
		}
		if manager.MaxRequestSize != 0 {
			c.Manager.MaxRequestSize = manager.MaxRequestSize
		}
	}

	if logging := overrides.Logging; logging != nil {
		if logging.Level != "" {
			c.Logging.Level = logging.Level
		}
		if logging.Format != "" {
			c.Logging.Format = logging.Format
		}
	}
}

func (c *Config) expandVariables() {
	c.Manager.ControlAddress = expandVars(c.Manager.ControlAddress)
	c.Manager.CollectiveAddress = expandVars(c.Manager.CollectiveAddress)
	c.Manager.IngestAddress = expandVars(c.Manager.IngestAddress)
	c.Manager.MetricsAddress = expandVars(c.Manager.MetricsAddress)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Manager.ControlAddress == "" {
		errs = append(errs, errors.New("manager.control_address is required"))
	}
	if c.Manager.CollectiveAddress == "" {
		errs = append(errs, errors.New("manager.collective_address is required"))
	}
	if c.Manager.IngestAddress == "" {
		errs = append(errs, errors.New("manager.ingest_address is required"))
	}
	if c.Manager.PoolSize < 2 {
		errs = append(errs, fmt.Errorf("manager.pool_size must be at least 2 (manager plus one worker), got %d", c.Manager.PoolSize))
	}
	if c.Manager.CollectiveTimeout < 0 {
		errs = append(errs, fmt.Errorf("manager.collective_timeout must not be negative, got %v", c.Manager.CollectiveTimeout))
	}
	if c.Manager.JoinTimeout < 0 {
		errs = append(errs, fmt.Errorf("manager.join_timeout must not be negative, got %v", c.Manager.JoinTimeout))
	}
	if c.Manager.MaxRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("manager.max_request_size must be positive, got %d", c.Manager.MaxRequestSize))
	}
	if c.Pull.QuotaRank < 1 || (c.Manager.PoolSize >= 2 && c.Pull.QuotaRank >= c.Manager.PoolSize) {
		errs = append(errs, fmt.Errorf("pull.quota_rank must name a worker rank in 1..%d, got %d", c.Manager.PoolSize-1, c.Pull.QuotaRank))
	}
	if c.Pull.Quota < 0 {
		errs = append(errs, fmt.Errorf("pull.quota must not be negative, got %d", c.Pull.Quota))
	}
	if c.Compression.Threshold < 0 {
		errs = append(errs, fmt.Errorf("compression.threshold must not be negative, got %d", c.Compression.Threshold))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json", "auto":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text, json or auto, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
