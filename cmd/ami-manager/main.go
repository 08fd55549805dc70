// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Ami-manager is the manager process (rank 0) of an AMI worker pool.
// It serves the client control plane, distributes graphs to the
// workers, runs the bulk feature pull, and ingests worker results into
// the result store.
//
// Configuration comes from --config (or AMI_CONFIG) and is overridden
// by any flag given explicitly on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/config"
	"github.com/ami-project/ami/lib/logging"
	"github.com/ami-project/ami/lib/process"
	"github.com/ami-project/ami/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("ami-manager", pflag.ContinueOnError)
	var (
		configPath  string
		showVersion bool
	)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML configuration (default $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	overrides := registerOverrides(flagSet)

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if showVersion {
		version.Print(os.Stdout, "ami-manager")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	overrides.apply(flagSet, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger.Info("starting ami-manager",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"pool_size", cfg.Manager.PoolSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newManager(cfg, clock.Real(), logger).run(ctx); err != nil {
		return err
	}
	logger.Info("ami-manager stopped")
	return nil
}

// loadConfig reads path, falls back to AMI_CONFIG, and starts from
// the defaults when neither names a file.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.Load()
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), nil
	}
	return cfg, err
}

// flagOverrides holds the flags that override configuration fields.
type flagOverrides struct {
	controlAddress    *string
	collectiveAddress *string
	ingestAddress     *string
	metricsAddress    *string
	poolSize          *int
	collectiveTimeout *time.Duration
	joinTimeout       *time.Duration
	maxRequestSize    *int64
	quotaRank         *int
	quota             *int
	compression       *int
	logLevel          *string
	logFormat         *string
}

func registerOverrides(flagSet *pflag.FlagSet) *flagOverrides {
	defaults := config.Default()
	return &flagOverrides{
		controlAddress:    flagSet.String("control-address", defaults.Manager.ControlAddress, "client control-plane listen address"),
		collectiveAddress: flagSet.String("collective-address", defaults.Manager.CollectiveAddress, "worker collective listen address"),
		ingestAddress:     flagSet.String("ingest-address", defaults.Manager.IngestAddress, "worker result ingestion listen address"),
		metricsAddress:    flagSet.String("metrics-address", defaults.Manager.MetricsAddress, "HTTP address for /metrics and /health (empty disables)"),
		poolSize:          flagSet.Int("pool-size", defaults.Manager.PoolSize, "number of ranks including the manager"),
		collectiveTimeout: flagSet.Duration("collective-timeout", defaults.Manager.CollectiveTimeout, "bound on each wait for the worker pool (0 waits forever)"),
		joinTimeout:       flagSet.Duration("join-timeout", defaults.Manager.JoinTimeout, "bound on waiting for every worker to connect at startup"),
		maxRequestSize:    flagSet.Int64("max-request-size", defaults.Manager.MaxRequestSize, "largest accepted client request in bytes"),
		quotaRank:         flagSet.Int("quota-rank", defaults.Pull.QuotaRank, "worker rank given a non-zero quota in a feature pull"),
		quota:             flagSet.Int("quota", defaults.Pull.Quota, "items requested from the quota rank"),
		compression:       flagSet.Int("compression-threshold", defaults.Compression.Threshold, "payload size from which worker frames are compressed (0 disables)"),
		logLevel:          flagSet.String("log-level", defaults.Logging.Level, "debug, info, warn or error"),
		logFormat:         flagSet.String("log-format", defaults.Logging.Format, "text, json or auto"),
	}
}

// apply copies every flag given on the command line into cfg.
func (o *flagOverrides) apply(flagSet *pflag.FlagSet, cfg *config.Config) {
	changed := flagSet.Changed
	if changed("control-address") {
		cfg.Manager.ControlAddress = *o.controlAddress
	}
	if changed("collective-address") {
		cfg.Manager.CollectiveAddress = *o.collectiveAddress
	}
	if changed("ingest-address") {
		cfg.Manager.IngestAddress = *o.ingestAddress
	}
	if changed("metrics-address") {
		cfg.Manager.MetricsAddress = *o.metricsAddress
	}
	if changed("pool-size") {
		cfg.Manager.PoolSize = *o.poolSize
	}
	if changed("collective-timeout") {
		cfg.Manager.CollectiveTimeout = *o.collectiveTimeout
	}
	if changed("join-timeout") {
		cfg.Manager.JoinTimeout = *o.joinTimeout
	}
	if changed("max-request-size") {
		cfg.Manager.MaxRequestSize = *o.maxRequestSize
	}
	if changed("quota-rank") {
		cfg.Pull.QuotaRank = *o.quotaRank
	}
	if changed("quota") {
		cfg.Pull.Quota = *o.quota
	}
	if changed("compression-threshold") {
		cfg.Compression.Threshold = *o.compression
	}
	if changed("log-level") {
		cfg.Logging.Level = *o.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = *o.logFormat
	}
}
