// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Ami-worker-sim runs one synthetic worker rank against a manager. It
// joins the collective pool, follows graph distributions, answers
// feature pulls from a generated feature table and streams results and
// heartbeats to the manager's ingestion port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ami-project/ami/lib/collective"
	"github.com/ami-project/ami/lib/ingest"
	"github.com/ami-project/ami/lib/logging"
	"github.com/ami-project/ami/lib/process"
	"github.com/ami-project/ami/lib/version"
	"github.com/ami-project/ami/lib/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	collectiveAddress string
	ingestAddress     string
	rank              int
	poolSize          int
	features          []string
	itemSize          int
	heartbeat         time.Duration
	compression       int
	logLevel          string
	logFormat         string
	showVersion       bool
}

func parseOptions(args []string) (*options, error) {
	var o options
	flagSet := pflag.NewFlagSet("ami-worker-sim", pflag.ContinueOnError)
	flagSet.StringVar(&o.collectiveAddress, "collective-address", "localhost:5558", "manager collective address")
	flagSet.StringVar(&o.ingestAddress, "ingest-address", "localhost:5559", "manager ingestion address")
	flagSet.IntVar(&o.rank, "rank", 1, "this worker's rank (1..pool-size-1)")
	flagSet.IntVar(&o.poolSize, "pool-size", 2, "number of ranks including the manager")
	flagSet.StringSliceVar(&o.features, "feature", []string{"image:Image:4", "sum:float:8"},
		"feature as name:descriptor:count (repeatable)")
	flagSet.IntVar(&o.itemSize, "item-size", 1024, "bytes per generated item")
	flagSet.DurationVar(&o.heartbeat, "heartbeat", 5*time.Second, "heartbeat interval (0 disables)")
	flagSet.IntVar(&o.compression, "compression-threshold", 4096, "payload size from which frames are compressed (0 disables)")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&o.logFormat, "log-format", "auto", "text, json or auto")
	flagSet.BoolVar(&o.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if o.rank < 1 || o.rank >= o.poolSize {
		return nil, fmt.Errorf("--rank must be in 1..%d, got %d", o.poolSize-1, o.rank)
	}
	if o.itemSize < 0 {
		return nil, fmt.Errorf("--item-size must not be negative, got %d", o.itemSize)
	}
	return &o, nil
}

func run(args []string) error {
	o, err := parseOptions(args)
	if err != nil {
		return err
	}
	if o.showVersion {
		version.Print(os.Stdout, "ami-worker-sim")
		return nil
	}

	logger, err := logging.New(os.Stderr, o.logLevel, o.logFormat)
	if err != nil {
		return err
	}
	features, err := buildFeatures(o.features, o.rank, o.itemSize)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	threshold := o.compression
	if threshold == 0 {
		threshold = -1
	}

	stream, err := ingest.Dial(ctx, o.ingestAddress, threshold)
	if err != nil {
		return err
	}
	defer stream.Close()

	comm, err := collective.DialTCP(ctx, collective.DialConfig{
		Address:              o.collectiveAddress,
		Rank:                 collective.Rank(o.rank),
		Size:                 o.poolSize,
		CompressionThreshold: threshold,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	defer comm.Close()

	logger.Info("worker joined pool",
		"rank", o.rank,
		"pool_size", o.poolSize,
		"features", len(features),
		"version", version.Info(),
	)

	return worker.New(worker.Config{
		Comm:              comm,
		Publisher:         stream,
		Features:          features,
		HeartbeatInterval: o.heartbeat,
		Logger:            logger,
	}).Run(ctx)
}

// buildFeatures parses name:descriptor:count specs and generates count
// items of size bytes each. Item contents depend on rank, name and
// index so results from different workers are distinguishable.
func buildFeatures(specs []string, rank, size int) (map[string]worker.Feature, error) {
	features := make(map[string]worker.Feature, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("feature %q: want name:descriptor:count", spec)
		}
		count, err := strconv.Atoi(parts[2])
		if err != nil || count < 0 {
			return nil, fmt.Errorf("feature %q: count must be a non-negative integer", spec)
		}
		if _, duplicate := features[parts[0]]; duplicate {
			return nil, fmt.Errorf("feature %q declared twice", parts[0])
		}

		items := make([][]byte, count)
		for index := range items {
			items[index] = generateItem(rank, parts[0], index, size)
		}
		features[parts[0]] = worker.Feature{Descriptor: parts[1], Items: items}
	}
	return features, nil
}

// generateItem repeats a short label to fill size bytes.
func generateItem(rank int, name string, index, size int) []byte {
	label := fmt.Sprintf("rank=%d feature=%s item=%d;", rank, name, index)
	item := make([]byte, size)
	for offset := 0; offset < size; offset += len(label) {
		copy(item[offset:], label)
	}
	return item
}
