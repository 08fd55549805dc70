// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/controlplane"
	"github.com/ami-project/ami/lib/version"
)

// defaultAddress is the manager's default control-plane port.
const defaultAddress = "localhost:5557"

// app holds the client's I/O streams.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// connection holds the flags every command that talks to the manager
// shares.
type connection struct {
	address string
	timeout time.Duration
}

func (c *connection) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.address, "address", defaultAddress, "manager control-plane address")
	flagSet.DurationVar(&c.timeout, "timeout", 2*time.Minute, "bound on the whole request, including worker round trips")
}

// call dials the manager, runs fn and closes the connection.
func (c *connection) call(fn func(ctx context.Context, client *controlplane.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	client, err := controlplane.Dial(ctx, c.address)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func (a *app) root() *Command {
	return &Command{
		Name:    "ami-client",
		Summary: "Query and control an AMI manager.",
		Subcommands: []*Command{
			a.featuresCommand(),
			a.featureCommand(),
			a.graphCommand(),
			a.versionCommand(),
		},
	}
}

func (a *app) versionCommand() *Command {
	return &Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			version.Print(a.stdout, "ami-client")
			return nil
		},
	}
}

func (a *app) featuresCommand() *Command {
	var (
		conn       connection
		jsonOutput bool
	)
	return &Command{
		Name:    "features",
		Summary: "List the features in the manager's result store",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("features", pflag.ContinueOnError)
			conn.register(flagSet)
			flagSet.BoolVar(&jsonOutput, "json", false, "print the name-to-descriptor map as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("features takes no arguments, got %d", len(args))
			}
			return conn.call(func(ctx context.Context, client *controlplane.Client) error {
				features, err := client.GetFeatures(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(a.stdout, features)
				}
				fmt.Fprint(a.stdout, renderFeatures(features))
				return nil
			})
		},
	}
}

func (a *app) featureCommand() *Command {
	var (
		conn   connection
		output string
	)
	return &Command{
		Name:    "feature",
		Summary: "Pull one feature from the worker pool and print its data",
		Usage:   "ami-client feature <name> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("feature", pflag.ContinueOnError)
			conn.register(flagSet)
			flagSet.StringVarP(&output, "output", "o", "", "write the data to this file instead of stdout")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("feature takes exactly one feature name, got %d arguments", len(args))
			}
			return conn.call(func(ctx context.Context, client *controlplane.Client) error {
				data, err := client.Feature(ctx, args[0])
				if err != nil {
					return err
				}
				return a.writeOutput(output, data)
			})
		},
	}
}

func (a *app) graphCommand() *Command {
	return &Command{
		Name:    "graph",
		Summary: "Read or replace the analysis graph",
		Subcommands: []*Command{
			a.graphGetCommand(),
			a.graphSetCommand(),
		},
	}
}

func (a *app) graphGetCommand() *Command {
	var (
		conn   connection
		format string
		output string
	)
	return &Command{
		Name:    "get",
		Summary: "Print the current graph",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
			conn.register(flagSet)
			flagSet.StringVar(&format, "format", "json", "json, diag (CBOR diagnostic notation) or cbor")
			flagSet.StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("graph get takes no arguments, got %d", len(args))
			}
			return conn.call(func(ctx context.Context, client *controlplane.Client) error {
				raw, err := client.GetGraph(ctx)
				if err != nil {
					return err
				}
				rendered, err := formatGraph(raw, format)
				if err != nil {
					return err
				}
				return a.writeOutput(output, rendered)
			})
		},
	}
}

func (a *app) graphSetCommand() *Command {
	var conn connection
	return &Command{
		Name:    "set",
		Summary: "Replace the graph from a JSON (with comments) file and distribute it",
		Usage:   "ami-client graph set <file|-> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			conn.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("graph set takes exactly one file, got %d arguments", len(args))
			}
			source, err := a.readInput(args[0])
			if err != nil {
				return err
			}
			graph, err := parseGraph(source)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return conn.call(func(ctx context.Context, client *controlplane.Client) error {
				if err := client.SetGraph(ctx, graph); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, "graph distributed")
				return nil
			})
		},
	}
}

// parseGraph strips comments and trailing commas from a JSONC
// document and decodes it. Integral numbers stay integers so they
// encode as CBOR integers.
func parseGraph(source []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(source)))
	decoder.UseNumber()
	var graph any
	if err := decoder.Decode(&graph); err != nil {
		return nil, fmt.Errorf("parsing graph: %w", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("parsing graph: document is null")
	}
	return normalizeNumbers(graph), nil
}

func normalizeNumbers(value any) any {
	switch value := value.(type) {
	case json.Number:
		if integer, err := value.Int64(); err == nil {
			return integer
		}
		float, _ := value.Float64()
		return float
	case map[string]any:
		for key, element := range value {
			value[key] = normalizeNumbers(element)
		}
		return value
	case []any:
		for i, element := range value {
			value[i] = normalizeNumbers(element)
		}
		return value
	default:
		return value
	}
}

// formatGraph renders raw CBOR as JSON, diagnostic notation or the
// bytes themselves.
func formatGraph(raw codec.RawMessage, format string) ([]byte, error) {
	switch format {
	case "cbor":
		return raw, nil
	case "diag":
		notation, err := codec.Diagnose(raw)
		if err != nil {
			return nil, fmt.Errorf("rendering graph: %w", err)
		}
		return []byte(notation + "\n"), nil
	case "json":
		var graph any
		if err := codec.Unmarshal(raw, &graph); err != nil {
			return nil, fmt.Errorf("decoding graph: %w", err)
		}
		var buffer bytes.Buffer
		if err := writeJSON(&buffer, graph); err != nil {
			return nil, fmt.Errorf("graph is not representable as JSON (try --format diag): %w", err)
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want json, diag or cbor)", format)
	}
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (a *app) readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func (a *app) writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := a.stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
