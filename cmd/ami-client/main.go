// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Ami-client is the command-line client of the manager's control
// plane. It lists stored features, reads and replaces the graph, and
// runs bulk feature pulls.
package main

import (
	"os"

	"github.com/ami-project/ami/lib/process"
)

func main() {
	client := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := client.root().Execute(os.Args[1:], os.Stderr); err != nil {
		process.Fatal(err)
	}
}
