// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Pathscope.
//
// Usage:
//
//	go run . [flags]
//	./pathscope [flags]
//
// This launches the Pathscope CLI. See --help for options.
package main

import (
	"log"
	"os"

	"github.com/pathscope/pathscope/ui/cli"
)

// main is the entrypoint for the Pathscope CLI.
func main() {
	if err := cli.Execute(); err != nil {
		log.Printf("Pathscope CLI error: %v", err)
		os.Exit(1)
	}
}
