// Package main is the entry point of the sudocode execution core. The
// binary exposes a small command tree: serve (the HTTP server and workflow
// engine), merge (the JSONL git merge driver), and version.
package main

import (
	"os"

	"github.com/sudocode-ai/sudocode/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
