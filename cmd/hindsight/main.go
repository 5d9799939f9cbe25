// Package main provides the hindsight CLI for inspecting and controlling the
// hindsightd ingestion daemon.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
