// Package main provides the entry point for the agent-brain CLI.
package main

import (
	"os"

	"github.com/SpillwaveSolutions/agent-brain/cmd/agentbrain/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
