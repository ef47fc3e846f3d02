package main

import (
	"os"

	"github.com/tcriess/lightspeed-session/persistence"
)

// A very simple CLI tool for the administration of lightspeed-session sessions.

func main() {
	rootCmd := newRootCmd(persistence.NewPersister)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
