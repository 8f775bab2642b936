// Package main provides the entry point for the session bridge.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/sessionbridge/cmd/bridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
