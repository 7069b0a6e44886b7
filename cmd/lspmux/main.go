// Package main provides the entry point for the lspmux CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/lspmux/cmd/lspmux/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.ErrorText(err))
		os.Exit(1)
	}
}
