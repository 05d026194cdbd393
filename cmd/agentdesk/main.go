// Package main provides the entry point for the agentdesk CLI.
package main

import (
	"fmt"
	"os"

	"github.com/agentdesk/agentdesk/cmd/agentdesk/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
