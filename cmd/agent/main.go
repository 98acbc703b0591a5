// Command agent is the CLI surface named by spec §6: `run` starts the
// topology, `validate` build-checks a config document without starting
// it, SIGHUP reloads, SIGTERM/SIGINT shut down gracefully with a
// deadline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	exitOK          = 0
	exitConfigError = 78
	exitRuntimeError = 1
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Observability data pipeline agent",
}

func main() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(exitRuntimeError)
	}
}

// exitCodeFor classifies err per spec §7's taxonomy for the process
// exit code: a Config-kind error (bad document, unknown plugin type,
// graph validation failure) is 78; anything else that reaches main is a
// runtime error, 1.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if isConfigError(err) {
		return exitConfigError
	}
	return exitRuntimeError
}
