package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Remote terminal session bridge",
	Long: `Tether keeps long-lived interactive processes (shells and coding
agents) alive on a server and lets clients attach, detach, and reattach
over unreliable links without losing output or shell state.

Run "tether serve" to start the session server, then "tether attach"
from anywhere to connect to a session. Sessions survive disconnects;
reattaching replays the trailing output buffer.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
