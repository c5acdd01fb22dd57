package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "freshell",
	Short: "🐚 Freshell - terminal and coding session orchestrator",
	Long: `Freshell keeps your terminals and coding CLI sessions in one place.

It spawns PTY-backed terminals, watches Claude and Codex transcript
stores on disk, links fresh sessions back to the terminals that spawned
them, and streams everything to connected clients over WebSocket.

Run 'freshell serve' to start the server, or 'freshell attach' to open
a terminal from another machine.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
