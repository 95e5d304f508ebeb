// Command amux is a cobra command tree over package client, plus a
// hidden daemon-runner subcommand used only by the re-exec bootstrap
// in daemon.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "amux",
	Short: "A terminal session multiplexer daemon and client",
	Long: `amux runs sessions under a background daemon so they keep running
after you detach or close your terminal. Attach again later from any
terminal to pick up where you left off.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "amux:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(
		newCommand(),
		lsCommand(),
		attachCommand(),
		killCommand(),
		sendCommand(),
		startServerCommand(),
		killServerCommand(),
		pingCommand(),
		daemonRunCommand(), // hidden; invoked only by the re-exec in daemon.go
	)
}
