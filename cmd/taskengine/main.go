// Command taskengine is the CLI entrypoint: enqueue work, resume
// processing, and inspect the engine's stored state. Every subcommand opens
// the store file exclusively, so stats and inspect cannot run while resume
// holds it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmguard/taskengine/internal/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskengine",
	Short: "Durable task execution engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the engine's YAML config file")
}

func main() {
	telemetry.InitLogging("taskengine")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
