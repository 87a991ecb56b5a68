package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmguard/taskengine/internal/agent"
	"github.com/swarmguard/taskengine/internal/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth, effective concurrency, and this invocation's run id",
		RunE:  runStats,
	}
	rootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	a, err := agent.New(ctx, cfg, ".")
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}
	defer a.Shutdown(ctx)

	out, err := json.MarshalIndent(a.Stats(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
