package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmguard/taskengine/internal/agent"
	"github.com/swarmguard/taskengine/internal/config"
	"github.com/swarmguard/taskengine/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "inspect <task-id>",
		Short: "Print one task's full record",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	rootCmd.AddCommand(cmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
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

	rec, err := a.Inspect(ctx, args[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println(`{"error":"not_found"}`)
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return fmt.Errorf("task not found")
		}
		return fmt.Errorf("inspect %s: %w", args[0], err)
	}

	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
