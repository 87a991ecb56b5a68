package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swarmguard/taskengine/internal/agent"
	"github.com/swarmguard/taskengine/internal/config"
	"github.com/swarmguard/taskengine/internal/handlers"
)

func init() {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume processing queued tasks until interrupted",
		RunE:  runResume,
	}
	rootCmd.AddCommand(cmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, ".")
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}
	handlers.Register(a.Registry())

	err = a.Run(ctx)
	a.Shutdown(context.Background())
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
