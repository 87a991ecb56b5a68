package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmguard/taskengine/internal/agent"
	"github.com/swarmguard/taskengine/internal/config"
)

var (
	enqueuePriority    int
	enqueueMaxAttempts int
	enqueueIdempoKey   string
	enqueueDelay       time.Duration
)

func init() {
	cmd := &cobra.Command{
		Use:   "enqueue <type> <json-payload>",
		Short: "Enqueue a new task",
		Args:  cobra.ExactArgs(2),
		RunE:  runEnqueue,
	}
	cmd.Flags().IntVar(&enqueuePriority, "priority", 0, "reservation priority, higher runs first")
	cmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "retry budget (0 = use bulk.retry_attempts)")
	cmd.Flags().StringVar(&enqueueIdempoKey, "idempotency-key", "", "dedupe key against prior succeeded tasks")
	cmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "delay before the task becomes eligible for reservation")
	rootCmd.AddCommand(cmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	taskType, rawPayload := args[0], args[1]
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
		return fmt.Errorf("payload must be valid JSON: %w", err)
	}

	ctx := context.Background()
	a, err := agent.New(ctx, cfg, ".")
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}
	defer a.Shutdown(ctx)

	scheduledFor := time.Now().Add(enqueueDelay)
	id, deduped, err := a.Enqueue(ctx, taskType, payload, enqueuePriority, scheduledFor, enqueueMaxAttempts, enqueueIdempoKey)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if deduped {
		fmt.Printf("deduped against existing succeeded task: %s\n", id)
		return nil
	}
	fmt.Printf("enqueued task: %s\n", id)
	return nil
}
