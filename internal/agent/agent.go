// Package agent wires the task store, handler registry, operations
// counter, executor, governance controller, and optional ingest bridge
// into the single facade the CLI drives.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskengine/internal/config"
	"github.com/swarmguard/taskengine/internal/counter"
	"github.com/swarmguard/taskengine/internal/executor"
	"github.com/swarmguard/taskengine/internal/governance"
	"github.com/swarmguard/taskengine/internal/ingest"
	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/resilience"
	"github.com/swarmguard/taskengine/internal/store"
	"github.com/swarmguard/taskengine/internal/telemetry"
	"github.com/swarmguard/taskengine/internal/webhook"
)

// Agent is the process-wide facade: it owns the store, the dispatcher, and
// the governance loop, and is the only thing cmd/taskengine talks to.
type Agent struct {
	cfg      config.AgentConfig
	store    *store.Store
	registry *registry.Registry
	counter  *counter.Counter
	executor *executor.Executor
	gov      *governance.Controller
	logs     *telemetry.EventLogs
	ingest   *ingest.Bridge

	runID string

	metricsShutdown func(context.Context) error
	tracerShutdown  func(context.Context) error

	gcCancel context.CancelFunc
}

// New loads no config itself — cfg must already be validated (config.Load
// does that) — and wires every component spec §2 names.
func New(ctx context.Context, cfg config.AgentConfig, logDir string) (*Agent, error) {
	logs, err := telemetry.OpenEventLogs(logDir)
	if err != nil {
		return nil, fmt.Errorf("open event logs: %w", err)
	}

	metricsShutdown, metrics := telemetry.InitMetrics(ctx, "taskengine")
	tracerShutdown := telemetry.InitTracer(ctx, "taskengine")

	st, err := store.Open(cfg.Persistence.DBPath, otel.Meter("taskengine"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New()
	cnt := counter.New()
	policy := resilience.NewRetryPolicy(cfg.RetryDelay(), cfg.Bulk.RetryAttempts)
	ex := executor.New(st, reg, cnt, policy, metrics, logs.Agent, cfg.Bulk.MaxConcurrent)

	wh := webhook.New(10 * time.Second)
	gov := governance.New(cfg.Governance, cfg.Telemetry, cfg.Escalation, cfg.Bulk.MaxConcurrent, st, ex, cnt, metrics, logs, wh)

	a := &Agent{
		cfg:             cfg,
		store:           st,
		registry:        reg,
		counter:         cnt,
		executor:        ex,
		gov:             gov,
		logs:            logs,
		runID:           uuid.NewString(),
		metricsShutdown: metricsShutdown,
		tracerShutdown:  tracerShutdown,
	}

	if cfg.Ingest.Enabled {
		limiter := resilience.NewRateLimiter(100, 50, time.Second, 200)
		bridge, err := ingest.New(cfg.Ingest.NATSURL, a, limiter)
		if err != nil {
			return nil, fmt.Errorf("init ingest bridge: %w", err)
		}
		a.ingest = bridge
	}

	return a, nil
}

// RegisterHandler binds fn under taskType.
func (a *Agent) RegisterHandler(taskType string, fn registry.Handler, cpuBound bool) {
	a.registry.Register(taskType, fn, cpuBound)
	a.logs.Agent.Info("handler_registered", "task_type", taskType, "cpu_bound", cpuBound)
}

// Registry exposes the handler registry directly, for callers (like the
// reference handler package) that register several handlers at once.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Enqueue assigns a new task id and stores it queued. It implements
// ingest.Enqueuer so the NATS bridge can call it directly.
func (a *Agent) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, priority int, scheduledFor time.Time, maxAttempts int, idempotencyKey string) (string, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = a.cfg.Bulk.RetryAttempts
	}
	id := uuid.NewString()
	priorID, deduped, err := a.store.Enqueue(ctx, id, taskType, payload, priority, scheduledFor, maxAttempts, idempotencyKey)
	if err != nil {
		return "", false, err
	}
	if deduped {
		a.logs.Agent.Info("task_deduplicated", "task_id", priorID, "task_type", taskType, "idempotency_key", idempotencyKey)
		return priorID, true, nil
	}
	a.logs.Agent.Info("task_enqueued", "task_id", id, "task_type", taskType, "priority", priority)
	return id, false, nil
}

// Run starts the executor and governance loops and blocks until ctx is
// cancelled. Startup performs a one-shot RequeueStale pass and starts the
// background GC ticker (SPEC_FULL.md supplement 3).
func (a *Agent) Run(ctx context.Context) error {
	if err := a.store.StartRun(ctx, a.runID); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	requeued, err := a.store.RequeueStale(ctx, a.cfg.HeartbeatTTL())
	if err != nil {
		return fmt.Errorf("requeue stale: %w", err)
	}
	if requeued > 0 {
		slog.Info("requeued stale reservations", "count", requeued)
	}

	gcCtx, gcCancel := context.WithCancel(ctx)
	a.gcCancel = gcCancel
	go a.runGC(gcCtx)

	if a.ingest != nil {
		if err := a.ingest.Start(a.cfg.Ingest.Subject); err != nil {
			return fmt.Errorf("start ingest bridge: %w", err)
		}
	}

	go a.gov.Run(ctx)
	a.executor.Run(ctx)

	stats := map[string]any{
		"failing_types": a.counter.FailingTypes(24 * time.Hour),
	}
	_ = a.store.FinishRun(context.Background(), a.runID, "stopped", stats)
	return nil
}

func (a *Agent) runGC(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(a.cfg.Persistence.GCCompletedAfterDays) * 24 * time.Hour)
			n, err := a.store.CleanupCompleted(ctx, cutoff)
			if err != nil {
				slog.Error("cleanup_completed failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("cleanup_completed removed tasks", "count", n)
			}
		}
	}
}

// Stats returns the store's queue-depth snapshot plus the current run id,
// for the CLI `stats` command.
func (a *Agent) Stats() map[string]any {
	s := a.store.Stats()
	s["run_id"] = a.runID
	s["effective_max_concurrent"] = a.executor.EffectiveMax()
	s["registered_handlers"] = a.registry.Types()
	return s
}

// Inspect returns one task's full record for the CLI `inspect` command.
func (a *Agent) Inspect(ctx context.Context, taskID string) (store.TaskRecord, error) {
	return a.store.FetchTask(ctx, taskID)
}

// Shutdown stops the governance loop, the ingest bridge, the GC ticker, and
// waits for the executor's inflight handlers to finish, then flushes
// telemetry and closes the store.
func (a *Agent) Shutdown(ctx context.Context) {
	a.gov.Stop()
	if a.ingest != nil {
		a.ingest.Stop()
	}
	if a.gcCancel != nil {
		a.gcCancel()
	}
	a.executor.Shutdown()

	telemetry.Flush(ctx, a.tracerShutdown)
	telemetry.Flush(ctx, a.metricsShutdown)
	_ = a.logs.Close()
	_ = a.store.Close()
}
