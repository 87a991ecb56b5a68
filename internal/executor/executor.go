// Package executor drives the task queue forward: a single cooperative
// dispatcher loop subject to a dynamic concurrency cap, a pause window, and
// a shutdown signal, with handler invocations running in parallel.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskengine/internal/counter"
	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/resilience"
	"github.com/swarmguard/taskengine/internal/store"
	"github.com/swarmguard/taskengine/internal/telemetry"
)

// Executor is the single dispatcher described in spec §4E/§5.
type Executor struct {
	store    *store.Store
	registry *registry.Registry
	counter  *counter.Counter
	policy   resilience.RetryPolicy
	metrics  telemetry.Metrics
	eventLog *slog.Logger

	configuredMax int

	effectiveMax int64 // atomic, bounded [1, configuredMax]
	pauseUntil   atomic.Value // time.Time

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	shutdown chan struct{}
	wg       sync.WaitGroup

	// cpuPool bounds CPU-bound/blocking handler invocations to configuredMax
	// concurrent workers, the Go channel translation of the teacher's
	// dag_engine.go worker pool.
	cpuPool chan struct{}
}

// New builds an Executor. configuredMax is the hard ceiling; effective_max
// starts there.
func New(st *store.Store, reg *registry.Registry, cnt *counter.Counter, policy resilience.RetryPolicy, metrics telemetry.Metrics, eventLog *slog.Logger, configuredMax int) *Executor {
	e := &Executor{
		store:         st,
		registry:      reg,
		counter:       cnt,
		policy:        policy,
		metrics:       metrics,
		eventLog:      eventLog,
		configuredMax: configuredMax,
		inflight:      make(map[string]struct{}),
		shutdown:      make(chan struct{}),
		cpuPool:       make(chan struct{}, configuredMax),
	}
	e.effectiveMax = int64(configuredMax)
	e.pauseUntil.Store(time.Time{})
	return e
}

// EffectiveMax returns the current target concurrency.
func (e *Executor) EffectiveMax() int {
	return int(atomic.LoadInt64(&e.effectiveMax))
}

// SetEffectiveMax clamps v to [1, configuredMax] and logs the change.
func (e *Executor) SetEffectiveMax(v int) {
	if v < 1 {
		v = 1
	}
	if v > e.configuredMax {
		v = e.configuredMax
	}
	old := atomic.SwapInt64(&e.effectiveMax, int64(v))
	if int(old) != v {
		slog.Info("effective_max changed", "from", old, "to", v)
	}
	if e.metrics.EffectiveMax != nil {
		e.metrics.EffectiveMax.Record(context.Background(), int64(v))
	}
}

// PauseFor sets pause_until = now+d; no reservations occur until it elapses.
func (e *Executor) PauseFor(d time.Duration) {
	e.pauseUntil.Store(time.Now().Add(d))
}

// Resume clears any active pause.
func (e *Executor) Resume() {
	e.pauseUntil.Store(time.Time{})
}

// PauseUntil reports the instant reservations resume, or the zero time if
// not paused.
func (e *Executor) PauseUntil() time.Time {
	return e.pauseUntil.Load().(time.Time)
}

func (e *Executor) isPaused() bool {
	return time.Now().Before(e.PauseUntil())
}

func (e *Executor) inflightCount() int {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return len(e.inflight)
}

// Shutdown signals the loop to stop after its current iteration and waits
// for all inflight handler invocations to finish.
func (e *Executor) Shutdown() {
	close(e.shutdown)
	e.wg.Wait()
}

// Run executes the main dispatcher loop until ctx is cancelled or Shutdown
// is called.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-e.shutdown:
			e.wg.Wait()
			return
		case <-ctx.Done():
			e.wg.Wait()
			return
		default:
		}

		if e.isPaused() {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		available := e.EffectiveMax() - e.inflightCount()
		if available <= 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		batch, err := e.store.ReserveBatch(ctx, available)
		if err != nil {
			slog.Error("reserve_batch failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(batch) == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for _, task := range batch {
			e.spawn(ctx, task)
		}
	}
}

func (e *Executor) spawn(ctx context.Context, task store.TaskRecord) {
	e.inflightMu.Lock()
	e.inflight[task.ID] = struct{}{}
	e.inflightMu.Unlock()
	if e.metrics.InflightGauge != nil {
		e.metrics.InflightGauge.Record(ctx, int64(e.inflightCount()))
	}

	spec, lookupErr := e.registry.Lookup(task.Type)

	e.wg.Add(1)
	run := func() {
		defer e.wg.Done()
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, task.ID)
			e.inflightMu.Unlock()
		}()

		if lookupErr != nil {
			e.counter.Record(false, task.Type)
			e.failPermanently(ctx, task, resilience.PermanentHandlerNotFound(task.Type).Error())
			return
		}
		e.invoke(ctx, task, spec)
	}

	if lookupErr == nil && spec.CPUBound {
		e.cpuPool <- struct{}{}
		go func() {
			defer func() { <-e.cpuPool }()
			run()
		}()
		return
	}
	go run()
}

func (e *Executor) invoke(ctx context.Context, task store.TaskRecord, spec registry.Spec) {
	start := time.Now()

	if err := e.store.MarkInProgress(ctx, task.ID); err != nil {
		slog.Error("mark_in_progress failed", "task_id", task.ID, "error", err)
		return
	}

	result, err := spec.Fn(ctx, task.Payload)
	duration := time.Since(start)
	typeAttr := metric.WithAttributes(attribute.String("task_type", task.Type))
	if e.metrics.TaskDuration != nil {
		e.metrics.TaskDuration.Record(ctx, duration.Seconds(), typeAttr)
	}

	attempts := task.Attempts + 1 // MarkInProgress already incremented in the store; this mirrors it for the cap check
	effectiveCap := task.MaxAttempts
	if e.policy.MaxAttempts < effectiveCap {
		effectiveCap = e.policy.MaxAttempts
	}

	if err == nil {
		if cerr := e.store.Complete(ctx, task.ID, result); cerr != nil {
			slog.Error("complete failed", "task_id", task.ID, "error", cerr)
			return
		}
		e.counter.Record(true, task.Type)
		e.logEvent("task_completed", task.ID, "status", "succeeded", "attempts", attempts, "duration_ms", duration.Milliseconds())
		if e.metrics.TasksDispatched != nil {
			e.metrics.TasksDispatched.Add(ctx, 1, typeAttr)
		}
		return
	}

	e.counter.Record(false, task.Type)
	if resilience.IsPermanent(err) {
		e.failPermanently(ctx, task, err.Error())
		return
	}
	if attempts >= effectiveCap {
		e.failPermanently(ctx, task, resilience.PermanentRetriesExhausted(task.ID, attempts).Error())
		return
	}

	delay := e.policy.NextDelay(attempts)
	if serr := e.store.ScheduleRetry(ctx, task.ID, time.Now().Add(delay), err.Error()); serr != nil {
		slog.Error("schedule_retry failed", "task_id", task.ID, "error", serr)
	}
	if e.metrics.RetryAttempts != nil {
		e.metrics.RetryAttempts.Add(ctx, 1, typeAttr)
	}
	e.logEvent("task_failed", task.ID, "status", "retry_scheduled", "attempts", attempts, "retry_in_ms", delay.Milliseconds())
}

// failPermanently marks task failed in the store. Callers are responsible
// for recording the failure in the OperationsCounter exactly once, since
// some callers (invoke's retry path) already recorded the attempt before
// deciding it was the last one.
func (e *Executor) failPermanently(ctx context.Context, task store.TaskRecord, reason string) {
	if err := e.store.Fail(ctx, task.ID, reason); err != nil {
		slog.Error("fail failed", "task_id", task.ID, "error", err)
		return
	}
	e.logEvent("task_failed", task.ID, "status", "failed", "last_error", reason)
}

func (e *Executor) logEvent(msg, taskID string, args ...any) {
	if e.eventLog == nil {
		return
	}
	e.eventLog.Info(msg, append([]any{"task_id", taskID}, args...)...)
}

