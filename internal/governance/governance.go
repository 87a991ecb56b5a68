// Package governance implements the closed-loop controller: it samples CPU,
// memory, and error/operation counts on a fixed cadence and adjusts the
// executor's pause/throttle state to keep the system stable, escalating to
// a human operator when pause bursts recur.
package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/swarmguard/taskengine/internal/config"
	"github.com/swarmguard/taskengine/internal/counter"
	"github.com/swarmguard/taskengine/internal/executor"
	"github.com/swarmguard/taskengine/internal/store"
	"github.com/swarmguard/taskengine/internal/telemetry"
	"github.com/swarmguard/taskengine/internal/webhook"
)

// Sample is one observation of system health.
type Sample struct {
	TS     time.Time
	CPU    float64
	Mem    float64
	Errors int
	Ops    int
}

// Controller is the governance loop described in spec §4F.
type Controller struct {
	cfg        config.GovernanceConfig
	telemetry  config.TelemetryConfig
	escalation config.EscalationConfig
	ceiling    int // configured_max, the recover rule's upper bound

	store    *store.Store
	executor *executor.Executor
	counter  *counter.Counter
	metrics  telemetry.Metrics
	logs     *telemetry.EventLogs
	webhook  *webhook.Client

	mu           sync.Mutex
	samples      []Sample
	pauseEvents  []time.Time
	lastSummary  time.Time
	cooldownUntil time.Time
	healthySince  time.Time
	pauseUntil    time.Time

	// escalationArmed is per-run state, reset every process start. The
	// loaded EscalationConfig is never mutated — see spec §9's open
	// question on "enabled=false after fire".
	escalationArmed bool

	shutdown chan struct{}
}

// New builds a Controller. escalationArmed starts true iff escalation is
// configured enabled; it latches false for the rest of this run once fired.
func New(cfg config.GovernanceConfig, tel config.TelemetryConfig, esc config.EscalationConfig, configuredMax int, st *store.Store, ex *executor.Executor, cnt *counter.Counter, metrics telemetry.Metrics, logs *telemetry.EventLogs, wh *webhook.Client) *Controller {
	return &Controller{
		cfg:             cfg,
		telemetry:       tel,
		escalation:      esc,
		ceiling:         configuredMax,
		store:           st,
		executor:        ex,
		counter:         cnt,
		metrics:         metrics,
		logs:            logs,
		webhook:         wh,
		escalationArmed: esc.Enabled,
		shutdown:        make(chan struct{}),
	}
}

// Run samples on sample_interval_s cadence until ctx is cancelled or Stop is
// called.
func (c *Controller) Run(ctx context.Context) {
	interval := time.Duration(c.telemetry.SampleIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleOnce(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (c *Controller) Stop() {
	close(c.shutdown)
}

func (c *Controller) sampleOnce(ctx context.Context) {
	cpuPct, err := sampleCPU()
	if err != nil {
		slog.Warn("cpu sample failed", "error", err)
	}
	memPct, err := sampleMem()
	if err != nil {
		slog.Warn("mem sample failed", "error", err)
	}

	ops, errs := c.counter.Snapshot(time.Duration(c.cfg.WindowS) * time.Second)
	now := time.Now().UTC()
	sample := Sample{TS: now, CPU: cpuPct, Mem: memPct, Errors: errs, Ops: ops}

	c.mu.Lock()
	c.samples = append(c.samples, sample)
	c.trimLocked(now)
	c.mu.Unlock()

	if err := c.store.InsertMetrics(ctx, store.MetricsRecord{
		TS: now, CPUPct: cpuPct, MemPct: memPct, ErrorsCount: errs, OperationsCount: ops,
	}); err != nil {
		slog.Warn("insert_metrics failed", "error", err)
	}
	c.writeMetricsSample(sample)

	c.evaluate(now, sample)

	c.mu.Lock()
	dueSummary := now.Sub(c.lastSummary) >= time.Duration(c.telemetry.LogIntervalS)*time.Second
	c.mu.Unlock()
	if dueSummary {
		c.logSummary(now)
		c.mu.Lock()
		c.lastSummary = now
		c.mu.Unlock()
	}
}

func sampleCPU() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

func sampleMem() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (c *Controller) trimLocked(now time.Time) {
	window := time.Duration(c.cfg.WindowS) * time.Second
	i := 0
	for ; i < len(c.samples); i++ {
		if now.Sub(c.samples[i].TS) <= window {
			break
		}
	}
	c.samples = append([]Sample(nil), c.samples[i:]...)

	j := 0
	for ; j < len(c.pauseEvents); j++ {
		if now.Sub(c.pauseEvents[j]) <= 30*time.Minute {
			break
		}
	}
	c.pauseEvents = append([]time.Time(nil), c.pauseEvents[j:]...)
}

func (c *Controller) rollingAverages() (cpuAvg, memAvg float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		return 0, 0
	}
	var cpuSum, memSum float64
	for _, s := range c.samples {
		cpuSum += s.CPU
		memSum += s.Mem
	}
	n := float64(len(c.samples))
	return cpuSum / n, memSum / n
}

// evaluate runs the pause → throttle → recover rules, first-match-wins, then
// checks for escalation.
func (c *Controller) evaluate(now time.Time, sample Sample) {
	cpuAvg, memAvg := c.rollingAverages()

	switch {
	case sample.Errors >= c.cfg.PauseAfterErrorBurst.Threshold:
		c.triggerPause(now)
	case cpuAvg >= c.cfg.CPUHighPct || memAvg >= c.cfg.MemHighPct:
		c.triggerThrottle(now)
	default:
		c.attemptRecover(now, cpuAvg, memAvg)
	}

	c.maybeEscalate(now)
}

func (c *Controller) triggerPause(now time.Time) {
	c.mu.Lock()
	if !c.pauseUntil.IsZero() && now.Before(c.pauseUntil) {
		c.mu.Unlock()
		return
	}
	duration := time.Duration(c.cfg.PauseAfterErrorBurst.DurationS) * time.Second
	c.pauseUntil = now.Add(duration)
	c.pauseEvents = append(c.pauseEvents, now)
	c.mu.Unlock()

	c.executor.PauseFor(duration)
	if c.metrics.GovernancePause != nil {
		c.metrics.GovernancePause.Add(context.Background(), 1)
	}
	c.logEvent("pause", "duration_s", int(duration.Seconds()), "reason", "error_burst")
}

func (c *Controller) triggerThrottle(now time.Time) {
	c.mu.Lock()
	if !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil) {
		c.mu.Unlock()
		return
	}
	c.cooldownUntil = now.Add(time.Duration(c.cfg.WindowS) * time.Second)
	c.mu.Unlock()

	newMax := c.executor.EffectiveMax() - 1
	if newMax < 1 {
		newMax = 1
	}
	c.executor.SetEffectiveMax(newMax)
	if c.metrics.GovernanceThrottle != nil {
		c.metrics.GovernanceThrottle.Add(context.Background(), 1)
	}
	c.logEvent("throttle", "reason", "resource_pressure", "effective_max", newMax)
}

func (c *Controller) attemptRecover(now time.Time, cpuAvg, memAvg float64) {
	healthy := cpuAvg < c.cfg.CPUHighPct && memAvg < c.cfg.MemHighPct

	c.mu.Lock()
	if !c.pauseUntil.IsZero() && now.Before(c.pauseUntil) {
		healthy = false
	}
	if !healthy {
		c.healthySince = time.Time{}
		c.mu.Unlock()
		return
	}
	if c.healthySince.IsZero() {
		c.healthySince = now
		c.mu.Unlock()
		return
	}
	sustained := now.Sub(c.healthySince) >= time.Duration(c.cfg.WindowS)*time.Second
	pauseUntil := c.pauseUntil
	c.mu.Unlock()

	if !sustained {
		return
	}

	if next := c.executor.EffectiveMax() + 1; next <= c.ceiling {
		c.executor.SetEffectiveMax(next)
		if c.metrics.GovernanceRecover != nil {
			c.metrics.GovernanceRecover.Add(context.Background(), 1)
		}
		c.logEvent("recover", "effective_max", next)
	}

	if !pauseUntil.IsZero() && !now.Before(pauseUntil) {
		c.executor.Resume()
		c.mu.Lock()
		c.pauseUntil = time.Time{}
		c.mu.Unlock()
		c.logEvent("resume")
	}
}

func (c *Controller) maybeEscalate(now time.Time) {
	c.mu.Lock()
	armed := c.escalationArmed
	pauseCount := len(c.pauseEvents)
	c.mu.Unlock()

	if !armed || pauseCount < c.cfg.HumanReviewAfterPauseBursts {
		return
	}

	c.mu.Lock()
	c.escalationArmed = false
	cpuAvg, memAvg := 0.0, 0.0
	var errs, ops int
	for _, s := range c.samples {
		cpuAvg += s.CPU
		memAvg += s.Mem
		errs += s.Errors
		ops += s.Ops
	}
	n := float64(len(c.samples))
	if n > 0 {
		cpuAvg /= n
		memAvg /= n
	}
	c.mu.Unlock()

	failing := c.counter.FailingTypes(time.Duration(c.cfg.WindowS) * time.Second)
	var lastLines []string
	if c.logs != nil {
		lastLines, _ = c.logs.TailLines(50)
	}

	payload := webhook.Payload{
		TS:                   now,
		Reason:               "repeated_pause",
		CurrentMaxConcurrent: c.executor.EffectiveMax(),
		WindowStats: webhook.WindowStats{
			CPUAvg: cpuAvg, MemAvg: memAvg, Errors: errs, Ops: ops,
		},
		TopErrorTypes: failing,
		LastNLogLines: lastLines,
	}

	slog.Error("governance_escalation", "payload", payload)
	if c.metrics.GovernanceEscalate != nil {
		c.metrics.GovernanceEscalate.Add(context.Background(), 1)
	}

	if c.escalation.WebhookURL != "" && c.webhook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.webhook.Deliver(ctx, c.escalation.WebhookURL, payload); err != nil {
			slog.Error("escalation delivery failed", "error", err)
		}
	}
}

func (c *Controller) writeMetricsSample(s Sample) {
	if c.logs == nil {
		return
	}
	c.logs.Metrics.Info("metrics_sample",
		"cpu_pct", s.CPU, "mem_pct", s.Mem, "errors", s.Errors, "operations", s.Ops)
}

func (c *Controller) logSummary(now time.Time) {
	c.mu.Lock()
	cpuAvg, memAvg := 0.0, 0.0
	var errsSum int
	for _, s := range c.samples {
		cpuAvg += s.CPU
		memAvg += s.Mem
		errsSum += s.Errors
	}
	n := float64(len(c.samples))
	if n > 0 {
		cpuAvg /= n
		memAvg /= n
	}
	activeSamples := len(c.samples)
	pauseEvents := len(c.pauseEvents)
	c.mu.Unlock()

	if c.logs == nil {
		return
	}
	c.logs.Metrics.Info("governance_summary",
		"cpu_avg", cpuAvg, "mem_avg", memAvg, "active_samples", activeSamples,
		"effective_max", c.executor.EffectiveMax(), "pause_events", pauseEvents, "errors_samples", errsSum)
}

func (c *Controller) logEvent(event string, args ...any) {
	if c.logs == nil {
		return
	}
	c.logs.Metrics.Info("governance_event", append([]any{"event", event}, args...)...)
}
