package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskengine/internal/counter"
	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/resilience"
	"github.com/swarmguard/taskengine/internal/store"
	"github.com/swarmguard/taskengine/internal/telemetry"
)

func telemetryNoop() telemetry.Metrics {
	return telemetry.Metrics{}
}

func newTestDeps(t *testing.T) (*store.Store, *registry.Registry, *counter.Counter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "t.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, registry.New(), counter.New()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestBasicSuccess(t *testing.T) {
	st, reg, cnt := newTestDeps(t)
	var peakInflight int64

	reg.Register("noop", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		return json.RawMessage(`{"ok":true}`), nil
	}, false)

	policy := resilience.NewRetryPolicy(time.Millisecond, 3)
	ex := New(st, reg, cnt, policy, telemetryNoop(), nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		st.Enqueue(ctx, id, "noop", nil, 0, time.Now(), 3, "")
	}

	go func() {
		for {
			if c := ex.inflightCount(); int64(c) > atomic.LoadInt64(&peakInflight) {
				atomic.StoreInt64(&peakInflight, int64(c))
			}
			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}()

	go ex.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		for _, id := range []string{"a", "b", "c", "d"} {
			rec, err := st.FetchTask(ctx, id)
			if err != nil || rec.Status != store.StatusSucceeded {
				return false
			}
		}
		return true
	})

	ex.Shutdown()

	if atomic.LoadInt64(&peakInflight) > 2 {
		t.Fatalf("peak inflight %d exceeded configured_max 2", peakInflight)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	st, reg, cnt := newTestDeps(t)
	var attempts int64

	reg.Register("flaky", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			return nil, errors.New("not yet")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}, false)

	policy := resilience.NewRetryPolicy(0, 3)
	ex := New(st, reg, cnt, policy, telemetryNoop(), nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.Enqueue(ctx, "t1", "flaky", nil, 0, time.Now(), 3, "")

	go ex.Run(ctx)
	waitFor(t, 2*time.Second, func() bool {
		rec, err := st.FetchTask(ctx, "t1")
		return err == nil && rec.Status == store.StatusSucceeded
	})
	ex.Shutdown()

	rec, _ := st.FetchTask(ctx, "t1")
	if rec.Attempts != 3 {
		t.Fatalf("expected attempts=3, got %d", rec.Attempts)
	}
}

func TestPermanentFailureAfterExhaustion(t *testing.T) {
	st, reg, cnt := newTestDeps(t)

	reg.Register("always-fails", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}, false)

	policy := resilience.NewRetryPolicy(0, 2)
	ex := New(st, reg, cnt, policy, telemetryNoop(), nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.Enqueue(ctx, "t1", "always-fails", nil, 0, time.Now(), 2, "")

	go ex.Run(ctx)
	waitFor(t, 2*time.Second, func() bool {
		rec, err := st.FetchTask(ctx, "t1")
		return err == nil && rec.Status == store.StatusFailed
	})
	ex.Shutdown()

	rec, _ := st.FetchTask(ctx, "t1")
	if rec.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", rec.Attempts)
	}
	if rec.LastError == "" {
		t.Fatalf("expected last_error to be populated")
	}
}

func TestMissingHandlerIsPermanentFailure(t *testing.T) {
	st, reg, cnt := newTestDeps(t)
	policy := resilience.NewRetryPolicy(time.Millisecond, 3)
	ex := New(st, reg, cnt, policy, telemetryNoop(), nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.Enqueue(ctx, "t1", "unregistered", nil, 0, time.Now(), 3, "")

	go ex.Run(ctx)
	waitFor(t, 2*time.Second, func() bool {
		rec, err := st.FetchTask(ctx, "t1")
		return err == nil && rec.Status == store.StatusFailed
	})
	ex.Shutdown()

	rec, _ := st.FetchTask(ctx, "t1")
	if rec.Attempts != 0 {
		t.Fatalf("missing handler should fail without ever entering in_progress, got attempts=%d", rec.Attempts)
	}
}

func TestPauseBlocksReservation(t *testing.T) {
	st, reg, cnt := newTestDeps(t)
	reg.Register("noop", func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, false)
	policy := resilience.NewRetryPolicy(time.Millisecond, 3)
	ex := New(st, reg, cnt, policy, telemetryNoop(), nil, 2)
	ex.PauseFor(300 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.Enqueue(ctx, "t1", "noop", nil, 0, time.Now(), 3, "")

	go ex.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	rec, _ := st.FetchTask(ctx, "t1")
	if rec.Status != store.StatusQueued {
		t.Fatalf("expected task to remain queued while paused, got %s", rec.Status)
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, err := st.FetchTask(ctx, "t1")
		return err == nil && rec.Status == store.StatusSucceeded
	})
	ex.Shutdown()
}

func TestSetEffectiveMaxClamps(t *testing.T) {
	st, reg, cnt := newTestDeps(t)
	policy := resilience.NewRetryPolicy(time.Millisecond, 3)
	ex := New(st, reg, cnt, policy, telemetryNoop(), nil, 4)

	ex.SetEffectiveMax(0)
	if ex.EffectiveMax() != 1 {
		t.Fatalf("expected floor of 1, got %d", ex.EffectiveMax())
	}
	ex.SetEffectiveMax(100)
	if ex.EffectiveMax() != 4 {
		t.Fatalf("expected ceiling of configured_max=4, got %d", ex.EffectiveMax())
	}
}
