package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/taskengine/internal/resilience"
)

type fakeEnqueuer struct {
	calls []Event
	nextID int
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, priority int, scheduledFor time.Time, maxAttempts int, idempotencyKey string) (string, bool, error) {
	f.nextID++
	f.calls = append(f.calls, Event{TaskType: taskType, Payload: payload, Priority: priority, MaxAttempts: maxAttempts, IdempotencyKey: idempotencyKey})
	return fmt.Sprintf("t-%d", f.nextID), false, nil
}

func TestHandleEnqueuesWellFormedEvent(t *testing.T) {
	fe := &fakeEnqueuer{}
	b := &Bridge{target: fe}

	ev := Event{TaskType: "noop", Payload: json.RawMessage(`{"x":1}`), Priority: 2, MaxAttempts: 3}
	data, _ := json.Marshal(ev)
	b.handle(context.Background(), &nats.Msg{Subject: "tasks.in", Data: data})

	if len(fe.calls) != 1 {
		t.Fatalf("expected 1 enqueue call, got %d", len(fe.calls))
	}
	if fe.calls[0].TaskType != "noop" {
		t.Fatalf("unexpected task type: %s", fe.calls[0].TaskType)
	}
}

func TestHandleSkipsEventMissingTaskType(t *testing.T) {
	fe := &fakeEnqueuer{}
	b := &Bridge{target: fe}

	data, _ := json.Marshal(Event{Payload: json.RawMessage(`{}`)})
	b.handle(context.Background(), &nats.Msg{Subject: "tasks.in", Data: data})

	if len(fe.calls) != 0 {
		t.Fatalf("expected no enqueue calls for missing task_type, got %d", len(fe.calls))
	}
}

func TestHandleRespectsRateLimiter(t *testing.T) {
	fe := &fakeEnqueuer{}
	limiter := resilience.NewRateLimiter(1, 0, time.Minute, 1)
	b := &Bridge{target: fe, limiter: limiter}

	data, _ := json.Marshal(Event{TaskType: "noop"})
	b.handle(context.Background(), &nats.Msg{Subject: "tasks.in", Data: data})
	b.handle(context.Background(), &nats.Msg{Subject: "tasks.in", Data: data})

	if len(fe.calls) != 1 {
		t.Fatalf("expected rate limiter to drop the second event, got %d calls", len(fe.calls))
	}
}

func TestHandleDefaultsMaxAttempts(t *testing.T) {
	fe := &fakeEnqueuer{}
	b := &Bridge{target: fe}

	data, _ := json.Marshal(Event{TaskType: "noop"})
	b.handle(context.Background(), &nats.Msg{Subject: "tasks.in", Data: data})

	if len(fe.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fe.calls))
	}
	if fe.calls[0].MaxAttempts != 1 {
		t.Fatalf("expected missing max_attempts to default to 1, got %d", fe.calls[0].MaxAttempts)
	}
}
