// Package ingest bridges external NATS events into task enqueue calls. It
// is an optional, SPEC_FULL.md-added surface: the original automation
// agent only ever received work through its CLI/dashboard.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/taskengine/internal/natsctx"
	"github.com/swarmguard/taskengine/internal/resilience"
)

// Enqueuer is the subset of the Agent Facade's Enqueue method ingest needs,
// kept as an interface so this package never imports internal/agent.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, priority int, scheduledFor time.Time, maxAttempts int, idempotencyKey string) (id string, deduped bool, err error)
}

// Event is the wire shape of one inbound NATS message.
type Event struct {
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key"`
	DelaySeconds   int             `json:"delay_seconds"`
}

// Bridge subscribes to a NATS subject and enqueues each well-formed event,
// rate-limited so a noisy publisher cannot overwhelm the store.
type Bridge struct {
	nc      *nats.Conn
	limiter *resilience.RateLimiter
	target  Enqueuer
	sub     *nats.Subscription
}

// New connects to url and prepares a Bridge against target. It does not
// subscribe until Start is called.
func New(url string, target Enqueuer, limiter *resilience.RateLimiter) (*Bridge, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bridge{nc: nc, limiter: limiter, target: target}, nil
}

// Start subscribes to subject and begins enqueuing events as they arrive.
func (b *Bridge) Start(subject string) error {
	sub, err := natsctx.Subscribe(b.nc, subject, b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub
	return nil
}

// Stop unsubscribes and closes the underlying connection.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}

func (b *Bridge) handle(ctx context.Context, msg *nats.Msg) {
	if b.limiter != nil && !b.limiter.Allow() {
		slog.Warn("ingest event dropped by rate limiter", "subject", msg.Subject)
		return
	}

	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("ingest event decode failed", "subject", msg.Subject, "error", err)
		return
	}
	if ev.TaskType == "" {
		slog.Warn("ingest event missing task_type", "subject", msg.Subject)
		return
	}
	if ev.MaxAttempts <= 0 {
		ev.MaxAttempts = 1
	}

	scheduledFor := time.Now().UTC()
	if ev.DelaySeconds > 0 {
		scheduledFor = scheduledFor.Add(time.Duration(ev.DelaySeconds) * time.Second)
	}

	id, deduped, err := b.target.Enqueue(ctx, ev.TaskType, ev.Payload, ev.Priority, scheduledFor, ev.MaxAttempts, ev.IdempotencyKey)
	if err != nil {
		slog.Error("ingest enqueue failed", "task_type", ev.TaskType, "error", err)
		return
	}
	slog.Info("ingest event enqueued", "task_id", id, "task_type", ev.TaskType, "deduped", deduped)
}

// NewEventID returns a new random UUID string, for callers that tag the
// events they publish out-of-band (e.g. CLI tools publishing test events).
// Event itself carries no id field.
func NewEventID() string {
	return uuid.NewString()
}
