package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskengine.db")
	s, err := Open(path, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueThenReserve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, deduped, err := s.Enqueue(ctx, "t1", "noop", json.RawMessage(`{}`), 0, time.Now().UTC(), 3, "")
	if err != nil || deduped {
		t.Fatalf("enqueue: err=%v deduped=%v", err, deduped)
	}

	batch, err := s.ReserveBatch(ctx, 5)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(batch) != 1 || batch[0].Status != StatusReserved {
		t.Fatalf("expected 1 reserved task, got %+v", batch)
	}
}

func TestReserveBatchOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Enqueue(ctx, "low", "noop", nil, 1, now, 3, "")
	s.Enqueue(ctx, "high", "noop", nil, 10, now, 3, "")
	s.Enqueue(ctx, "mid", "noop", nil, 5, now, 3, "")

	batch, err := s.ReserveBatch(ctx, 3)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(batch) != 3 || batch[0].ID != "high" || batch[1].ID != "mid" || batch[2].ID != "low" {
		t.Fatalf("expected priority-desc ordering, got %v", ids(batch))
	}
}

func ids(recs []TaskRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestIdempotentEnqueueOnlyAgainstSucceeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Enqueue(ctx, "t1", "noop", nil, 0, now, 3, "k1")
	// Not yet succeeded: a second enqueue with the same key must insert a
	// distinct task, not dedupe.
	id2, deduped, err := s.Enqueue(ctx, "t2", "noop", nil, 0, now, 3, "k1")
	if err != nil {
		t.Fatalf("enqueue t2: %v", err)
	}
	if deduped {
		t.Fatalf("expected no dedup before any success for key k1, got id=%s", id2)
	}

	s.MarkInProgress(ctx, "t1")
	s.Complete(ctx, "t1", json.RawMessage(`{"ok":true}`))

	priorID, deduped, err := s.Enqueue(ctx, "t3", "noop", nil, 0, now, 3, "k1")
	if err != nil {
		t.Fatalf("enqueue t3: %v", err)
	}
	if !deduped || priorID != "t1" {
		t.Fatalf("expected dedup to t1 after success, got id=%s deduped=%v", priorID, deduped)
	}
}

func TestRequeueStaleRecoversCrashedTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Enqueue(ctx, "t1", "noop", nil, 0, now, 3, "")
	s.ReserveBatch(ctx, 1)
	s.MarkInProgress(ctx, "t1")

	// Force updated_at into the past by mutating the in-memory record
	// directly, simulating a worker that died without heartbeating.
	s.mu.Lock()
	rec := s.tasks["t1"]
	rec.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	s.tasks["t1"] = rec
	s.mu.Unlock()

	n, err := s.RequeueStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued task, got %d", n)
	}
	got, err := s.FetchTask(ctx, "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected status=queued after requeue, got %s", got.Status)
	}
}

func TestCleanupCompletedDeletesOldSucceededOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Enqueue(ctx, "old", "noop", nil, 0, now, 3, "")
	s.MarkInProgress(ctx, "old")
	s.Complete(ctx, "old", nil)
	s.mu.Lock()
	rec := s.tasks["old"]
	rec.UpdatedAt = now.Add(-48 * time.Hour)
	s.tasks["old"] = rec
	s.mu.Unlock()

	s.Enqueue(ctx, "fresh", "noop", nil, 0, now, 3, "")
	s.MarkInProgress(ctx, "fresh")
	s.Complete(ctx, "fresh", nil)

	n, err := s.CleanupCompleted(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := s.FetchTask(ctx, "old"); err == nil {
		t.Fatalf("expected old task to be gone")
	}
	if _, err := s.FetchTask(ctx, "fresh"); err != nil {
		t.Fatalf("expected fresh task to survive: %v", err)
	}
}

func TestConcurrentReserveBatchDisjoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		s.Enqueue(ctx, string(rune('a'+i)), "noop", nil, 0, now, 3, "")
	}

	results := make(chan []TaskRecord, 2)
	go func() { b, _ := s.ReserveBatch(ctx, 10); results <- b }()
	go func() { b, _ := s.ReserveBatch(ctx, 10); results <- b }()

	first := <-results
	second := <-results
	seen := map[string]bool{}
	for _, r := range first {
		seen[r.ID] = true
	}
	for _, r := range second {
		if seen[r.ID] {
			t.Fatalf("task %s reserved by both concurrent batches", r.ID)
		}
	}
}

func TestRunBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.StartRun(ctx, "run-1"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := s.FinishRun(ctx, "run-1", "succeeded", map[string]any{"ops": 5}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
}
