// Package store is the single source of truth for task, run, and metrics
// records. It wraps bbolt with an in-memory index mirror, the way the
// teacher's WorkflowStore warms a memCache on open, because bbolt has no
// secondary indexes and every operation here needs to filter/order by
// status, scheduled_for, and idempotency_key.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Status is a task's position in the state machine.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusReserved       Status = "reserved"
	StatusInProgress     Status = "in_progress"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
)

// TaskRecord is the canonical unit of work.
type TaskRecord struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Status          Status          `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Priority        int             `json:"priority"`
	ScheduledFor    time.Time       `json:"scheduled_for"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// RunRecord is one per executor start, for operational forensics.
type RunRecord struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Status    string         `json:"status"`
	Stats     map[string]any `json:"stats,omitempty"`
}

// MetricsRecord is one append-only governance sample.
type MetricsRecord struct {
	TS              time.Time `json:"ts"`
	CPUPct          float64   `json:"cpu_pct"`
	MemPct          float64   `json:"mem_pct"`
	ErrorsCount     int       `json:"errors_count"`
	OperationsCount int       `json:"operations_count"`
}

var (
	bucketTasks   = []byte("tasks")
	bucketRuns    = []byte("runs")
	bucketMetrics = []byte("metrics")
)

// ErrIDCollision is returned when enqueue is given an id already in use.
var ErrIDCollision = fmt.Errorf("task id already exists")

// ErrNotFound is returned when a task id has no record.
var ErrNotFound = fmt.Errorf("task not found")

// Store is the bbolt-backed TaskStore.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	// in-memory index mirror: bbolt has no secondary indexes, so ordering
	// by (priority DESC, scheduled_for ASC) and idempotency lookups are
	// served from here, rebuilt from the bucket on open.
	tasks       map[string]TaskRecord
	byIdemp     map[string]string // idempotency_key -> succeeded task id

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the bbolt file at path and warms the index mirror.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketRuns, bucketMetrics} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskengine_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskengine_store_write_ms")

	s := &Store{
		db:           db,
		tasks:        make(map[string]TaskRecord),
		byIdemp:      make(map[string]string),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var rec TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			s.tasks[rec.ID] = rec
			if rec.IdempotencyKey != "" && rec.Status == StatusSucceeded {
				s.byIdemp[rec.IdempotencyKey] = rec.ID
			}
			return nil
		})
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) observe(ctx context.Context, h metric.Float64Histogram, op string, start time.Time) {
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) putTaskLocked(tx *bbolt.Tx, rec TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", rec.ID, err)
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(rec.ID), data); err != nil {
		return fmt.Errorf("write task %s: %w", rec.ID, err)
	}
	s.tasks[rec.ID] = rec
	if rec.IdempotencyKey != "" {
		if rec.Status == StatusSucceeded {
			s.byIdemp[rec.IdempotencyKey] = rec.ID
		}
	}
	return nil
}

// Enqueue inserts a new task, or returns the id of a prior succeeded task
// sharing the same idempotency_key without inserting anything.
func (s *Store) Enqueue(ctx context.Context, id, taskType string, payload json.RawMessage, priority int, scheduledFor time.Time, maxAttempts int, idempotencyKey string) (priorID string, deduped bool, err error) {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, "enqueue", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if prior, ok := s.byIdemp[idempotencyKey]; ok {
			return prior, true, nil
		}
	}
	if _, exists := s.tasks[id]; exists {
		return "", false, ErrIDCollision
	}

	now := time.Now().UTC()
	rec := TaskRecord{
		ID:             id,
		Type:           taskType,
		Payload:        payload,
		Status:         StatusQueued,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		Priority:       priority,
		ScheduledFor:   scheduledFor,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: idempotencyKey,
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return s.putTaskLocked(tx, rec)
	})
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// ReserveBatch atomically selects up to limit eligible tasks ordered by
// (priority DESC, scheduled_for ASC), flips them to reserved, and returns
// their snapshots. Two concurrent callers never receive overlapping sets
// because the whole selection+flip runs under the store mutex.
func (s *Store) ReserveBatch(ctx context.Context, limit int) ([]TaskRecord, error) {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, "reserve_batch", start)

	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var eligible []TaskRecord
	for _, rec := range s.tasks {
		if (rec.Status == StatusQueued || rec.Status == StatusRetryScheduled) && !rec.ScheduledFor.After(now) {
			eligible = append(eligible, rec)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledFor.Before(eligible[j].ScheduledFor)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for i := range eligible {
			eligible[i].Status = StatusReserved
			eligible[i].UpdatedAt = now
			if err := s.putTaskLocked(tx, eligible[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

// MarkInProgress flips a reserved task to in_progress and increments attempts.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	return s.mutate(ctx, "mark_in_progress", id, func(rec *TaskRecord) error {
		rec.Status = StatusInProgress
		rec.Attempts++
		return nil
	})
}

// Heartbeat bumps updated_at only, proving the task's worker is alive.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	return s.mutate(ctx, "heartbeat", id, func(rec *TaskRecord) error { return nil })
}

// Complete marks a task succeeded with its result payload.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return s.mutate(ctx, "complete", id, func(rec *TaskRecord) error {
		rec.Status = StatusSucceeded
		rec.Result = result
		return nil
	})
}

// Fail marks a task permanently failed.
func (s *Store) Fail(ctx context.Context, id string, reason string) error {
	return s.mutate(ctx, "fail", id, func(rec *TaskRecord) error {
		rec.Status = StatusFailed
		rec.LastError = reason
		return nil
	})
}

// ScheduleRetry reschedules a task for a future attempt.
func (s *Store) ScheduleRetry(ctx context.Context, id string, scheduledFor time.Time, reason string) error {
	return s.mutate(ctx, "schedule_retry", id, func(rec *TaskRecord) error {
		rec.Status = StatusRetryScheduled
		rec.ScheduledFor = scheduledFor
		rec.LastError = reason
		return nil
	})
}

func (s *Store) mutate(ctx context.Context, op, id string, fn func(rec *TaskRecord) error) error {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, op, start)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(&rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.putTaskLocked(tx, rec)
	})
}

// RequeueStale reverts any reserved/in_progress task whose updated_at is
// older than ttl back to queued, recovering from a prior crash. Called once
// at executor startup.
func (s *Store) RequeueStale(ctx context.Context, ttl time.Duration) (int, error) {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, "requeue_stale", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl)
	var stale []TaskRecord
	for _, rec := range s.tasks {
		if (rec.Status == StatusReserved || rec.Status == StatusInProgress) && rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := time.Now().UTC()
		for i := range stale {
			stale[i].Status = StatusQueued
			stale[i].UpdatedAt = now
			if err := s.putTaskLocked(tx, stale[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// FetchTask returns a task's current snapshot.
func (s *Store) FetchTask(ctx context.Context, id string) (TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	return rec, nil
}

// InsertMetrics appends a metrics sample; (ts) is the primary key, so a
// collision is last-write-wins as the spec requires.
func (s *Store) InsertMetrics(ctx context.Context, m MetricsRecord) error {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, "insert_metrics", start)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	key := []byte(m.TS.UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(key, data)
	})
}

// StartRun records a new run in the running state.
func (s *Store) StartRun(ctx context.Context, id string) error {
	rec := RunRecord{ID: id, StartedAt: time.Now().UTC(), Status: "running"}
	return s.putRun(rec)
}

// FinishRun closes out a run with its terminal status and stats snapshot.
func (s *Store) FinishRun(ctx context.Context, id string, status string, stats map[string]any) error {
	s.mu.RLock()
	existing, err := s.getRun(id)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	existing.EndedAt = &now
	existing.Status = status
	existing.Stats = stats
	return s.putRun(existing)
}

func (s *Store) putRun(rec RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(rec.ID), data)
	})
}

func (s *Store) getRun(id string) (RunRecord, error) {
	var rec RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// CleanupCompleted deletes succeeded tasks older than the cutoff and
// returns how many were removed.
func (s *Store) CleanupCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete []string
	for id, rec := range s.tasks {
		if rec.Status == StatusSucceeded && rec.UpdatedAt.Before(olderThan) {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, id := range toDelete {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range toDelete {
		rec := s.tasks[id]
		if rec.IdempotencyKey != "" {
			delete(s.byIdemp, rec.IdempotencyKey)
		}
		delete(s.tasks, id)
	}
	return len(toDelete), nil
}

// Stats returns queue depth by status plus the underlying file size, mirroring
// the teacher's WorkflowStore.GetStats introspection.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStatus := map[Status]int{}
	for _, rec := range s.tasks {
		byStatus[rec.Status]++
	}

	stats := map[string]any{
		"total_tasks": len(s.tasks),
		"by_status":   byStatus,
	}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		return nil
	})
	return stats
}
