package monitoring

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/models"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(context.Background(), path, store.Options{}, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReclaimStaleLeases_ReclaimsTasksHeldByDeadWorker(t *testing.T) {
	s := openTestStore(t)
	task, _, err := s.Enqueue(context.Background(), models.EnqueueRequest{Type: "t", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	longAgo := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	if _, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO workers (id, heartbeat_utc) VALUES ('dead-worker', ?)`, longAgo); err != nil {
		t.Fatalf("insert worker: %v", err)
	}
	if _, err := s.DB().ExecContext(context.Background(), `
		UPDATE tasks SET status = 'leased', locked_by = 'dead-worker', lease_until_utc = ? WHERE id = ?`,
		future, task.ID); err != nil {
		t.Fatalf("force lease: %v", err)
	}

	m := New(Config{StaleThreshold: time.Minute, CleanupThreshold: time.Hour * 2}, s, common.NewSilentLogger())
	reclaimed, removed, err := m.ReclaimStaleLeases(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reclaimed)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 (worker not past cleanup threshold)", removed)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (reclamation must not increment attempts)", got.Attempts)
	}
	if got.LockedByOrEmpty() != "" {
		t.Error("expected locked_by to be cleared")
	}
}

func TestReclaimStaleLeases_RemovesWorkersPastCleanupThreshold(t *testing.T) {
	s := openTestStore(t)
	longAgo := time.Now().UTC().Add(-time.Hour)
	if _, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO workers (id, heartbeat_utc) VALUES ('ancient-worker', ?)`, longAgo); err != nil {
		t.Fatalf("insert worker: %v", err)
	}

	m := New(Config{StaleThreshold: time.Minute, CleanupThreshold: time.Minute}, s, common.NewSilentLogger())
	_, removed, err := m.ReclaimStaleLeases(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestPromoteDueRetries(t *testing.T) {
	s := openTestStore(t)
	task, _, err := s.Enqueue(context.Background(), models.EnqueueRequest{Type: "t", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := s.DB().ExecContext(context.Background(), `
		UPDATE tasks SET status = 'failed_retrying', run_after_utc = ? WHERE id = ?`, past, task.ID); err != nil {
		t.Fatalf("force failed_retrying: %v", err)
	}

	m := New(Config{}, s, common.NewSilentLogger())
	n, err := m.PromoteDueRetries(context.Background())
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted = %d, want 1", n)
	}
	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
}

func TestQueryStats_DepthByStatus(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.Enqueue(context.Background(), models.EnqueueRequest{Type: "sources.youtube", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := s.Enqueue(context.Background(), models.EnqueueRequest{Type: "sources.youtube", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m := New(Config{}, s, common.NewSilentLogger())
	stats, err := m.QueryStats(context.Background(), StatsOptions{})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if stats.DepthByStatus["queued"] != 2 {
		t.Errorf("depth_by_status[queued] = %d, want 2", stats.DepthByStatus["queued"])
	}
	if stats.DepthByType["sources.youtube"]["queued"] != 2 {
		t.Errorf("depth_by_type[sources.youtube][queued] = %d, want 2", stats.DepthByType["sources.youtube"]["queued"])
	}
}

func TestQueryStats_EmptyQueue(t *testing.T) {
	s := openTestStore(t)
	m := New(Config{}, s, common.NewSilentLogger())
	stats, err := m.QueryStats(context.Background(), StatsOptions{})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if stats.SuccessRate24h != 0 {
		t.Errorf("success_rate_24h = %v, want 0 on an empty queue", stats.SuccessRate24h)
	}
	if stats.ProcessingMsP95 != 0 {
		t.Errorf("processing_ms_p95 = %v, want 0 on an empty queue", stats.ProcessingMsP95)
	}
}

func TestRecentFailures(t *testing.T) {
	s := openTestStore(t)
	task, _, err := s.Enqueue(context.Background(), models.EnqueueRequest{Type: "t", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.DB().ExecContext(context.Background(), `
		UPDATE tasks SET status = 'failed_terminal', error_message = 'boom' WHERE id = ?`, task.ID); err != nil {
		t.Fatalf("force failed: %v", err)
	}

	m := New(Config{}, s, common.NewSilentLogger())
	failures, err := m.RecentFailures(context.Background())
	if err != nil {
		t.Fatalf("recent failures: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != task.ID {
		t.Errorf("expected one recent failure for task %d, got %+v", task.ID, failures)
	}
}

func TestPercentile(t *testing.T) {
	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("percentile(nil) = %v, want 0", got)
	}
	values := []float64{10, 20, 30, 40, 50}
	if got := percentile(values, 0); got != 10 {
		t.Errorf("percentile(p=0) = %v, want 10", got)
	}
	if got := percentile(values, 1); got != 50 {
		t.Errorf("percentile(p=1) = %v, want 50", got)
	}
}
