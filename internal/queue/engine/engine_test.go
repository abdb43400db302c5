package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/claimer"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/executor"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/models"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/registry"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/retry"
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

func TestEngine_ClaimsAndCompletesTask(t *testing.T) {
	s := openTestStore(t)
	task, _, err := s.Enqueue(context.Background(), models.EnqueueRequest{
		Type:    "sources.youtube",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reg := registry.New()
	_ = reg.Register("sources.youtube", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}, false)
	exec := executor.New(s, reg, retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())

	eng := New(Config{
		WorkerID:          "worker-1",
		Capabilities:      []string{"sources.*"},
		Concurrency:       1,
		LeaseDuration:     time.Minute,
		HeartbeatInterval: 50 * time.Millisecond,
		Strategy:          claimer.StrategyFIFO,
	}, s, exec, common.NewSilentLogger())

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetTask(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == models.StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not complete within the deadline")
}

func TestEngine_RequestCancel_UnknownTaskReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	exec := executor.New(s, registry.New(), retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	eng := New(Config{WorkerID: "worker-1"}, s, exec, common.NewSilentLogger())
	if eng.RequestCancel(999) {
		t.Error("expected RequestCancel to return false for a task this engine isn't running")
	}
}

func TestEngine_RegistersWorkerOnStart(t *testing.T) {
	s := openTestStore(t)
	exec := executor.New(s, registry.New(), retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	eng := New(Config{WorkerID: "worker-xyz", HeartbeatInterval: time.Hour}, s, exec, common.NewSilentLogger())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Shutdown()

	var count int
	if err := s.DB().GetContext(context.Background(), &count, "SELECT COUNT(*) FROM workers WHERE id = ?", "worker-xyz"); err != nil {
		t.Fatalf("query workers: %v", err)
	}
	if count != 1 {
		t.Errorf("expected worker-xyz to be registered, found %d rows", count)
	}
}
