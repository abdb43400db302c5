package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
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

// leaseTask enqueues and force-leases a task so Run has a claimed task to
// operate on, without pulling in the claimer package.
func leaseTask(t *testing.T, s *store.Store, maxAttempts int) *models.Task {
	t.Helper()
	m := maxAttempts
	task, _, err := s.Enqueue(context.Background(), models.EnqueueRequest{
		Type:        "sources.youtube",
		Payload:     json.RawMessage(`{"url":"x"}`),
		MaxAttempts: &m,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err = s.DB().ExecContext(context.Background(), `
		UPDATE tasks SET status = 'leased', locked_by = 'worker-1', lease_until_utc = ?, attempts = 1
		WHERE id = ?`, time.Now().UTC().Add(time.Minute), task.ID)
	if err != nil {
		t.Fatalf("force lease: %v", err)
	}
	leased, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get leased task: %v", err)
	}
	return leased
}

func TestRun_Success(t *testing.T) {
	s := openTestStore(t)
	task := leaseTask(t, s, 3)

	reg := registry.New()
	_ = reg.Register("sources.youtube", func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	}, false)

	e := New(s, reg, retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	if err := e.Run(context.Background(), task, time.Minute, "worker-1", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if !got.Result.Valid || got.Result.String != `{"ok":true}` {
		t.Errorf("result = %+v, want {\"ok\":true}", got.Result)
	}
}

func TestRun_UnregisteredTypeFailsTerminal(t *testing.T) {
	s := openTestStore(t)
	task := leaseTask(t, s, 3)

	reg := registry.New()
	e := New(s, reg, retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	if err := e.Run(context.Background(), task, time.Minute, "worker-1", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusFailedTerminal {
		t.Errorf("status = %s, want failed_terminal", got.Status)
	}
}

func TestRun_FailureBelowMaxAttemptsRetries(t *testing.T) {
	s := openTestStore(t)
	task := leaseTask(t, s, 3)

	reg := registry.New()
	_ = reg.Register("sources.youtube", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}, false)

	e := New(s, reg, retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	if err := e.Run(context.Background(), task, time.Minute, "worker-1", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusFailedRetrying {
		t.Errorf("status = %s, want failed_retrying", got.Status)
	}
	if !got.RunAfterUTC.After(time.Now().UTC()) {
		t.Error("expected run_after_utc to be pushed into the future on retry")
	}
	if got.LockedByOrEmpty() != "" {
		t.Error("expected lease to be released on retry")
	}
}

func TestRun_FailureAtMaxAttemptsGoesTerminal(t *testing.T) {
	s := openTestStore(t)
	task := leaseTask(t, s, 1)

	reg := registry.New()
	_ = reg.Register("sources.youtube", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}, false)

	e := New(s, reg, retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	if err := e.Run(context.Background(), task, time.Minute, "worker-1", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusFailedTerminal {
		t.Errorf("status = %s, want failed_terminal", got.Status)
	}
}

func TestRun_HandlerPanicIsCommittedAsFailure(t *testing.T) {
	s := openTestStore(t)
	task := leaseTask(t, s, 1)

	reg := registry.New()
	_ = reg.Register("sources.youtube", func(_ context.Context, _ []byte) ([]byte, error) {
		panic("unexpected")
	}, false)

	e := New(s, reg, retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	if err := e.Run(context.Background(), task, time.Minute, "worker-1", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusFailedTerminal {
		t.Errorf("status = %s, want failed_terminal after a recovered panic", got.Status)
	}
}

func TestRun_CancelSignalCommitsCancelled(t *testing.T) {
	s := openTestStore(t)
	task := leaseTask(t, s, 3)

	started := make(chan struct{})
	reg := registry.New()
	_ = reg.Register("sources.youtube", func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, false)

	e := New(s, reg, retry.NewResolver(retry.DefaultPolicy()), common.NewSilentLogger())
	cancel := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), task, time.Minute, "worker-1", cancel) }()

	<-started
	close(cancel)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}
