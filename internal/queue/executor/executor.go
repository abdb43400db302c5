// Package executor implements C5: running one handler invocation to
// completion, renewing its lease while it runs, and committing the
// resulting terminal or retry state in a single transaction.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/models"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/registry"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/retry"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

// Executor runs exactly one claimed Task through its handler and commits
// the result, per the contract in spec §4.5.
type Executor struct {
	store    *store.Store
	registry *registry.Registry
	policies *retry.Resolver
	logger   *common.Logger
}

// New constructs an Executor.
func New(s *store.Store, reg *registry.Registry, policies *retry.Resolver, logger *common.Logger) *Executor {
	return &Executor{store: s, registry: reg, policies: policies, logger: logger}
}

// Run executes task's handler, renewing the lease every leaseDuration/3
// while it runs, and commits the outcome. cancel, when closed, signals the
// handler to stop promptly (spec §4.5 "handler cancellation").
func (e *Executor) Run(ctx context.Context, task *models.Task, leaseDuration time.Duration, workerID string, cancel <-chan struct{}) error {
	taskLogger := e.logger.WithCorrelationId(fmt.Sprintf("task-%d", task.ID))
	// Commits still run after ctx is cancelled (engine shutdown), so the
	// outcome of a handler that returns during the grace period is recorded.
	commitCtx := context.WithoutCancel(ctx)

	handler, ok := e.registry.Lookup(task.Type)
	if !ok {
		taskLogger.Warn().Str("type", task.Type).Msg("no handler registered for task type")
		return e.commitUnregistered(commitCtx, task)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-runCtx.Done():
		}
	}()

	renewDone := make(chan struct{})
	go e.renewLeaseLoop(runCtx, task.ID, workerID, leaseDuration, renewDone)
	defer func() {
		stop()
		<-renewDone
	}()

	result, handlerErr := e.invoke(runCtx, handler, task.Payload)

	select {
	case <-cancel:
		return e.commitCancelled(commitCtx, task)
	default:
	}

	if handlerErr != nil {
		taskLogger.Warn().Err(handlerErr).Int("attempts", task.Attempts).Msg("handler invocation failed")
		return e.commitFailure(commitCtx, task, handlerErr)
	}
	return e.commitSuccess(commitCtx, task, result)
}

func (e *Executor) invoke(ctx context.Context, h registry.Handler, payload string) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = queueerr.Wrap(queueerr.KindHandlerFailure, "handler panicked", fmt.Errorf("%v", p))
		}
	}()
	return h(ctx, []byte(payload))
}

// renewLeaseLoop refreshes lease_until_utc at leaseDuration/3 intervals
// while the handler runs (spec §4.5 step 3), stopping when ctx is done.
func (e *Executor) renewLeaseLoop(ctx context.Context, taskID int64, workerID string, leaseDuration time.Duration, done chan<- struct{}) {
	defer close(done)
	interval := leaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newLease := time.Now().UTC().Add(leaseDuration)
			_, _ = e.store.DB().ExecContext(context.Background(), `
				UPDATE tasks SET lease_until_utc = ?, updated_utc = ?
				WHERE id = ? AND locked_by = ? AND status = 'leased'`,
				newLease, time.Now().UTC(), taskID, workerID)
		}
	}
}

func (e *Executor) commitUnregistered(ctx context.Context, task *models.Task) error {
	return e.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed_terminal', error_message = ?,
			    locked_by = NULL, lease_until_utc = NULL, finished_utc = ?, updated_utc = ?
			WHERE id = ?`,
			"UnregisteredType", now, now, task.ID); err != nil {
			return err
		}
		return insertLog(ctx, tx, task.ID, models.LogError, "UnregisteredType", task.Type)
	})
}

func (e *Executor) commitSuccess(ctx context.Context, task *models.Task, result []byte) error {
	return e.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', result = ?, finished_utc = ?,
			    locked_by = NULL, lease_until_utc = NULL, updated_utc = ?
			WHERE id = ?`,
			string(result), now, now, task.ID); err != nil {
			return err
		}
		return insertLog(ctx, tx, task.ID, models.LogInfo, "completed", "")
	})
}

func (e *Executor) commitFailure(ctx context.Context, task *models.Task, handlerErr error) error {
	policy := e.policies.For(task.Type)
	deadLetter := policy.ShouldDeadLetter(task.Attempts, task.MaxAttempts)

	return e.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		errMsg := handlerErr.Error()

		if task.Attempts < task.MaxAttempts {
			delay := policy.Backoff(task.Attempts)
			runAfter := now.Add(delay)
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'failed_retrying', error_message = ?,
				    run_after_utc = ?, locked_by = NULL, lease_until_utc = NULL, updated_utc = ?
				WHERE id = ?`,
				errMsg, runAfter, now, task.ID); err != nil {
				return err
			}
			return insertLog(ctx, tx, task.ID, models.LogError, "failed_retrying", errMsg)
		}

		finalStatus := "failed_terminal"
		if deadLetter {
			finalStatus = "dead_letter"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error_message = ?, finished_utc = ?,
			    locked_by = NULL, lease_until_utc = NULL, updated_utc = ?
			WHERE id = ?`,
			finalStatus, errMsg, now, now, task.ID); err != nil {
			return err
		}
		return insertLog(ctx, tx, task.ID, models.LogError, finalStatus, errMsg)
	})
}

func (e *Executor) commitCancelled(ctx context.Context, task *models.Task) error {
	return e.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'cancelled', locked_by = NULL, lease_until_utc = NULL,
			    finished_utc = ?, updated_utc = ?
			WHERE id = ?`,
			now, now, task.ID); err != nil {
			return err
		}
		return insertLog(ctx, tx, task.ID, models.LogInfo, "cancelled", "")
	})
}

func insertLog(ctx context.Context, tx *sqlx.Tx, taskID int64, level models.LogLevel, message, details string) error {
	if details == "" {
		details = "{}"
	} else {
		details = fmt.Sprintf("{%q:%q}", "error", details)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, level, message, details)
		VALUES (?, ?, ?, ?)`,
		taskID, level, message, details)
	return err
}
