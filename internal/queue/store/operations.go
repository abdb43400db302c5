package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/models"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
)

// Enqueue inserts a new task. If req carries an IdempotencyKey that already
// exists, the existing row is returned instead of inserting a duplicate
// (spec §4.2 idempotent enqueue) and created is false so callers can tell a
// dedup hit from a genuine insert (spec §6: 200 vs 201).
func (s *Store) Enqueue(ctx context.Context, req models.EnqueueRequest) (task *models.Task, created bool, err error) {
	if req.Type == "" {
		return nil, false, queueerr.New(queueerr.KindValidation, "type is required")
	}

	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxAttempts := models.DefaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}
	payload := "{}"
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	compat := "{}"
	if len(req.Compatibility) > 0 {
		compat = string(req.Compatibility)
	}
	runAfter := time.Now().UTC()
	if req.RunAfterUTC != nil {
		runAfter = req.RunAfterUTC.UTC()
	}

	var idempotencyKey sql.NullString
	if req.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: req.IdempotencyKey, Valid: true}
	}

	err = s.Transaction(ctx, func(tx *sqlx.Tx) error {
		if idempotencyKey.Valid {
			var existing models.Task
			err := tx.GetContext(ctx, &existing, "SELECT * FROM tasks WHERE idempotency_key = ?", idempotencyKey.String)
			if err == nil {
				task = &existing
				created = false
				return nil
			}
			if err != sql.ErrNoRows {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (type, priority, payload, compatibility, max_attempts, run_after_utc, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.Type, priority, payload, compat, maxAttempts, runAfter, nullableString(idempotencyKey))
		if err != nil {
			return queueerr.Wrap(queueerr.KindValidation, "enqueue", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		var inserted models.Task
		if err := tx.GetContext(ctx, &inserted, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return err
		}
		task = &inserted
		created = true
		return nil
	})
	return task, created, err
}

func nullableString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

// GetTask fetches a task by id. Returns queueerr.KindNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, "SELECT * FROM tasks WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, queueerr.New(queueerr.KindNotFound, "task not found")
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask transitions a task to cancelled if it is currently queued or
// failed_retrying (spec §4.5). A leased task is not directly cancellable
// here — the caller must also signal the executing WorkerEngine so the
// running handler observes cancellation. A task already in a terminal state
// is a no-op that reports cancelled=false without error.
func (s *Store) CancelTask(ctx context.Context, id int64) (cancelled bool, wasLeased bool, err error) {
	err = s.Transaction(ctx, func(tx *sqlx.Tx) error {
		var task models.Task
		getErr := tx.GetContext(ctx, &task, "SELECT * FROM tasks WHERE id = ?", id)
		if getErr == sql.ErrNoRows {
			return queueerr.New(queueerr.KindNotFound, "task not found")
		}
		if getErr != nil {
			return getErr
		}

		switch task.Status {
		case models.StatusQueued, models.StatusFailedRetrying:
			res, execErr := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'cancelled', updated_utc = ?
				WHERE id = ? AND status = ?`, time.Now().UTC(), id, task.Status)
			if execErr != nil {
				return execErr
			}
			n, _ := res.RowsAffected()
			cancelled = n > 0
		case models.StatusLeased:
			wasLeased = true
		default:
			// already terminal: no-op success
		}
		return nil
	})
	return cancelled, wasLeased, err
}
