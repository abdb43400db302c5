// Package claimer implements C4: the atomic claim protocol. A Claimer
// selects one eligible task with a plain read outside any transaction, then
// marks it leased to a named worker in a transaction holding only the
// conditional UPDATE and its log row: a SELECT-candidate-then-conditional-
// UPDATE shape (the same two-step pattern the prior codebase used against
// SurrealDB, adapted here to a single-row conditional UPDATE...WHERE
// status='queued' so the WHERE clause itself re-asserts eligibility and a
// losing race simply updates zero rows).
package claimer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/models"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

// Strategy selects the ordering key used to pick among eligible tasks
// (spec §4.4).
type Strategy string

const (
	StrategyFIFO            Strategy = "FIFO"
	StrategyLIFO            Strategy = "LIFO"
	StrategyPriority        Strategy = "PRIORITY"
	StrategyWeightedRandom  Strategy = "WEIGHTED_RANDOM"
)

// DefaultMaxAttempts bounds how many times the Claimer retries selection
// after losing a race before returning NoEligibleTask (spec §4.4).
const DefaultMaxAttempts = 5

// weightedRandomPoolSize is the "top-N-by-priority" pool WEIGHTED_RANDOM
// samples from.
const weightedRandomPoolSize = 20

// Claimer selects and atomically leases one task per Claim call.
type Claimer struct {
	store        *store.Store
	strategy     Strategy
	leaseDuration time.Duration
	maxAttempts  int
}

// New constructs a Claimer. leaseDuration is the default lease window
// (spec §5 default 5 min) applied to every claim.
func New(s *store.Store, strategy Strategy, leaseDuration time.Duration) *Claimer {
	if leaseDuration <= 0 {
		leaseDuration = 5 * time.Minute
	}
	return &Claimer{store: s, strategy: strategy, leaseDuration: leaseDuration, maxAttempts: DefaultMaxAttempts}
}

// Claim selects one eligible task matching workerCapabilities and
// atomically transitions it queued -> leased, returning the claimed Task.
// Returns a *queueerr.Error of KindNoEligibleTask if nothing is eligible or
// every candidate was lost to a race within maxAttempts tries.
func (c *Claimer) Claim(ctx context.Context, workerID string, workerCapabilities []string) (*models.Task, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		candidate, err := c.selectCandidate(ctx, workerCapabilities)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, queueerr.New(queueerr.KindNoEligibleTask, "no eligible task")
		}

		claimed, won, err := c.tryClaim(ctx, candidate.ID, workerID)
		if err != nil {
			return nil, err
		}
		if won {
			return claimed, nil
		}
		// Another worker won the race on this candidate; retry selection.
	}
	return nil, queueerr.New(queueerr.KindNoEligibleTask, "no eligible task after contention retries")
}

// selectCandidate runs the read-only selection step (SELECT) that picks one
// task id to attempt to claim. Eligibility (status + run_after + capability
// match) must be fully resolved before ranking narrows the candidate set
// down to one (spec §4.4): capability match is a glob the database can't
// express, so this fetches every status='queued' && due row in strategy
// order, unbounded, and filters for capability match in application code
// before taking the head (or, for WEIGHTED_RANDOM, the top pool) of what's
// left. Without this ordering a capability-scoped worker could starve
// forever behind non-matching tasks that outrank it.
func (c *Claimer) selectCandidate(ctx context.Context, capabilities []string) (*models.Task, error) {
	orderBy := c.orderClause()

	query := fmt.Sprintf(`
		SELECT id, type, priority, payload, compatibility, status, attempts, max_attempts,
		       locked_by, lease_until_utc, run_after_utc, created_utc, updated_utc,
		       started_utc, finished_utc, error_message, idempotency_key, result
		FROM tasks
		WHERE status = 'queued' AND run_after_utc <= ?
		ORDER BY %s`, orderBy)

	var rows []models.Task
	if err := c.store.DB().SelectContext(ctx, &rows, query, time.Now().UTC()); err != nil {
		return nil, queueerr.Wrap(queueerr.KindBusy, "select claim candidates", err)
	}

	poolSize := 1
	if c.strategy == StrategyWeightedRandom {
		poolSize = weightedRandomPoolSize
	}
	eligible := make([]models.Task, 0, poolSize)
	for _, t := range rows {
		if !matchesAny(capabilities, t.Type) {
			continue
		}
		eligible = append(eligible, t)
		if len(eligible) >= poolSize {
			break
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	if c.strategy == StrategyWeightedRandom {
		chosen := weightedPick(eligible)
		return &chosen, nil
	}
	return &eligible[0], nil
}

// orderClause translates Strategy into the SQL ORDER BY key, per the table
// in spec §4.4. Tie-breaks after the strategy key are always id ascending.
func (c *Claimer) orderClause() string {
	switch c.strategy {
	case StrategyLIFO:
		return "created_utc DESC, id ASC"
	case StrategyPriority:
		return "priority ASC, created_utc ASC, id ASC"
	case StrategyWeightedRandom:
		return "priority ASC, created_utc ASC, id ASC"
	case StrategyFIFO:
		fallthrough
	default:
		return "created_utc ASC, id ASC"
	}
}

func matchesAny(capabilities []string, taskType string) bool {
	if len(capabilities) == 0 {
		return false
	}
	for _, pattern := range capabilities {
		if models.PatternMatches(pattern, taskType) {
			return true
		}
	}
	return false
}

// weightedPick samples one task from the candidate pool with weight
// proportional to 1/(priority+1), the concrete weight function spec §4.4
// and §9 (Open Question 4) pin for WEIGHTED_RANDOM.
func weightedPick(candidates []models.Task) models.Task {
	if len(candidates) == 1 {
		return candidates[0]
	}
	weights := make([]float64, len(candidates))
	var total float64
	for i, t := range candidates {
		w := 1.0 / float64(t.Priority+1)
		weights[i] = w
		total += w
	}
	r := rand.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// tryClaim issues the single conditional UPDATE that performs the atomic
// queued -> leased transition (spec §4.4): the WHERE clause re-asserts
// status='queued' AND id=<selected>, so if another worker already won,
// zero rows are updated and won is false.
func (c *Claimer) tryClaim(ctx context.Context, taskID int64, workerID string) (*models.Task, bool, error) {
	var claimed *models.Task
	var won bool

	err := c.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		leaseUntil := now.Add(c.leaseDuration)

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'leased',
			    locked_by = ?,
			    lease_until_utc = ?,
			    started_utc = COALESCE(started_utc, ?),
			    attempts = attempts + 1,
			    updated_utc = ?
			WHERE id = ? AND status = 'queued'`,
			workerID, leaseUntil, now, now, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			won = false
			return nil
		}
		won = true

		var t models.Task
		if err := tx.GetContext(ctx, &t, "SELECT * FROM tasks WHERE id = ?", taskID); err != nil {
			return err
		}
		claimed = &t

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, level, message, details)
			VALUES (?, 'INFO', 'leased', ?)`,
			taskID, fmt.Sprintf(`{"worker_id":%q,"attempt":%d}`, workerID, t.Attempts))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, queueerr.Wrap(queueerr.KindBusy, "claim task", err)
	}
	return claimed, won, nil
}
