// Package monitoring implements C8: stale-worker detection and
// lease-reclamation, the read-only queue metric views of spec §4.8, and
// (optionally) a live event stream for operators.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

// Config controls thresholds independent of lease duration, per spec §4.8
// ("the lease guards tasks; the heartbeat guards worker-row liveness").
type Config struct {
	StaleThreshold   time.Duration // default 5 min
	CleanupThreshold time.Duration // default 30 min
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = 30 * time.Minute
	}
	return c
}

// Monitor runs the scheduled stale-lease sweep and serves metric queries.
type Monitor struct {
	cfg    Config
	store  *store.Store
	logger *common.Logger
	Hub    *EventHub
}

// New constructs a Monitor.
func New(cfg Config, s *store.Store, logger *common.Logger) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), store: s, logger: logger, Hub: NewEventHub(logger)}
}

// ReclaimStaleLeases finds Workers whose heartbeat has gone silent past
// StaleThreshold, resets their held Tasks back to queued (without
// incrementing attempts, per spec §9 Open Question 3), and deletes Worker
// rows silent past CleanupThreshold. Returns the count of reclaimed tasks
// and removed workers.
func (m *Monitor) ReclaimStaleLeases(ctx context.Context) (reclaimedTasks int, removedWorkers int, err error) {
	err = m.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		staleCutoff := now.Add(-m.cfg.StaleThreshold)
		cleanupCutoff := now.Add(-m.cfg.CleanupThreshold)

		res, execErr := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'queued', locked_by = NULL, lease_until_utc = NULL, updated_utc = ?
			WHERE status = 'leased'
			  AND locked_by IN (SELECT id FROM workers WHERE heartbeat_utc < ?)`,
			now, staleCutoff)
		if execErr != nil {
			return execErr
		}
		if n, rErr := res.RowsAffected(); rErr == nil {
			reclaimedTasks = int(n)
		}

		also, execErr := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'queued', locked_by = NULL, lease_until_utc = NULL, updated_utc = ?
			WHERE status = 'leased' AND lease_until_utc < ?`,
			now, now)
		if execErr != nil {
			return execErr
		}
		if n, rErr := also.RowsAffected(); rErr == nil {
			reclaimedTasks += int(n)
		}

		res2, execErr := tx.ExecContext(ctx, `DELETE FROM workers WHERE heartbeat_utc < ?`, cleanupCutoff)
		if execErr != nil {
			return execErr
		}
		if n, rErr := res2.RowsAffected(); rErr == nil {
			removedWorkers = int(n)
		}
		return nil
	})
	return reclaimedTasks, removedWorkers, err
}

// PromoteDueRetries transitions failed_retrying rows whose run_after_utc
// has elapsed back to queued (spec §4.5: "A background sweep ... promotes
// failed_retrying rows whose run_after_utc has elapsed back to queued").
func (m *Monitor) PromoteDueRetries(ctx context.Context) (int, error) {
	res, err := m.store.DB().ExecContext(ctx, `
		UPDATE tasks SET status = 'queued', updated_utc = ?
		WHERE status = 'failed_retrying' AND run_after_utc <= ?`,
		time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Run periodically sweeps stale leases and due retries until ctx is
// cancelled. Call as a goroutine alongside the WorkerEngine.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reclaimed, removed, err := m.ReclaimStaleLeases(ctx); err != nil {
				m.logger.Error().Err(err).Msg("stale lease reclamation failed")
			} else if reclaimed > 0 || removed > 0 {
				m.logger.Info().Int("reclaimed_tasks", reclaimed).Int("removed_workers", removed).Msg("monitoring sweep")
			}
			if n, err := m.PromoteDueRetries(ctx); err != nil {
				m.logger.Error().Err(err).Msg("retry promotion failed")
			} else if n > 0 {
				m.logger.Debug().Int("promoted", n).Msg("promoted due retries to queued")
			}
		}
	}
}

// StatsOptions narrows stats queries, e.g. `?type=…` on GET /queue/stats.
type StatsOptions struct {
	Type string
}

// Stats is the response shape of GET /queue/stats (spec §6).
type Stats struct {
	DepthByStatus   map[string]int            `json:"depth_by_status"`
	DepthByType     map[string]map[string]int `json:"depth_by_type"`
	SuccessRate24h  float64                   `json:"success_rate_24h"`
	ProcessingMsP95 float64                   `json:"processing_ms_p95"`
	WorkersActive   int                       `json:"workers_active"`
	WorkersStale    int                       `json:"workers_stale"`
}

// QueryStats aggregates the SQL views of spec §4.8 into the HTTP stats
// shape. All queries are read-only.
func (m *Monitor) QueryStats(ctx context.Context, opts StatsOptions) (*Stats, error) {
	stats := &Stats{
		DepthByStatus: make(map[string]int),
		DepthByType:   make(map[string]map[string]int),
	}

	var depthRows []struct {
		Status string `db:"status"`
		Depth  int    `db:"depth"`
	}
	if err := m.store.DB().SelectContext(ctx, &depthRows, "SELECT status, depth FROM queue_depth_by_status"); err != nil {
		return nil, err
	}
	for _, r := range depthRows {
		stats.DepthByStatus[r.Status] = r.Depth
	}

	typeQuery := "SELECT type, status, depth FROM queue_depth_by_type"
	args := []any{}
	if opts.Type != "" {
		typeQuery += " WHERE type = ?"
		args = append(args, opts.Type)
	}
	var typeRows []struct {
		Type   string `db:"type"`
		Status string `db:"status"`
		Depth  int    `db:"depth"`
	}
	if err := m.store.DB().SelectContext(ctx, &typeRows, typeQuery, args...); err != nil {
		return nil, err
	}
	for _, r := range typeRows {
		if stats.DepthByType[r.Type] == nil {
			stats.DepthByType[r.Type] = make(map[string]int)
		}
		stats.DepthByType[r.Type][r.Status] = r.Depth
	}

	var successRows []struct {
		Completed int `db:"completed"`
		Failed    int `db:"failed"`
	}
	successQuery := "SELECT completed, failed FROM success_rates_24h"
	successArgs := []any{}
	if opts.Type != "" {
		successQuery = "SELECT completed, failed FROM success_rates_24h WHERE type = ?"
		successArgs = append(successArgs, opts.Type)
	}
	if err := m.store.DB().SelectContext(ctx, &successRows, successQuery, successArgs...); err != nil {
		return nil, err
	}
	var totalCompleted, totalFailed int
	for _, r := range successRows {
		totalCompleted += r.Completed
		totalFailed += r.Failed
	}
	if totalCompleted+totalFailed > 0 {
		stats.SuccessRate24h = float64(totalCompleted) / float64(totalCompleted+totalFailed)
	}

	var durations []float64
	durQuery := "SELECT duration_ms FROM processing_time_percentiles_24h"
	durArgs := []any{}
	if opts.Type != "" {
		durQuery = "SELECT duration_ms FROM processing_time_percentiles_24h WHERE type = ?"
		durArgs = append(durArgs, opts.Type)
	}
	if err := m.store.DB().SelectContext(ctx, &durations, durQuery, durArgs...); err != nil {
		return nil, err
	}
	stats.ProcessingMsP95 = percentile(durations, 0.95)

	var workerCounts struct {
		Active int `db:"active"`
		Stale  int `db:"stale"`
	}
	staleCutoff := time.Now().UTC().Add(-m.cfg.StaleThreshold)
	if err := m.store.DB().GetContext(ctx, &workerCounts, `
		SELECT
			COALESCE(SUM(CASE WHEN heartbeat_utc >= ? THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN heartbeat_utc <  ? THEN 1 ELSE 0 END), 0) AS stale
		FROM workers`, staleCutoff, staleCutoff); err != nil {
		return nil, err
	}
	stats.WorkersActive = workerCounts.Active
	stats.WorkersStale = workerCounts.Stale

	return stats, nil
}

// percentile returns the element at index floor(p*(n-1)) of the sorted
// values, for p in 0..1: the lower neighbouring rank, without interpolation.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// RecentFailures returns the recent_failures view rows (spec §4.8).
func (m *Monitor) RecentFailures(ctx context.Context) ([]RecentFailure, error) {
	var rows []RecentFailure
	err := m.store.DB().SelectContext(ctx, &rows, `
		SELECT id, type, status, attempts, error_message, updated_utc
		FROM recent_failures`)
	return rows, err
}

// RecentFailure is one row of the recent_failures view.
type RecentFailure struct {
	ID           int64     `db:"id" json:"id"`
	Type         string    `db:"type" json:"type"`
	Status       string    `db:"status" json:"status"`
	Attempts     int       `db:"attempts" json:"attempts"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	UpdatedUTC   time.Time `db:"updated_utc" json:"updated_utc"`
}
