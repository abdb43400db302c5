// Package engine implements C6: the long-running worker loop — register,
// heartbeat, claim, execute, repeat — with bounded concurrency. It follows
// a dispatcher/worker-pool split (one goroutine claims, N execute, fed by a
// buffered channel) so N busy executor slots don't each hammer the store
// with their own claim attempts, the same shape the retrieval pack's
// taskqueue-runner-go worker uses to avoid a "DB thundering herd".
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/claimer"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/executor"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/models"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

// Config controls one WorkerEngine instance. Defaults mirror spec §4.6/§5
// and the PRISMQ_* environment variables of spec §6.
type Config struct {
	WorkerID          string
	Capabilities      []string
	Concurrency       int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration
	Strategy          claimer.Strategy
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.New().String()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = claimer.StrategyPriority
	}
	return c
}

// Engine runs the worker process lifecycle described in spec §4.6.
type Engine struct {
	cfg      Config
	store    *store.Store
	claimer  *claimer.Claimer
	executor *executor.Executor
	logger   *common.Logger

	cancelFns   map[int64]context.CancelFunc
	cancelMu    sync.Mutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Engine.
func New(cfg Config, s *store.Store, exec *executor.Executor, logger *common.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		store:     s,
		claimer:   claimer.New(s, cfg.Strategy, cfg.LeaseDuration),
		executor:  exec,
		logger:    logger,
		cancelFns: make(map[int64]context.CancelFunc),
	}
}

// Start registers the worker, launches the heartbeat loop, the dispatcher,
// and Concurrency executor goroutines. It returns once the background
// loops have been launched; call Shutdown to stop them.
func (e *Engine) Start(parent context.Context) error {
	if err := e.register(parent); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	taskChan := make(chan *models.Task, e.cfg.Concurrency)

	e.safeGo("heartbeat", func() { e.heartbeatLoop(ctx) })
	e.safeGo("dispatcher", func() { e.dispatchLoop(ctx, taskChan) })
	for i := 0; i < e.cfg.Concurrency; i++ {
		slot := i
		e.safeGo(fmt.Sprintf("worker-%d", slot), func() { e.workerLoop(ctx, taskChan) })
	}
	return nil
}

// Shutdown stops accepting new claims, cancels in-flight invocations, and
// waits up to the configured grace period for their commits (spec §4.6).
func (e *Engine) Shutdown() {
	if e.cancel == nil {
		return
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn().Msg("worker engine shutdown grace period elapsed; leases will expire naturally")
	}
}

func (e *Engine) safeGo(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in worker engine goroutine")
			}
		}()
		fn()
	}()
}

func (e *Engine) register(ctx context.Context) error {
	return e.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, capabilities, heartbeat_utc, registered_utc)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET capabilities = excluded.capabilities, heartbeat_utc = excluded.heartbeat_utc`,
			e.cfg.WorkerID, models.EncodeCapabilities(e.cfg.Capabilities), now, now)
		return err
	})
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := e.store.DB().ExecContext(context.Background(), `
				UPDATE workers SET heartbeat_utc = ? WHERE id = ?`,
				time.Now().UTC(), e.cfg.WorkerID)
			if err != nil {
				e.logger.Error().Err(err).Msg("heartbeat update failed")
			}
		}
	}
}

// dispatchLoop claims tasks on the worker's behalf and feeds the bounded
// task channel, backing off with jitter when nothing is eligible (spec
// §4.6: base 100ms, cap 5s). The wait itself goes through a
// golang.org/x/time/rate.Limiter: each idle iteration retunes the
// limiter's rate to 1/delay and calls Wait, so the pacing is
// context-cancellation-aware without a second hand-rolled select/time.After
// around every retry.
func (e *Engine) dispatchLoop(ctx context.Context, taskChan chan<- *models.Task) {
	const base = 100 * time.Millisecond
	const cap_ = 5 * time.Second
	backoffN := 0
	limiter := rate.NewLimiter(rate.Every(base), 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := e.claimer.Claim(ctx, e.cfg.WorkerID, e.cfg.Capabilities)
		if err != nil {
			if queueerr.OfKind(err, queueerr.KindNoEligibleTask) {
				delay := jitteredBackoff(base, cap_, backoffN)
				backoffN++
				limiter.SetLimit(rate.Every(delay))
				if waitErr := limiter.Wait(ctx); waitErr != nil {
					return
				}
				continue
			}
			e.logger.Error().Err(err).Msg("claim failed")
			limiter.SetLimit(rate.Every(base))
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				return
			}
			continue
		}
		backoffN = 0

		select {
		case taskChan <- task:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) workerLoop(ctx context.Context, taskChan <-chan *models.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-taskChan:
			if !ok {
				return
			}
			e.execute(ctx, task)
		}
	}
}

func (e *Engine) execute(ctx context.Context, task *models.Task) {
	cancelCh := make(chan struct{})
	e.cancelMu.Lock()
	e.cancelFns[task.ID] = func() { close(cancelCh) }
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		delete(e.cancelFns, task.ID)
		e.cancelMu.Unlock()
	}()

	if err := e.executor.Run(ctx, task, e.cfg.LeaseDuration, e.cfg.WorkerID, cancelCh); err != nil {
		e.logger.Error().Err(err).Int64("task_id", task.ID).Msg("executor commit failed")
	}
}

// RequestCancel signals the running handler for taskID to stop, if this
// engine currently holds it (spec §4.5 handler cancellation).
func (e *Engine) RequestCancel(taskID int64) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	fn, ok := e.cancelFns[taskID]
	if !ok {
		return false
	}
	fn()
	return true
}

func jitteredBackoff(base, cap_ time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(1<<uint(minInt(attempt, 10)))
	if delay > cap_ {
		delay = cap_
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return delay + jitter
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
