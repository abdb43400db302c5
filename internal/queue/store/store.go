// Package store implements C1: connection management, pragmas, transactions,
// and schema bootstrap over a single-file SQLite database. It owns the
// *sqlx.DB; other components write either through Store.Transaction or, for
// single statements, directly through DB().
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
)

// Store owns the database connection and its durability settings (spec
// §4.1): WAL mode, synchronous=NORMAL, a busy-timeout for writer
// contention, foreign keys enforced, in-memory temp tables, a ~128MB mmap,
// 4KiB pages, and a ~20MB page cache.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *common.Logger
}

// Options configures Open. Zero values fall back to the spec §4.1 defaults.
type Options struct {
	BusyTimeout   time.Duration
	MmapSizeBytes int64
	CacheSizeKB   int
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.MmapSizeBytes <= 0 {
		o.MmapSizeBytes = 128 << 20
	}
	if o.CacheSizeKB <= 0 {
		o.CacheSizeKB = 20 * 1024
	}
	return o
}

// Open opens (creating if absent) the SQLite file at path, applies the
// durability pragmas, and bootstraps the schema.
func Open(ctx context.Context, path string, opts Options, logger *common.Logger) (*Store, error) {
	opts = opts.withDefaults()

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_txlock=immediate", path, opts.BusyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindSchema, "open sqlite", err)
	}

	// SQLite allows only one writer at a time; a single shared connection
	// avoids SQLITE_BUSY storms from the driver's own pool multiplexing
	// concurrent writers onto separate connections.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA mmap_size = %d", opts.MmapSizeBytes),
		"PRAGMA page_size = 4096",
		fmt.Sprintf("PRAGMA cache_size = -%d", opts.CacheSizeKB),
		"PRAGMA wal_autocheckpoint = 1000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, queueerr.Wrap(queueerr.KindSchema, "apply pragma: "+p, err)
		}
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path this Store was opened with.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying *sqlx.DB for single statements issued outside
// an explicit transaction: reads such as claim selection and stats, and
// writes such as heartbeats, lease renewal, retry promotion and
// maintenance.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// bootstrap applies the base schema (idempotent: every statement is
// CREATE ... IF NOT EXISTS) and then any migrations newer than the
// recorded schema_migrations version.
func (s *Store) bootstrap(ctx context.Context) error {
	for _, stmt := range splitStatements(schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return queueerr.Wrap(queueerr.KindSchema, "bootstrap schema", err)
		}
	}

	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return queueerr.Wrap(queueerr.KindSchema, "read schema version", err)
	}

	for v := current + 1; ; v++ {
		ddl, ok := migrations[v]
		if !ok {
			break
		}
		if err := s.Transaction(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES (?)", v)
			return err
		}); err != nil {
			return queueerr.Wrap(queueerr.KindSchema, fmt.Sprintf("apply migration %d", v), err)
		}
	}
	return nil
}

func splitStatements(sqlText string) []string {
	parts := strings.Split(sqlText, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		stmts = append(stmts, p)
	}
	return stmts
}

// Transaction runs fn inside a BEGIN IMMEDIATE / COMMIT transaction,
// rolling back on any error returned by fn or on panic. Acquisition is
// scoped: the transaction handle never escapes fn, so release happens on
// every exit path (spec §4.1).
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	var tx *sqlx.Tx
	tx, err = s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if isBusy(err) {
			return queueerr.Wrap(queueerr.KindBusy, "begin transaction", err)
		}
		return queueerr.Wrap(queueerr.KindSchema, "begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logf("rollback failed: %v (original error: %v)", rbErr, err)
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = queueerr.Wrap(queueerr.KindBusy, "commit transaction", cErr)
		}
	}()

	err = fn(tx)
	return err
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Error().Msgf(format, args...)
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}
