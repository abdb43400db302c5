// Package maintenance implements C9: the scheduled operations that keep
// the store healthy under concurrent access — checkpoint, analyze,
// vacuum, integrity-check, retention cleanup, and backup.
package maintenance

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

// CheckpointMode selects how much of the write-ahead log to fold back into
// the main database file (spec §4.9).
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointFull     CheckpointMode = "FULL"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

// Config controls retention and backup behavior.
type Config struct {
	TaskRetention  time.Duration // default 30 days
	BackupDir      string
	KeepBackups    int // default 10
}

func (c Config) withDefaults() Config {
	if c.TaskRetention <= 0 {
		c.TaskRetention = 30 * 24 * time.Hour
	}
	if c.KeepBackups <= 0 {
		c.KeepBackups = 10
	}
	return c
}

// Maintenance runs the operations of spec §4.9 against a Store.
type Maintenance struct {
	cfg    Config
	store  *store.Store
	logger *common.Logger
}

// New constructs a Maintenance.
func New(cfg Config, s *store.Store, logger *common.Logger) *Maintenance {
	return &Maintenance{cfg: cfg.withDefaults(), store: s, logger: logger}
}

// Checkpoint truncates (or passively flushes) the write-ahead log.
func (m *Maintenance) Checkpoint(ctx context.Context, mode CheckpointMode) error {
	_, err := m.store.DB().ExecContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err != nil {
		return queueerr.Wrap(queueerr.KindBusy, "checkpoint", err)
	}
	return nil
}

// Analyze refreshes planner statistics; non-blocking for readers.
func (m *Maintenance) Analyze(ctx context.Context) error {
	_, err := m.store.DB().ExecContext(ctx, "ANALYZE")
	return err
}

// Vacuum reclaims free pages. Blocks writers — run only in low-traffic
// windows (spec §4.9).
func (m *Maintenance) Vacuum(ctx context.Context) error {
	_, err := m.store.DB().ExecContext(ctx, "VACUUM")
	return err
}

// IntegrityCheck returns the diagnostics list; ["ok"] means healthy.
func (m *Maintenance) IntegrityCheck(ctx context.Context) ([]string, error) {
	rows, err := m.store.DB().QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, queueerr.Wrap(queueerr.KindCorruption, "integrity check", err)
	}
	defer rows.Close()

	var diagnostics []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		diagnostics = append(diagnostics, line)
	}
	return diagnostics, rows.Err()
}

// CleanupOldTasks deletes terminal-state tasks older than TaskRetention,
// cascade-deleting their TaskLog rows (spec §3 lifecycle, §4.9). Returns
// the number of tasks removed.
func (m *Maintenance) CleanupOldTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.cfg.TaskRetention)
	res, err := m.store.DB().ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed_terminal', 'dead_letter', 'cancelled')
		  AND updated_utc < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Backup performs an online backup to a named file under BackupDir, then
// verifies it by opening the copy with store.Open and running
// integrity-check. That open is read-write: it applies the connection
// pragmas and the idempotent schema bootstrap to the copy.
// It keeps only the most recent KeepBackups files. SQLite's online backup
// API isn't exposed by the pure-Go driver used here, so the copy is taken
// after a full checkpoint (so the main file alone is consistent) rather
// than via a true page-level online backup.
func (m *Maintenance) Backup(ctx context.Context, now time.Time) (string, error) {
	if m.cfg.BackupDir == "" {
		return "", queueerr.New(queueerr.KindValidation, "backup directory not configured")
	}
	if err := os.MkdirAll(m.cfg.BackupDir, 0o755); err != nil {
		return "", err
	}
	if err := m.Checkpoint(ctx, CheckpointTruncate); err != nil {
		return "", err
	}

	name := fmt.Sprintf("queue-%s.bak", now.UTC().Format("20060102-150405"))
	dest := filepath.Join(m.cfg.BackupDir, name)

	if err := copyFile(m.store.Path(), dest); err != nil {
		return "", err
	}

	if err := m.verifyBackup(ctx, dest); err != nil {
		return "", err
	}

	if err := m.pruneBackups(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to prune old backups")
	}
	return dest, nil
}

func (m *Maintenance) verifyBackup(ctx context.Context, path string) error {
	verify, err := store.Open(ctx, path, store.Options{}, m.logger)
	if err != nil {
		return queueerr.Wrap(queueerr.KindCorruption, "open backup for verification", err)
	}
	defer verify.Close()

	diagnostics, err := (&Maintenance{store: verify, logger: m.logger, cfg: m.cfg}).IntegrityCheck(ctx)
	if err != nil {
		return err
	}
	if len(diagnostics) != 1 || diagnostics[0] != "ok" {
		return queueerr.New(queueerr.KindCorruption, "backup failed integrity check: "+strings.Join(diagnostics, "; "))
	}
	return nil
}

func (m *Maintenance) pruneBackups() error {
	entries, err := os.ReadDir(m.cfg.BackupDir)
	if err != nil {
		return err
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "queue-") && strings.HasSuffix(e.Name(), ".bak") {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups) // timestamped names sort chronologically
	if len(backups) <= m.cfg.KeepBackups {
		return nil
	}
	for _, name := range backups[:len(backups)-m.cfg.KeepBackups] {
		if err := os.Remove(filepath.Join(m.cfg.BackupDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Optimize runs Analyze, and additionally Vacuum when full is true
// (spec §4.9).
func (m *Maintenance) Optimize(ctx context.Context, full bool) error {
	if err := m.Analyze(ctx); err != nil {
		return err
	}
	if full {
		return m.Vacuum(ctx)
	}
	return nil
}
