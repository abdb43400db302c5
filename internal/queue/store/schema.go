package store

// schema is applied idempotently by schema_bootstrap() on every open. New
// migrations append a new entry to migrations below rather than editing a
// table already shipped, matching the CREATE TABLE IF NOT EXISTS / CREATE
// INDEX IF NOT EXISTS discipline used throughout the retrieval pack's
// embedded-SQLite stores.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    type            TEXT NOT NULL,
    priority        INTEGER NOT NULL DEFAULT 100,
    payload         TEXT NOT NULL DEFAULT '{}',
    compatibility   TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'queued'
                        CHECK (status IN ('queued','leased','completed','failed_retrying','failed_terminal','dead_letter','cancelled')),
    attempts        INTEGER NOT NULL DEFAULT 0,
    max_attempts    INTEGER NOT NULL DEFAULT 3,
    locked_by       TEXT,
    lease_until_utc DATETIME,
    run_after_utc   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_utc     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_utc     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_utc     DATETIME,
    finished_utc    DATETIME,
    error_message   TEXT,
    idempotency_key TEXT,
    result          TEXT,
    region          TEXT GENERATED ALWAYS AS (json_extract(compatibility, '$.region')) VIRTUAL,
    format          TEXT GENERATED ALWAYS AS (json_extract(payload, '$.format')) VIRTUAL,
    CHECK (attempts <= max_attempts OR status NOT IN ('queued','leased','failed_retrying')),
    CHECK ((status = 'leased' AND locked_by IS NOT NULL AND lease_until_utc IS NOT NULL)
        OR (status != 'leased' AND locked_by IS NULL AND lease_until_utc IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, run_after_utc);
CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks(type, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS workers (
    id             TEXT PRIMARY KEY,
    capabilities   TEXT NOT NULL DEFAULT '[]',
    heartbeat_utc  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    registered_utc DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(heartbeat_utc);

CREATE TABLE IF NOT EXISTS task_logs (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id  INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    at_utc   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    level    TEXT NOT NULL CHECK (level IN ('DEBUG','INFO','WARNING','ERROR','CRITICAL')),
    message  TEXT NOT NULL,
    details  TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);
CREATE INDEX IF NOT EXISTS idx_task_logs_at ON task_logs(at_utc);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_utc DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Monitoring views (spec §4.8). Read-only aggregations; never mutate state.

CREATE VIEW IF NOT EXISTS queue_depth_by_status AS
SELECT status, COUNT(*) AS depth
FROM tasks
GROUP BY status;

CREATE VIEW IF NOT EXISTS queue_depth_by_type AS
SELECT type, status, COUNT(*) AS depth
FROM tasks
GROUP BY type, status;

CREATE VIEW IF NOT EXISTS success_rates_24h AS
SELECT
    type,
    SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed,
    SUM(CASE WHEN status IN ('failed_terminal', 'dead_letter') THEN 1 ELSE 0 END) AS failed
FROM tasks
WHERE updated_utc >= datetime('now', '-1 day')
  AND status IN ('completed', 'failed_terminal', 'dead_letter')
GROUP BY type;

CREATE VIEW IF NOT EXISTS processing_time_percentiles_24h AS
SELECT
    type,
    (julianday(finished_utc) - julianday(started_utc)) * 86400000.0 AS duration_ms
FROM tasks
WHERE status = 'completed'
  AND finished_utc IS NOT NULL AND started_utc IS NOT NULL
  AND finished_utc >= datetime('now', '-1 day');

CREATE VIEW IF NOT EXISTS recent_failures AS
SELECT id, type, status, attempts, error_message, updated_utc
FROM tasks
WHERE status IN ('dead_letter', 'failed_terminal')
ORDER BY updated_utc DESC
LIMIT 100;

CREATE VIEW IF NOT EXISTS worker_activity AS
SELECT
    w.id,
    w.heartbeat_utc,
    (julianday('now') - julianday(w.heartbeat_utc)) * 86400.0 AS seconds_since_heartbeat,
    (SELECT COUNT(*) FROM tasks t WHERE t.locked_by = w.id AND t.status = 'leased') AS held_tasks
FROM workers w;
`

// migrations holds forward-only DDL applied after the base schema, keyed by
// version number; schema_bootstrap() applies versions current+1, current+2,
// ... in order, where current is the highest version stored in
// schema_migrations, and stops at the first missing key. Empty today — the
// base schema above is applied unconditionally on every open, since every
// statement in it is idempotent (CREATE ... IF NOT EXISTS), and is not
// recorded in schema_migrations, so the first migration is version 1.
var migrations = map[int]string{}
