package store

import "database/sql"

// Schema is the complete record-store schema. All timestamps are
// milliseconds since epoch.
const Schema = `
-- Analyzed subjects, keyed by normalized value + type
CREATE TABLE IF NOT EXISTS indicators (
    id          TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    type        TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    UNIQUE (value, type)
);

-- One provider answer per indicator per run; never mutated
CREATE TABLE IF NOT EXISTS source_results (
    id           TEXT PRIMARY KEY,
    indicator_id TEXT NOT NULL REFERENCES indicators(id),
    source       TEXT NOT NULL,
    score        REAL NOT NULL DEFAULT 0,
    weight       REAL NOT NULL DEFAULT 0,
    outcome      TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    tags_json    TEXT NOT NULL DEFAULT '[]',
    raw_json     TEXT NOT NULL DEFAULT '',
    fetched_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_source_results_indicator ON source_results(indicator_id, fetched_at DESC);

-- Verdicts are append-only; latest per indicator is a query, not a column
CREATE TABLE IF NOT EXISTS verdicts (
    id            TEXT PRIMARY KEY,
    indicator_id  TEXT NOT NULL REFERENCES indicators(id),
    label         TEXT NOT NULL,
    confidence    REAL NOT NULL,
    threat        REAL NOT NULL,
    evidence_json TEXT NOT NULL DEFAULT '[]',
    tags_json     TEXT NOT NULL DEFAULT '[]',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_indicator ON verdicts(indicator_id, created_at DESC);

-- Configured external threat feeds
CREATE TABLE IF NOT EXISTS feeds (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    url          TEXT NOT NULL,
    format       TEXT NOT NULL,
    interval_ms  INTEGER NOT NULL,
    auth_token   TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'active',
    last_update  INTEGER,
    record_count INTEGER NOT NULL DEFAULT 0,
    error_count  INTEGER NOT NULL DEFAULT 0,
    fail_streak  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

-- Indicators ingested from feeds, deduplicated per feed by value+type
CREATE TABLE IF NOT EXISTS feed_indicators (
    id           TEXT PRIMARY KEY,
    feed_id      TEXT NOT NULL REFERENCES feeds(id),
    value        TEXT NOT NULL,
    type         TEXT NOT NULL,
    confidence   INTEGER NOT NULL DEFAULT 50,
    threat_level TEXT NOT NULL DEFAULT 'medium',
    description  TEXT NOT NULL DEFAULT '',
    tags_json    TEXT NOT NULL DEFAULT '[]',
    first_seen   INTEGER NOT NULL,
    last_seen    INTEGER NOT NULL,
    UNIQUE (feed_id, value, type)
);
CREATE INDEX IF NOT EXISTS idx_feed_indicators_value ON feed_indicators(value);
CREATE INDEX IF NOT EXISTS idx_feed_indicators_type ON feed_indicators(type);

-- Sandbox jobs; state transitions owned by the orchestrator
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    file_sha256  TEXT NOT NULL,
    filename     TEXT NOT NULL DEFAULT '',
    environment  TEXT NOT NULL,
    state        TEXT NOT NULL DEFAULT 'queued',
    progress     INTEGER NOT NULL DEFAULT 0,
    reason       TEXT NOT NULL DEFAULT '',
    verdict_id   TEXT NOT NULL DEFAULT '',
    submitted_at INTEGER NOT NULL,
    started_at   INTEGER,
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, submitted_at);
`

// ApplySchema creates all tables and indexes. Idempotent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
