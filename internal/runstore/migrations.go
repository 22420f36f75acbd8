package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    parent_run_id TEXT,
    query TEXT NOT NULL,
    want_video BOOLEAN DEFAULT FALSE,
    state TEXT NOT NULL,
    status TEXT NOT NULL,
    failed_phase TEXT,
    failure_reason TEXT,
    failure_detail TEXT,
    warnings TEXT,
    artifacts TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);

CREATE TABLE IF NOT EXISTS phase_results (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    phase TEXT NOT NULL,
    fingerprint TEXT,
    provider TEXT,
    attempts INTEGER DEFAULT 0,
    revisions INTEGER DEFAULT 0,
    from_cache BOOLEAN DEFAULT FALSE,
    shared BOOLEAN DEFAULT FALSE,
    error TEXT,
    started_at INTEGER,
    finished_at INTEGER,
    PRIMARY KEY (run_id, seq)
);
`
