package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    workspace TEXT NOT NULL,
    profile TEXT NOT NULL,
    scope TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'created',
    budget TEXT,
    abort_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace);

CREATE TABLE IF NOT EXISTS tiers (
    run_id TEXT NOT NULL REFERENCES runs(id),
    tier_index INTEGER NOT NULL,
    name TEXT NOT NULL,
    PRIMARY KEY (run_id, tier_index)
);

CREATE TABLE IF NOT EXISTS phases (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    tier_index INTEGER NOT NULL,
    phase_index INTEGER NOT NULL,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    complexity TEXT,
    description TEXT,
    depends_on TEXT,
    state TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    budget TEXT,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_phases_run ON phases(run_id);
CREATE INDEX IF NOT EXISTS idx_phases_state ON phases(state);

CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    phase_id TEXT NOT NULL REFERENCES phases(id),
    run_id TEXT NOT NULL REFERENCES runs(id),
    number INTEGER NOT NULL,
    builder_provider TEXT,
    builder_model TEXT,
    auditor_provider TEXT,
    auditor_model TEXT,
    escalated BOOLEAN DEFAULT FALSE,
    risk_score INTEGER DEFAULT 0,
    gate_label TEXT,
    passed BOOLEAN DEFAULT FALSE,
    failure_kind TEXT,
    detail TEXT,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempts_phase ON attempts(phase_id);

CREATE TABLE IF NOT EXISTS run_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    phase_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    level TEXT,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id);
`
