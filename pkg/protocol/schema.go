package protocol

// SchemaDDL defines the SQLite schema shared by every terminal process.
// Tables: commands, parameter_state, terminals, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Parameter-change commands. Inserted by submitters, driven by processors.
CREATE TABLE IF NOT EXISTS commands (
    id TEXT PRIMARY KEY,
    parameter_id TEXT NOT NULL,
    target_value REAL NOT NULL,
    address INTEGER NOT NULL,
    protocol_type TEXT NOT NULL,
    timeout_ms INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    executed_at TEXT,
    completed_at TEXT,
    error_kind TEXT,
    error_detail TEXT,
    claimed_by TEXT,
    attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS commands_status_created ON commands (status, created_at);
CREATE INDEX IF NOT EXISTS commands_claimed_by ON commands (claimed_by);

-- Last accepted set value per controllable quantity.
CREATE TABLE IF NOT EXISTS parameter_state (
    parameter_id TEXT PRIMARY KEY,
    set_value REAL NOT NULL,
    updated_at TEXT NOT NULL,
    address INTEGER NOT NULL,
    encoding TEXT NOT NULL,
    source TEXT NOT NULL
);

-- One row per cooperating terminal process instance.
CREATE TABLE IF NOT EXISTS terminals (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    pid INTEGER NOT NULL,
    host TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'starting',
    started_at TEXT NOT NULL,
    last_heartbeat TEXT NOT NULL,
    stopped_at TEXT,
    reason TEXT
);

CREATE INDEX IF NOT EXISTS terminals_status_heartbeat ON terminals (status, last_heartbeat);

-- Lifecycle event log: command transitions, claim resets, terminal changes.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    command_id TEXT,
    terminal_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL
);
`
