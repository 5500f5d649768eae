package store

// Schema is the DDL for the mailpilot database.
const Schema = `
CREATE TABLE IF NOT EXISTS processed (
    email_id     TEXT PRIMARY KEY,
    processed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS actions (
    id         TEXT PRIMARY KEY,
    action     TEXT NOT NULL,
    email_id   TEXT NOT NULL,
    detail     TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_email ON actions(email_id);
CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at DESC);
`
