package storage

const schemaDDL = `
CREATE TABLE IF NOT EXISTS pending_payloads (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  next_attempt_at INTEGER NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  content_encoding TEXT NOT NULL DEFAULT '',
  size_bytes INTEGER NOT NULL,
  body BLOB NOT NULL,
  last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_pending_due ON pending_payloads (next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_payloads (created_at);
`
