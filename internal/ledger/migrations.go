package ledger

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	account_id   TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	outcome      TEXT NOT NULL CHECK(outcome IN ('important', 'normal', 'junk')),
	status       TEXT NOT NULL CHECK(status IN ('succeeded', 'failed')),
	processed_at DATETIME NOT NULL,
	sender       TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, message_id)
);

CREATE TABLE IF NOT EXISTS poll_state (
	account_id   TEXT PRIMARY KEY,
	last_success DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_processed_status
	ON processed_messages(account_id, status);
CREATE INDEX IF NOT EXISTS idx_processed_at
	ON processed_messages(processed_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
