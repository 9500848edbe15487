package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteLedger implements the Ledger interface using a local SQLite database.
type SQLiteLedger struct {
	db *sqlx.DB
}

// NewSQLiteLedger opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	// The pragmas ride in the DSN so they apply to every pooled
	// connection: a plain Exec would configure only the one connection
	// it happened to run on, leaving other writers to surface
	// SQLITE_BUSY.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return l, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (l *SQLiteLedger) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := l.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = l.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := l.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Has reports whether any entry exists for the key.
func (l *SQLiteLedger) Has(ctx context.Context, accountID, messageID string) (bool, error) {
	var n int
	err := l.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processed_messages WHERE account_id = ? AND message_id = ?",
		accountID, messageID,
	)
	if err != nil {
		return false, fmt.Errorf("querying ledger entry: %w", err)
	}
	return n > 0, nil
}

// Get returns the entry for the key, or nil when absent.
func (l *SQLiteLedger) Get(ctx context.Context, accountID, messageID string) (*Entry, error) {
	var e Entry
	err := l.db.GetContext(ctx, &e, `
		SELECT account_id, message_id, outcome, status, processed_at, sender, subject
		FROM processed_messages
		WHERE account_id = ? AND message_id = ?`,
		accountID, messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger entry: %w", err)
	}
	return &e, nil
}

// Succeeded reports whether the key has an entry with StatusSucceeded.
func (l *SQLiteLedger) Succeeded(ctx context.Context, accountID, messageID string) (bool, error) {
	var n int
	err := l.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processed_messages WHERE account_id = ? AND message_id = ? AND status = ?",
		accountID, messageID, StatusSucceeded,
	)
	if err != nil {
		return false, fmt.Errorf("querying ledger status: %w", err)
	}
	return n > 0, nil
}

// RecordOutcome upserts the entry for the key, last-write-wins.
func (l *SQLiteLedger) RecordOutcome(ctx context.Context, e Entry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_messages (
			account_id, message_id, outcome, status, processed_at, sender, subject
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_id) DO UPDATE SET
			outcome      = excluded.outcome,
			status       = excluded.status,
			processed_at = excluded.processed_at,
			sender       = excluded.sender,
			subject      = excluded.subject`,
		e.AccountID, e.MessageID, e.Outcome, e.Status, e.ProcessedAt, e.Sender, e.Subject,
	)
	if err != nil {
		return fmt.Errorf("recording outcome for %s/%s: %w", e.AccountID, e.MessageID, err)
	}
	return nil
}

// ProcessedCount returns the total number of recorded entries.
func (l *SQLiteLedger) ProcessedCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM processed_messages")
	if err != nil {
		return 0, fmt.Errorf("counting ledger entries: %w", err)
	}
	return n, nil
}

// LastSuccess returns the last successful poll completion time for the
// account, or the zero time when none is recorded.
func (l *SQLiteLedger) LastSuccess(ctx context.Context, accountID string) (time.Time, error) {
	var t time.Time
	err := l.db.GetContext(ctx, &t,
		"SELECT last_success FROM poll_state WHERE account_id = ?", accountID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading poll state: %w", err)
	}
	return t, nil
}

// SetLastSuccess records the completion time of a successful poll.
func (l *SQLiteLedger) SetLastSuccess(ctx context.Context, accountID string, t time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO poll_state (account_id, last_success, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			last_success = excluded.last_success,
			updated_at   = CURRENT_TIMESTAMP`,
		accountID, t.UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating poll state for %s: %w", accountID, err)
	}
	return nil
}
