package ledger

import (
	"context"
	"time"

	"github.com/nhle/mail-sentinel/internal/model"
)

// Status records whether a dispatch attempt completed.
type Status string

const (
	// StatusSucceeded marks a message as fully processed. The message is
	// never re-classified or re-dispatched.
	StatusSucceeded Status = "succeeded"

	// StatusFailed marks a dispatch attempt that did not complete. The
	// message stays eligible for retry on a later poll.
	StatusFailed Status = "failed"
)

// Entry is the durable processing record for one (account, message) pair.
// At most one entry exists per key; RecordOutcome is last-write-wins.
type Entry struct {
	AccountID   string         `db:"account_id"`
	MessageID   string         `db:"message_id"`
	Outcome     model.Priority `db:"outcome"`
	Status      Status         `db:"status"`
	ProcessedAt time.Time      `db:"processed_at"`
	Sender      string         `db:"sender"`
	Subject     string         `db:"subject"`
}

// Ledger is the idempotency store shared by all account workers. Keys are
// account-scoped, so workers never write each other's rows, but the store
// itself must tolerate concurrent access.
type Ledger interface {
	// Has reports whether any entry exists for the key.
	Has(ctx context.Context, accountID, messageID string) (bool, error)

	// Get returns the entry for the key, or nil when absent.
	Get(ctx context.Context, accountID, messageID string) (*Entry, error)

	// Succeeded reports whether the key has an entry with StatusSucceeded.
	Succeeded(ctx context.Context, accountID, messageID string) (bool, error)

	// RecordOutcome upserts the entry for the key. Once it returns nil
	// the entry survives process restart.
	RecordOutcome(ctx context.Context, e Entry) error

	// ProcessedCount returns the total number of recorded entries.
	ProcessedCount(ctx context.Context) (int, error)

	// LastSuccess returns the last successful poll completion time for
	// the account, or the zero time when none is recorded.
	LastSuccess(ctx context.Context, accountID string) (time.Time, error)

	// SetLastSuccess records the completion time of a successful poll.
	SetLastSuccess(ctx context.Context, accountID string, t time.Time) error

	// Close releases the underlying store.
	Close() error
}
