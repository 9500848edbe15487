package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mail-sentinel/internal/model"
)

// TransientError indicates a retryable backend failure (network trouble,
// rate limiting). The scheduler retries on the next regular poll.
type TransientError struct {
	AccountID string
	Op        string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error (%s, %s): %v", e.AccountID, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError indicates a failure that needs operator intervention
// (revoked credentials, missing folder). The account's worker backs off.
type PermanentError struct {
	AccountID string
	Op        string
	Err       error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent backend error (%s, %s): %v", e.AccountID, e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (or any error in its chain) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Connector is the contract every mail backend must implement. All
// operations may fail with TransientError or PermanentError; anything
// else is treated as transient by callers.
type Connector interface {
	// AccountID returns the configured account this connector serves.
	AccountID() string

	// ListCandidates queries the backend for messages in folder received
	// at or after since. When unreadOnly is set, read messages are
	// excluded. A fresh call re-queries the backend. Message bodies are
	// not populated; use FetchBody.
	ListCandidates(ctx context.Context, folder string, since time.Time, unreadOnly bool) ([]model.Message, error)

	// FetchBody retrieves the plain-text body for msg.
	FetchBody(ctx context.Context, msg model.Message) (string, error)

	// MoveTo relocates msg to the named folder. Moving an already-moved
	// message is a no-op success: a prior attempt may have succeeded
	// while the ledger write failed.
	MoveTo(ctx context.Context, msg model.Message, folder string) error

	// MarkRead flags msg as read. Idempotent.
	MarkRead(ctx context.Context, msg model.Message) error
}
