package notify

import (
	"context"
	"errors"
	"fmt"
)

// SendError indicates a notification transport failure. The dispatcher
// records the message as failed and retries on a later poll; no retry
// logic lives inside a Notifier.
type SendError struct {
	Transport string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending %s notification: %v", e.Transport, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsSendError reports whether err (or any error in its chain) is a SendError.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}

// Notifier delivers a terse summary to a configured destination.
type Notifier interface {
	Send(ctx context.Context, summary string) error
}
