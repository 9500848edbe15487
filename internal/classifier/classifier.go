package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mail-sentinel/internal/model"
)

// ClassificationError indicates the oracle timed out or returned a
// response that could not be parsed. The pipeline retries a bounded
// number of times within the same poll iteration.
type ClassificationError struct {
	MessageID string
	Err       error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed for %s: %v", e.MessageID, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// IsClassificationError reports whether err (or any error in its chain)
// is a ClassificationError.
func IsClassificationError(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}

// Classifier assigns a verdict to a message given operator-authored rule
// text. Implementations backed by a hosted model are non-deterministic;
// callers never assume idempotence.
type Classifier interface {
	Classify(ctx context.Context, msg model.Message, rules string) (model.Verdict, error)
}
