package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/mail-sentinel/internal/classifier"
	"github.com/nhle/mail-sentinel/internal/connector"
	"github.com/nhle/mail-sentinel/internal/ledger"
	"github.com/nhle/mail-sentinel/internal/model"
	"github.com/nhle/mail-sentinel/internal/notify"
)

const (
	// classifyRetries bounds within-iteration retries on ClassificationError.
	classifyRetries = 3

	// callTimeout bounds each individual external call made by the pipeline.
	callTimeout = 30 * time.Second
)

// Dispatcher runs the per-message pipeline: fetch body, classify with
// bounded retries, execute the verdict's terminal action, and record the
// outcome in the ledger. One Dispatcher is shared by all account workers;
// it holds no per-message state.
type Dispatcher struct {
	classifier classifier.Classifier
	notifier   notify.Notifier
	ledger     ledger.Ledger
	rules      string
	logger     *slog.Logger
}

// New creates a Dispatcher.
func New(
	cl classifier.Classifier,
	n notify.Notifier,
	l ledger.Ledger,
	rules string,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		classifier: cl,
		notifier:   n,
		ledger:     l,
		rules:      rules,
		logger:     logger,
	}
}

// Process handles a single candidate message end to end. The junkFolder
// is the account's configured destination for junk verdicts.
//
// Exactly one dispatch action is attempted per call. The ledger entry is
// written after the attempt completes, so a crash between side effect and
// ledger write leaves the message retry-eligible; connector mutations are
// idempotent, making the re-attempt safe.
func (d *Dispatcher) Process(
	ctx context.Context,
	conn connector.Connector,
	msg model.Message,
	junkFolder string,
) error {
	log := d.logger.With("account", msg.AccountID, "message_id", msg.ID)

	if msg.Body == "" {
		body, err := d.fetchBody(ctx, conn, msg)
		if err != nil {
			return fmt.Errorf("fetching body: %w", err)
		}
		msg.Body = body
	}

	verdict, err := d.classifyWithRetry(ctx, msg)
	if err != nil {
		// No verdict means no dispatch attempt: leave the ledger
		// untouched so the message stays candidate-eligible.
		return fmt.Errorf("classification exhausted: %w", err)
	}

	log.Info("message classified",
		"priority", verdict.Priority,
		"confidence", verdict.Confidence,
		"reasoning", verdict.Reasoning,
	)

	status := d.execute(ctx, conn, msg, verdict, junkFolder)

	entry := ledger.Entry{
		AccountID:   msg.AccountID,
		MessageID:   msg.ID,
		Outcome:     verdict.Priority,
		Status:      status,
		ProcessedAt: time.Now().UTC(),
		Sender:      msg.Sender,
		Subject:     msg.Subject,
	}
	if err := d.ledger.RecordOutcome(ctx, entry); err != nil {
		// The side effect may already have happened. MoveTo/MarkRead are
		// idempotent, so the next poll's re-attempt is safe.
		log.Error("ledger write failed after dispatch", "error", err)
		return fmt.Errorf("recording outcome: %w", err)
	}

	if status == ledger.StatusFailed {
		return fmt.Errorf("dispatch failed for %s/%s", msg.AccountID, msg.ID)
	}
	return nil
}

// fetchBody retrieves the message body under its own timeout.
func (d *Dispatcher) fetchBody(
	ctx context.Context,
	conn connector.Connector,
	msg model.Message,
) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return conn.FetchBody(callCtx, msg)
}

// classifyWithRetry calls the oracle up to classifyRetries times,
// retrying only on ClassificationError.
func (d *Dispatcher) classifyWithRetry(
	ctx context.Context,
	msg model.Message,
) (model.Verdict, error) {
	var lastErr error

	for attempt := 1; attempt <= classifyRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		verdict, err := d.classifier.Classify(callCtx, msg, d.rules)
		cancel()

		if err == nil {
			return verdict, nil
		}
		lastErr = err

		if !classifier.IsClassificationError(err) {
			return model.Verdict{}, err
		}

		d.logger.Warn("classification attempt failed",
			"message_id", msg.ID,
			"attempt", attempt,
			"error", err,
		)
	}

	return model.Verdict{}, lastErr
}

// execute runs the terminal action for the verdict and returns the
// resulting dispatch status.
func (d *Dispatcher) execute(
	ctx context.Context,
	conn connector.Connector,
	msg model.Message,
	verdict model.Verdict,
	junkFolder string,
) ledger.Status {
	log := d.logger.With("account", msg.AccountID, "message_id", msg.ID)

	switch verdict.Priority {
	case model.PriorityImportant:
		if err := d.sendNotification(ctx, msg, verdict); err != nil {
			// The message must never be silently dropped: record the
			// failure and leave it unread and in place for retry.
			log.Error("notification send failed", "error", err)
			return ledger.StatusFailed
		}

		if msg.Unread {
			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			err := conn.MarkRead(callCtx, msg)
			cancel()
			if err != nil {
				// Best effort: the notification went out and the ledger
				// entry below is what prevents reprocessing.
				log.Warn("mark read failed", "error", err)
			}
		}
		return ledger.StatusSucceeded

	case model.PriorityJunk:
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := conn.MoveTo(callCtx, msg, junkFolder)
		cancel()
		if err != nil {
			log.Error("junk move failed", "folder", junkFolder, "error", err)
			return ledger.StatusFailed
		}
		log.Info("message moved to junk", "folder", junkFolder)
		return ledger.StatusSucceeded

	default:
		// Normal: no backend mutation, nothing to retry.
		return ledger.StatusSucceeded
	}
}

// sendNotification delivers the verdict summary for an important message.
func (d *Dispatcher) sendNotification(
	ctx context.Context,
	msg model.Message,
	verdict model.Verdict,
) error {
	summary := verdict.TerseSummary()
	if summary == "" {
		summary = fmt.Sprintf("Important mail from %s: %s", msg.Sender, msg.Subject)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return d.notifier.Send(callCtx, summary)
}
