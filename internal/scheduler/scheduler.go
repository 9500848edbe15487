package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mail-sentinel/internal/config"
	"github.com/nhle/mail-sentinel/internal/connector"
	"github.com/nhle/mail-sentinel/internal/dispatch"
	"github.com/nhle/mail-sentinel/internal/ledger"
	"github.com/nhle/mail-sentinel/internal/model"
	"github.com/nhle/mail-sentinel/internal/notify"
)

const (
	// listTimeout bounds a single candidate-listing call.
	listTimeout = 60 * time.Second

	// backoffBase and backoffCap shape the per-account backoff applied
	// after permanent backend errors.
	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute

	// alertThreshold is the number of consecutive failed ticks after
	// which one operator alert is raised for the account.
	alertThreshold = 5
)

// accountEntry holds a registered account and its connector.
type accountEntry struct {
	id   string
	cfg  config.Account
	conn connector.Connector
}

// Scheduler owns one independent polling worker per registered account.
// A worker never starts a new poll iteration before the previous one's
// dispatches have all completed, so per-message ledger writes cannot race
// across overlapping polls of the same account.
type Scheduler struct {
	interval    time.Duration
	concurrency int
	ledger      ledger.Ledger
	dispatcher  *dispatch.Dispatcher
	notifier    notify.Notifier
	logger      *slog.Logger

	mu       sync.Mutex
	accounts []accountEntry
}

// New creates a Scheduler. The notifier is used for operator alerts about
// sustained per-account failure, on the same channel as message
// notifications.
func New(
	interval time.Duration,
	concurrency int,
	l ledger.Ledger,
	d *dispatch.Dispatcher,
	n notify.Notifier,
	logger *slog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval:    interval,
		concurrency: concurrency,
		ledger:      l,
		dispatcher:  d,
		notifier:    n,
		logger:      logger,
	}
}

// Register adds an account and its connector to the scheduler. Must be
// called before Run.
func (s *Scheduler) Register(id string, cfg config.Account, conn connector.Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, accountEntry{id: id, cfg: cfg, conn: conn})
}

// Run starts one worker per registered account and blocks until ctx is
// cancelled and every in-flight poll iteration has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]accountEntry, len(s.accounts))
	copy(entries, s.accounts)
	s.mu.Unlock()

	if len(entries) == 0 {
		return fmt.Errorf("no accounts registered")
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e accountEntry) {
			defer wg.Done()
			s.runAccount(ctx, e)
		}(e)
	}

	wg.Wait()
	return nil
}

// runAccount is the polling loop for a single account. One account's
// failure never propagates beyond its own loop.
func (s *Scheduler) runAccount(ctx context.Context, e accountEntry) {
	log := s.logger.With("account", e.id)
	log.Info("account worker started",
		"connector", e.cfg.Connector,
		"interval", s.interval,
		"lookback_hours", e.cfg.MaxLookbackHours,
	)

	failures := 0
	alerted := false

	for {
		err := s.pollOnce(ctx, e)

		switch {
		case err == nil:
			if failures >= alertThreshold {
				log.Info("account recovered", "failed_ticks", failures)
			}
			failures = 0
			alerted = false

		case ctx.Err() != nil:
			log.Info("account worker stopped")
			return

		default:
			failures++
			log.Error("poll iteration failed", "error", err, "consecutive", failures)

			if failures >= alertThreshold && !alerted {
				s.raiseOperatorAlert(ctx, e.id, failures, err)
				alerted = true
			}
		}

		delay := s.interval
		if err != nil && connector.IsPermanent(err) {
			delay = backoffDelay(failures)
			log.Warn("backing off after permanent error", "delay", delay)
		}

		select {
		case <-ctx.Done():
			log.Info("account worker stopped")
			return
		case <-time.After(delay):
		}
	}
}

// pollOnce runs a single poll iteration: list candidates in every watched
// folder, drop ledger-succeeded ids, fan out dispatch bounded by the
// concurrency limit, and persist the tick time once everything completed.
func (s *Scheduler) pollOnce(ctx context.Context, e accountEntry) error {
	tickStart := time.Now().UTC()
	log := s.logger.With("account", e.id)

	since, err := s.sinceTimestamp(ctx, e, tickStart)
	if err != nil {
		return err
	}

	var candidates []model.Message
	for _, folder := range e.cfg.Folders {
		listCtx, cancel := context.WithTimeout(ctx, listTimeout)
		msgs, err := e.conn.ListCandidates(listCtx, folder, since, e.cfg.ProcessOnlyUnread)
		cancel()
		if err != nil {
			return fmt.Errorf("listing %s: %w", folder, err)
		}
		candidates = append(candidates, msgs...)
	}

	// A message cross-filed into two watched folders (same Message-ID,
	// or one Gmail message under two watched labels) lists twice; keep
	// the first occurrence so it is dispatched exactly once.
	candidates = dedupeByID(candidates)

	fresh, err := s.filterProcessed(ctx, e.id, candidates)
	if err != nil {
		return err
	}

	if len(fresh) > 0 {
		log.Info("processing new messages", "count", len(fresh), "since", since)
		s.dispatchAll(ctx, e, fresh)
	}

	// A crash before this write re-lists the window next run; the ledger
	// keeps the re-listed messages from being re-dispatched.
	if err := s.ledger.SetLastSuccess(ctx, e.id, tickStart); err != nil {
		return fmt.Errorf("persisting poll state: %w", err)
	}

	return nil
}

// sinceTimestamp computes the candidate window start: the last successful
// tick, bounded above by the account's lookback cap. After a short outage
// no messages are skipped; after a long one the backlog is capped.
func (s *Scheduler) sinceTimestamp(
	ctx context.Context,
	e accountEntry,
	now time.Time,
) (time.Time, error) {
	lookback := time.Duration(e.cfg.MaxLookbackHours) * time.Hour
	floor := now.Add(-lookback)

	last, err := s.ledger.LastSuccess(ctx, e.id)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last success: %w", err)
	}

	if last.IsZero() || last.Before(floor) {
		return floor, nil
	}
	return last, nil
}

// dedupeByID drops candidates whose message id was already seen,
// preserving listing order.
func dedupeByID(msgs []model.Message) []model.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// filterProcessed drops messages that already have a succeeded ledger
// entry. Failed entries stay eligible so the message is re-classified and
// re-dispatched.
func (s *Scheduler) filterProcessed(
	ctx context.Context,
	accountID string,
	candidates []model.Message,
) ([]model.Message, error) {
	fresh := make([]model.Message, 0, len(candidates))
	for _, msg := range candidates {
		done, err := s.ledger.Succeeded(ctx, accountID, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("checking ledger: %w", err)
		}
		if !done {
			fresh = append(fresh, msg)
		}
	}
	return fresh, nil
}

// dispatchAll fans out message processing bounded by the concurrency
// limit and waits for every dispatch to finish. Dispatches run under a
// context detached from shutdown cancellation so in-flight attempts
// complete and their ledger writes land.
func (s *Scheduler) dispatchAll(ctx context.Context, e accountEntry, msgs []model.Message) {
	dispatchCtx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for _, msg := range msgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg model.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.dispatcher.Process(dispatchCtx, e.conn, msg, e.cfg.JunkFolder); err != nil {
				// Per-message errors are contained: log and move on so
				// one bad message never aborts the iteration.
				s.logger.Warn("message processing failed",
					"account", e.id,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}(msg)
	}

	wg.Wait()
}

// raiseOperatorAlert surfaces sustained account failure through the
// notifier channel, distinct from per-message classification failures
// which are silent-retry.
func (s *Scheduler) raiseOperatorAlert(ctx context.Context, accountID string, failures int, cause error) {
	// The alert id ties the operator's notification back to this
	// account's log stream.
	alertID := uuid.NewString()
	text := fmt.Sprintf(
		"sentinel alert %s: account %q has failed %d consecutive polls (%v)",
		alertID, accountID, failures, cause,
	)

	if err := s.notifier.Send(ctx, text); err != nil {
		s.logger.Error("operator alert send failed",
			"account", accountID,
			"alert_id", alertID,
			"error", err,
		)
		return
	}

	s.logger.Warn("operator alert raised", "account", accountID, "alert_id", alertID)
}

// backoffDelay returns the capped exponential backoff delay for the n-th
// consecutive failure.
func backoffDelay(failures int) time.Duration {
	d := backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
