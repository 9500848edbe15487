package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-sentinel/internal/config"
	"github.com/nhle/mail-sentinel/internal/connector"
	"github.com/nhle/mail-sentinel/internal/dispatch"
	"github.com/nhle/mail-sentinel/internal/ledger"
	"github.com/nhle/mail-sentinel/internal/model"
)

// listConnector serves a fixed candidate list and records the folders and
// since windows it was queried with.
type listConnector struct {
	mu        sync.Mutex
	accountID string
	messages  []model.Message
	listErr   error

	listedFolders []string
	listedSince   []time.Time
	moves         []string
}

func (c *listConnector) AccountID() string { return c.accountID }

func (c *listConnector) ListCandidates(_ context.Context, folder string, since time.Time, _ bool) ([]model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listedFolders = append(c.listedFolders, folder)
	c.listedSince = append(c.listedSince, since)
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []model.Message
	for _, m := range c.messages {
		if m.Folder == folder {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *listConnector) FetchBody(_ context.Context, _ model.Message) (string, error) {
	return "body", nil
}

func (c *listConnector) MoveTo(_ context.Context, msg model.Message, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moves = append(c.moves, msg.ID+"->"+folder)
	return nil
}

func (c *listConnector) MarkRead(_ context.Context, _ model.Message) error { return nil }

// staticClassifier returns the same verdict for every message.
type staticClassifier struct {
	verdict model.Verdict
}

func (c *staticClassifier) Classify(_ context.Context, _ model.Message, _ string) (model.Verdict, error) {
	return c.verdict, nil
}

// recordingNotifier collects everything sent through it.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, summary string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, summary)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	l, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testAccount() config.Account {
	return config.Account{
		Connector:         "imap",
		Folders:           []string{"INBOX"},
		JunkFolder:        "Junk",
		MaxLookbackHours:  24,
		ProcessOnlyUnread: true,
		Enabled:           true,
	}
}

func newScheduler(l ledger.Ledger, d *dispatch.Dispatcher, n *recordingNotifier) *Scheduler {
	return New(time.Second, 2, l, d, n, nil)
}

func TestSinceTimestamp_RecentLastSuccessWins(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	last := now.Add(-3 * time.Hour)
	require.NoError(t, led.SetLastSuccess(ctx, "work", last))

	s := newScheduler(led, nil, &recordingNotifier{})
	e := accountEntry{id: "work", cfg: testAccount()}

	since, err := s.sinceTimestamp(ctx, e, now)
	require.NoError(t, err)
	assert.WithinDuration(t, last, since, time.Second,
		"a 3h-old last success is inside the 24h lookback")
}

func TestSinceTimestamp_LookbackCapsStaleLastSuccess(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, led.SetLastSuccess(ctx, "work", now.Add(-48*time.Hour)))

	s := newScheduler(led, nil, &recordingNotifier{})
	e := accountEntry{id: "work", cfg: testAccount()}

	since, err := s.sinceTimestamp(ctx, e, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(-24*time.Hour), since, time.Second,
		"a 48h-old last success is capped at the 24h lookback floor")
}

func TestSinceTimestamp_FirstRunUsesLookback(t *testing.T) {
	led := newTestLedger(t)

	s := newScheduler(led, nil, &recordingNotifier{})
	e := accountEntry{id: "fresh", cfg: testAccount()}

	now := time.Now().UTC()
	since, err := s.sinceTimestamp(context.Background(), e, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(-24*time.Hour), since, time.Second)
}

func TestFilterProcessed_DropsSucceededKeepsFailed(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RecordOutcome(ctx, ledger.Entry{
		AccountID: "work", MessageID: "<done@x>",
		Outcome: model.PriorityJunk, Status: ledger.StatusSucceeded,
		ProcessedAt: time.Now().UTC(),
	}))
	require.NoError(t, led.RecordOutcome(ctx, ledger.Entry{
		AccountID: "work", MessageID: "<failed@x>",
		Outcome: model.PriorityImportant, Status: ledger.StatusFailed,
		ProcessedAt: time.Now().UTC(),
	}))

	s := newScheduler(led, nil, &recordingNotifier{})

	fresh, err := s.filterProcessed(ctx, "work", []model.Message{
		{ID: "<done@x>"},
		{ID: "<failed@x>"},
		{ID: "<new@x>"},
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(fresh))
	for _, m := range fresh {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"<failed@x>", "<new@x>"}, ids)
}

func TestPollOnce_DispatchesAndAdvancesLastSuccess(t *testing.T) {
	led := newTestLedger(t)
	noti := &recordingNotifier{}
	conn := &listConnector{
		accountID: "work",
		messages: []model.Message{
			{ID: "<junk@x>", AccountID: "work", Folder: "INBOX", Unread: true, Body: "buy now", ReceivedAt: time.Now()},
		},
	}
	d := dispatch.New(&staticClassifier{verdict: model.Verdict{Priority: model.PriorityJunk}}, noti, led, "", nil)
	s := newScheduler(led, d, noti)

	ctx := context.Background()
	e := accountEntry{id: "work", cfg: testAccount(), conn: conn}

	before := time.Now().UTC()
	require.NoError(t, s.pollOnce(ctx, e))

	assert.Equal(t, []string{"<junk@x>->Junk"}, conn.moves)

	last, err := led.LastSuccess(ctx, "work")
	require.NoError(t, err)
	assert.False(t, last.Before(before.Truncate(time.Second)))

	// The next iteration sees the same backend listing but an up-to-date
	// ledger, so nothing is re-dispatched.
	require.NoError(t, s.pollOnce(ctx, e))
	assert.Equal(t, []string{"<junk@x>->Junk"}, conn.moves, "succeeded message must not be re-moved")
}

func TestPollOnce_ListFailureSkipsLastSuccessWrite(t *testing.T) {
	led := newTestLedger(t)
	noti := &recordingNotifier{}
	conn := &listConnector{
		accountID: "work",
		listErr: &connector.TransientError{
			AccountID: "work", Op: "list", Err: errors.New("timeout"),
		},
	}
	d := dispatch.New(&staticClassifier{}, noti, led, "", nil)
	s := newScheduler(led, d, noti)

	ctx := context.Background()
	err := s.pollOnce(ctx, accountEntry{id: "work", cfg: testAccount(), conn: conn})
	require.Error(t, err)

	last, lerr := led.LastSuccess(ctx, "work")
	require.NoError(t, lerr)
	assert.True(t, last.IsZero(), "failed iterations must not advance the window")
}

func TestPollOnce_QueriesEveryConfiguredFolder(t *testing.T) {
	led := newTestLedger(t)
	noti := &recordingNotifier{}
	conn := &listConnector{accountID: "work"}
	d := dispatch.New(&staticClassifier{verdict: model.Verdict{Priority: model.PriorityNormal}}, noti, led, "", nil)
	s := newScheduler(led, d, noti)

	cfg := testAccount()
	cfg.Folders = []string{"INBOX", "Receipts"}

	require.NoError(t, s.pollOnce(context.Background(), accountEntry{id: "work", cfg: cfg, conn: conn}))
	assert.Equal(t, []string{"INBOX", "Receipts"}, conn.listedFolders)
}

func TestPollOnce_CrossFiledMessageDispatchedOnce(t *testing.T) {
	led := newTestLedger(t)
	noti := &recordingNotifier{}
	// The same Message-ID listed from two watched folders.
	conn := &listConnector{
		accountID: "work",
		messages: []model.Message{
			{ID: "<same@x>", AccountID: "work", Folder: "INBOX", Unread: true, Body: "pay the invoice", ReceivedAt: time.Now()},
			{ID: "<same@x>", AccountID: "work", Folder: "Receipts", Unread: true, Body: "pay the invoice", ReceivedAt: time.Now()},
		},
	}
	d := dispatch.New(&staticClassifier{verdict: model.Verdict{
		Priority: model.PriorityImportant,
		Summary:  "pay the invoice",
	}}, noti, led, "", nil)
	s := newScheduler(led, d, noti)

	cfg := testAccount()
	cfg.Folders = []string{"INBOX", "Receipts"}

	require.NoError(t, s.pollOnce(context.Background(), accountEntry{id: "work", cfg: cfg, conn: conn}))
	assert.Len(t, noti.all(), 1, "a cross-filed message gets exactly one notification")
}

func TestDedupeByID_KeepsFirstOccurrence(t *testing.T) {
	msgs := []model.Message{
		{ID: "<a@x>", Folder: "INBOX"},
		{ID: "<b@x>", Folder: "INBOX"},
		{ID: "<a@x>", Folder: "Receipts"},
	}

	out := dedupeByID(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "<a@x>", out[0].ID)
	assert.Equal(t, "INBOX", out[0].Folder)
	assert.Equal(t, "<b@x>", out[1].ID)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	led := newTestLedger(t)
	noti := &recordingNotifier{}
	conn := &listConnector{accountID: "work"}
	d := dispatch.New(&staticClassifier{verdict: model.Verdict{Priority: model.PriorityNormal}}, noti, led, "", nil)

	s := New(10*time.Millisecond, 2, led, d, noti, nil)
	s.Register("work", testAccount(), conn)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	conn.mu.Lock()
	polled := len(conn.listedFolders)
	conn.mu.Unlock()
	assert.Greater(t, polled, 0, "at least one poll before shutdown")
}

func TestRun_NoAccountsIsAnError(t *testing.T) {
	led := newTestLedger(t)
	s := newScheduler(led, nil, &recordingNotifier{})

	err := s.Run(context.Background())
	require.Error(t, err)
}

func TestRunAccount_AlertsAfterSustainedFailure(t *testing.T) {
	led := newTestLedger(t)
	noti := &recordingNotifier{}
	conn := &listConnector{
		accountID: "work",
		listErr: &connector.TransientError{
			AccountID: "work", Op: "list", Err: errors.New("refused"),
		},
	}
	d := dispatch.New(&staticClassifier{}, noti, led, "", nil)

	s := New(time.Millisecond, 1, led, d, noti, nil)
	e := accountEntry{id: "work", cfg: testAccount(), conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Enough time for well over alertThreshold ticks.
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	s.runAccount(ctx, e)

	sent := noti.all()
	require.Len(t, sent, 1, "exactly one alert per outage, not one per tick")
	assert.Contains(t, sent[0], "sentinel alert ", "alert text carries the correlating id")
	assert.Contains(t, sent[0], "work")
	assert.Contains(t, sent[0], "consecutive")
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffDelay(1))
	assert.Equal(t, time.Minute, backoffDelay(2))
	assert.Equal(t, 2*time.Minute, backoffDelay(3))
	assert.Equal(t, 16*time.Minute, backoffDelay(6))
	assert.Equal(t, 30*time.Minute, backoffDelay(7))
	assert.Equal(t, 30*time.Minute, backoffDelay(50))
}
