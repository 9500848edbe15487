package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

// client wraps go-imap v2 for connecting to and querying IMAP servers.
// Each operation dials a fresh connection; the caller is responsible for
// calling Logout on the returned client.
type client struct {
	host     string
	port     int
	username string
	password string
	tls      bool
}

// errAuth marks a failed login so the connector can classify it as
// permanent.
type errAuth struct{ err error }

func (e *errAuth) Error() string { return e.err.Error() }
func (e *errAuth) Unwrap() error { return e.err }

// errFolder marks a failed folder select: the folder is missing or
// inaccessible, which needs operator intervention.
type errFolder struct {
	folder string
	err    error
}

func (e *errFolder) Error() string { return fmt.Sprintf("selecting %s: %v", e.folder, e.err) }
func (e *errFolder) Unwrap() error { return e.err }

// connect establishes a connection to the IMAP server and authenticates.
func (c *client) connect(_ context.Context) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)

	var conn *imapclient.Client
	var err error

	if c.tls {
		conn, err = imapclient.DialTLS(addr, nil)
	} else {
		conn, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := conn.Login(c.username, c.password).Wait(); err != nil {
		_ = conn.Logout().Wait()
		return nil, &errAuth{err: fmt.Errorf("authentication failed for %s: %w", c.username, err)}
	}

	return conn, nil
}

// envelope holds the parsed envelope data from an IMAP message.
type envelope struct {
	UID       imap.UID
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	Seen      bool
}

// searchSince selects folder and returns envelopes of messages received
// at or after since, optionally restricted to unseen messages.
func (c *client) searchSince(
	ctx context.Context,
	folder string,
	since time.Time,
	unseenOnly bool,
) ([]envelope, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Logout().Wait() }()

	if _, err := conn.Select(folder, nil).Wait(); err != nil {
		return nil, &errFolder{folder: folder, err: err}
	}

	criteria := &imap.SearchCriteria{Since: since}
	if unseenOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}

	searchData, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", folder, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSetNum(uids...)
	fetchOpts := &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	}

	fetchCmd := conn.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var envelopes []envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		envelopes = append(envelopes, envelopeFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return envelopes, fmt.Errorf("fetching envelopes: %w", err)
	}

	return envelopes, nil
}

// findUID selects folder and resolves a Message-ID header to the message
// UID. Returns found=false when the message is no longer in the folder.
func (c *client) findUID(
	conn *imapclient.Client,
	folder string,
	messageID string,
) (imap.UID, bool, error) {
	if _, err := conn.Select(folder, nil).Wait(); err != nil {
		return 0, false, &errFolder{folder: folder, err: err}
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-Id", Value: messageID},
		},
	}

	searchData, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, false, fmt.Errorf("searching for message: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return 0, false, nil
	}

	return uids[0], true, nil
}

// fetchText fetches the full message body for the given UID and extracts
// its plain-text content.
func (c *client) fetchText(conn *imapclient.Client, uid imap.UID) (string, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := conn.Fetch(imap.UIDSetNum(uid), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return "", fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return "", fmt.Errorf("collecting message data: %w", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return "", nil
	}

	if err := fetchCmd.Close(); err != nil {
		return "", fmt.Errorf("closing fetch: %w", err)
	}

	return extractText(raw), nil
}

// markSeen adds the \Seen flag to the message.
func (c *client) markSeen(conn *imapclient.Client, uid imap.UID) error {
	storeCmd := conn.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	return storeCmd.Close()
}

// move relocates the message to the named folder.
func (c *client) move(conn *imapclient.Client, uid imap.UID, folder string) error {
	moveCmd := conn.Move(imap.UIDSetNum(uid), folder)
	if _, err := moveCmd.Wait(); err != nil {
		return fmt.Errorf("moving to %s: %w", folder, err)
	}
	return nil
}

// envelopeFromBuffer extracts an envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) envelope {
	env := envelope{
		UID:  buf.UID,
		Seen: false,
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.From = from.Name
			} else {
				env.From = from.Addr()
			}
		}
	}

	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			env.Seen = true
		}
	}

	return env
}

// extractText parses a raw RFC 2822 message using go-message and returns
// its text/plain body, falling back to the raw bytes when parsing fails.
func extractText(raw []byte) string {
	reader := bytes.NewReader(raw)

	mr, err := mail.CreateReader(reader)
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	var textBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := h.ContentType()
		if !strings.HasPrefix(contentType, "text/plain") {
			continue
		}

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		textBody = string(body)
		break
	}

	return textBody
}
