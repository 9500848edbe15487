package imap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mail-sentinel/internal/connector"
	"github.com/nhle/mail-sentinel/internal/model"
)

// Connector implements connector.Connector over IMAP with password auth.
// Messages are identified by their Message-ID header, which stays stable
// across polls and folder moves; messages without one fall back to a
// folder/UID identity.
type Connector struct {
	accountID string
	client    *client
}

// New creates an IMAP connector for the given account.
func New(accountID, host string, port int, username, password string, useTLS bool) *Connector {
	return &Connector{
		accountID: accountID,
		client: &client{
			host:     host,
			port:     port,
			username: username,
			password: password,
			tls:      useTLS,
		},
	}
}

// AccountID returns the configured account this connector serves.
func (c *Connector) AccountID() string {
	return c.accountID
}

// ListCandidates queries folder for messages received at or after since.
func (c *Connector) ListCandidates(
	ctx context.Context,
	folder string,
	since time.Time,
	unreadOnly bool,
) ([]model.Message, error) {
	envelopes, err := c.client.searchSince(ctx, folder, since, unreadOnly)
	if err != nil {
		return nil, c.classify("list", err)
	}

	msgs := make([]model.Message, 0, len(envelopes))
	for _, env := range envelopes {
		// The SINCE search key has day granularity; filter precisely.
		if !env.Date.IsZero() && env.Date.Before(since) {
			continue
		}

		id := env.MessageID
		if id == "" {
			id = fallbackID(folder, uint32(env.UID))
		}

		msgs = append(msgs, model.Message{
			ID:         id,
			AccountID:  c.accountID,
			Sender:     env.From,
			Subject:    env.Subject,
			ReceivedAt: env.Date,
			Unread:     !env.Seen,
			Folder:     folder,
		})
	}

	return msgs, nil
}

// FetchBody retrieves the plain-text body for msg.
func (c *Connector) FetchBody(ctx context.Context, msg model.Message) (string, error) {
	conn, err := c.client.connect(ctx)
	if err != nil {
		return "", c.classify("fetch", err)
	}
	defer func() { _ = conn.Logout().Wait() }()

	uid, found, err := c.resolveUID(conn, msg)
	if err != nil {
		return "", c.classify("fetch", err)
	}
	if !found {
		return "", c.classify("fetch", fmt.Errorf("message %s not found in %s", msg.ID, msg.Folder))
	}

	text, err := c.client.fetchText(conn, uid)
	if err != nil {
		return "", c.classify("fetch", err)
	}
	return text, nil
}

// MoveTo relocates msg to the named folder. A message that is no longer
// in its source folder counts as already moved: no-op success.
func (c *Connector) MoveTo(ctx context.Context, msg model.Message, folder string) error {
	conn, err := c.client.connect(ctx)
	if err != nil {
		return c.classify("move", err)
	}
	defer func() { _ = conn.Logout().Wait() }()

	uid, found, err := c.resolveUID(conn, msg)
	if err != nil {
		return c.classify("move", err)
	}
	if !found {
		return nil
	}

	if err := c.client.move(conn, uid, folder); err != nil {
		return c.classify("move", err)
	}
	return nil
}

// MarkRead flags msg as read. A message no longer present is a no-op.
func (c *Connector) MarkRead(ctx context.Context, msg model.Message) error {
	conn, err := c.client.connect(ctx)
	if err != nil {
		return c.classify("mark-read", err)
	}
	defer func() { _ = conn.Logout().Wait() }()

	uid, found, err := c.resolveUID(conn, msg)
	if err != nil {
		return c.classify("mark-read", err)
	}
	if !found {
		return nil
	}

	if err := c.client.markSeen(conn, uid); err != nil {
		return c.classify("mark-read", err)
	}
	return nil
}

// resolveUID maps a message identity back to a UID in its source folder.
func (c *Connector) resolveUID(
	conn *imapclient.Client,
	msg model.Message,
) (imap.UID, bool, error) {
	if folder, uid, ok := parseFallbackID(msg.ID); ok && folder == msg.Folder {
		// UID identity: verify the message is still present.
		if _, err := conn.Select(msg.Folder, nil).Wait(); err != nil {
			return 0, false, &errFolder{folder: msg.Folder, err: err}
		}
		return imap.UID(uid), true, nil
	}

	return c.client.findUID(conn, msg.Folder, msg.ID)
}

// classify wraps low-level errors into the connector error taxonomy.
// Auth and folder errors need operator intervention; everything else is
// retried on the next poll.
func (c *Connector) classify(op string, err error) error {
	var authErr *errAuth
	var folderErr *errFolder
	if errors.As(err, &authErr) || errors.As(err, &folderErr) {
		return &connector.PermanentError{AccountID: c.accountID, Op: op, Err: err}
	}
	return &connector.TransientError{AccountID: c.accountID, Op: op, Err: err}
}

// fallbackID builds a folder/UID identity for messages lacking a
// Message-ID header.
func fallbackID(folder string, uid uint32) string {
	return fmt.Sprintf("%s/%d", folder, uid)
}

// parseFallbackID splits a folder/UID identity. Message-ID headers are
// bracketed and never match this shape.
func parseFallbackID(id string) (folder string, uid uint32, ok bool) {
	if strings.HasPrefix(id, "<") {
		return "", 0, false
	}
	idx := strings.LastIndex(id, "/")
	if idx < 1 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[idx+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return id[:idx], uint32(n), true
}
