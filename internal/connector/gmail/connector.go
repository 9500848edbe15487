package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mail-sentinel/internal/connector"
	"github.com/nhle/mail-sentinel/internal/model"
)

// Connector implements connector.Connector over the Gmail REST API with
// OAuth2 token-file auth. Folders map to Gmail labels; the provider
// message id is the stable identity.
type Connector struct {
	accountID string
	svc       *gmail.Service
}

// New creates a Gmail connector from an OAuth2 client secret file and a
// cached token file. The token must already exist; the daemon never
// drives an interactive consent flow.
func New(ctx context.Context, accountID, credentialsFile, tokenFile string) (*Connector, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading client secret file: %w", err)
	}

	oauthConfig, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret file: %w", err)
	}

	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("reading token file %s: %w", tokenFile, err)
	}

	httpClient := oauthConfig.Client(ctx, tok)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating Gmail service: %w", err)
	}

	return &Connector{accountID: accountID, svc: svc}, nil
}

// tokenFromFile loads a cached OAuth2 token.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// AccountID returns the configured account this connector serves.
func (c *Connector) AccountID() string {
	return c.accountID
}

// ListCandidates lists messages in the label named folder received at or
// after since using a Gmail search query.
func (c *Connector) ListCandidates(
	ctx context.Context,
	folder string,
	since time.Time,
	unreadOnly bool,
) ([]model.Message, error) {
	query := fmt.Sprintf("in:%s after:%d", strings.ToLower(folder), since.Unix())
	if unreadOnly {
		query += " is:unread"
	}

	var msgs []model.Message
	call := c.svc.Users.Messages.List("me").Q(query).MaxResults(100)

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			meta, err := c.svc.Users.Messages.Get("me", m.Id).
				Format("metadata").Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("getting message %s: %w", m.Id, err)
			}

			msg := normalize(meta, c.accountID, folder)
			// The after: operator has second granularity; filter precisely.
			if !msg.ReceivedAt.IsZero() && msg.ReceivedAt.Before(since) {
				continue
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, c.classify("list", err)
	}

	return msgs, nil
}

// FetchBody retrieves the plain-text body for msg.
func (c *Connector) FetchBody(ctx context.Context, msg model.Message) (string, error) {
	full, err := c.svc.Users.Messages.Get("me", msg.ID).
		Format("full").Context(ctx).Do()
	if err != nil {
		return "", c.classify("fetch", err)
	}

	if full.Payload == nil {
		return full.Snippet, nil
	}

	body := plainTextBody(full.Payload)
	if body == "" {
		body = full.Snippet
	}
	return body, nil
}

// MoveTo relabels msg into the label named folder and removes it from its
// source label. Gmail label modification is naturally idempotent: adding
// a label the message already carries is a no-op.
func (c *Connector) MoveTo(ctx context.Context, msg model.Message, folder string) error {
	addLabel := labelID(folder)

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    []string{addLabel},
		RemoveLabelIds: []string{labelID(msg.Folder)},
	}

	_, err := c.svc.Users.Messages.Modify("me", msg.ID, req).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			// Already moved or deleted by another actor.
			return nil
		}
		return c.classify("move", err)
	}
	return nil
}

// MarkRead removes the UNREAD label. Idempotent on the Gmail side.
func (c *Connector) MarkRead(ctx context.Context, msg model.Message) error {
	req := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}

	_, err := c.svc.Users.Messages.Modify("me", msg.ID, req).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return c.classify("mark-read", err)
	}
	return nil
}

// classify wraps Gmail API errors into the connector error taxonomy.
// Auth failures and missing labels need operator intervention; rate
// limits and server trouble retry on the next poll.
func (c *Connector) classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return &connector.TransientError{AccountID: c.accountID, Op: op, Err: err}
		case 403:
			// 403 covers both revoked access and per-user rate limits.
			if strings.Contains(strings.ToLower(apiErr.Message), "rate") {
				return &connector.TransientError{AccountID: c.accountID, Op: op, Err: err}
			}
			return &connector.PermanentError{AccountID: c.accountID, Op: op, Err: err}
		case 400, 401, 404:
			return &connector.PermanentError{AccountID: c.accountID, Op: op, Err: err}
		}
	}
	return &connector.TransientError{AccountID: c.accountID, Op: op, Err: err}
}

// isNotFound reports whether err is a 404 from the Gmail API.
func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// normalize converts a Gmail message to the model snapshot.
func normalize(m *gmail.Message, accountID, folder string) model.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	unread := false
	for _, label := range m.LabelIds {
		if label == "UNREAD" {
			unread = true
		}
	}

	return model.Message{
		ID:         m.Id,
		AccountID:  accountID,
		Sender:     headers["From"],
		Subject:    headers["Subject"],
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
		Unread:     unread,
		Folder:     folder,
	}
}

// plainTextBody walks the MIME tree for the first text/plain part.
func plainTextBody(payload *gmail.MessagePart) string {
	if payload.MimeType == "text/plain" && payload.Body != nil && payload.Body.Data != "" {
		if data, ok := decodeBody(payload.Body.Data); ok {
			return data
		}
	}

	for _, part := range payload.Parts {
		mt := strings.ToLower(part.MimeType)
		if strings.HasPrefix(mt, "text/") || strings.HasPrefix(mt, "multipart/") {
			if body := plainTextBody(part); body != "" {
				return body
			}
		}
	}

	return ""
}

// decodeBody decodes a Gmail body part. The API emits unpadded
// base64url; some relayed parts arrive standard-encoded.
func decodeBody(data string) (string, bool) {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	return "", false
}

// labelID maps a configured folder name to a Gmail label id. Well-known
// folders use the system label ids; anything else is passed through as a
// user label id.
func labelID(folder string) string {
	switch strings.ToLower(folder) {
	case "inbox":
		return "INBOX"
	case "junk", "spam":
		return "SPAM"
	case "trash":
		return "TRASH"
	}
	return folder
}
