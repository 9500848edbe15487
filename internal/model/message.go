package model

import "time"

// ConnectorType identifies the kind of mail backend an account uses.
type ConnectorType string

const (
	ConnectorIMAP  ConnectorType = "imap"
	ConnectorGmail ConnectorType = "gmail"
)

// Message is a read-only snapshot of a mail message fetched during one poll.
// It is never mutated locally; backend state changes go through the connector.
type Message struct {
	// ID is the provider-assigned identifier, stable across polls.
	// For Gmail this is the API message id; for IMAP it is the
	// Message-ID header with a folder/UID fallback.
	ID string

	// AccountID names the configured account the message belongs to.
	AccountID string

	// Sender is the From address (display name or bare address).
	Sender string

	// Subject is the message subject line.
	Subject string

	// Body is the plain-text body, possibly truncated for classification.
	// Empty until fetched; the pipeline fetches it on demand.
	Body string

	// ReceivedAt is when the backend received the message.
	ReceivedAt time.Time

	// Unread reports whether the message is still unread on the backend.
	Unread bool

	// Folder is the backend folder the message was listed from.
	Folder string
}
