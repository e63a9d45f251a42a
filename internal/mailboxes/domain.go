// Package mailboxes lists a user's mailboxes, meters outbound sends and
// exposes the reserved-address lookups used by card-key generation.
package mailboxes

import (
	"time"

	"github.com/moemail/moemail/internal/shared"
)

// Mailbox is an address bound to one account until it expires.
type Mailbox struct {
	ID        string
	Address   string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Active reports whether the mailbox is still bound at now.
func (m Mailbox) Active(now time.Time) bool {
	return now.Before(m.ExpiresAt)
}

// Message types.
const (
	MessageReceived = "received"
	MessageSent     = "sent"
)

// Message is a stored received or sent message.
type Message struct {
	ID          string
	MailboxID   string
	FromAddress string
	ToAddress   string
	Subject     string
	Content     string
	HTML        string
	Type        string
	ReceivedAt  time.Time
}

// Reservation is an active mailbox owned by the Emperor account.
type Reservation struct {
	MailboxID string
	Address   string
	UserID    string
	Username  string
}

// ListParams selects a keyset page of a user's active mailboxes. Search
// matches the address and the subject, sender and recipient of any message.
type ListParams struct {
	UserID string
	Search string
	Cursor *shared.Cursor
	Limit  int
	Now    time.Time
}

// Outbound is a message handed to the delivery queue.
type Outbound struct {
	MessageID string `json:"message_id"`
	MailboxID string `json:"mailbox_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
}
