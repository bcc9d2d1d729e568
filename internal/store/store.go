// Package store defines chat message persistence.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"prjsdr.xyz/relay/internal/auth"
)

var (
	ErrInvalidMessage = errors.New("store: invalid message")
	ErrUnavailable    = errors.New("store: unavailable")
)

// Message is one relayed chat message. Only IsRead changes after Save.
type Message struct {
	ID           int64
	TicketID     int64
	SenderID     int64
	SenderRole   auth.Role
	ReceiverID   int64
	ReceiverRole auth.Role
	Body         string
	CreatedAt    time.Time
	IsRead       bool
}

// Validate checks the fields Save relies on.
func (m Message) Validate() error {
	switch {
	case m.TicketID <= 0:
		return ErrInvalidMessage
	case m.SenderID <= 0 || m.ReceiverID <= 0:
		return ErrInvalidMessage
	case !m.SenderRole.Valid() || !m.ReceiverRole.Valid():
		return ErrInvalidMessage
	case strings.TrimSpace(m.Body) == "":
		return ErrInvalidMessage
	}
	return nil
}

// MessageStore persists chat messages.
type MessageStore interface {
	// Save stores m and returns it with ID and CreatedAt filled in.
	Save(ctx context.Context, m Message) (Message, error)
	// FindForParticipant lists the ticket's messages the principal sent or
	// received, oldest first.
	FindForParticipant(ctx context.Context, ticketID, principalID int64) ([]Message, error)
	// HasParticipant reports whether the principal sent or received any
	// message on the ticket.
	HasParticipant(ctx context.Context, ticketID, principalID int64) (bool, error)
	// MarkRead flags the receiver's unread messages on the ticket as read and
	// returns how many changed.
	MarkRead(ctx context.Context, ticketID, receiverID int64) (int64, error)
}
