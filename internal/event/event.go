// Package event defines the envelopes pushed to live sessions.
package event

import (
	"errors"
	"time"

	"prjsdr.xyz/relay/internal/ids"
)

// Kind names an outbound push.
type Kind string

const (
	UIDAssigned    Kind = "uid-assigned"
	NewMessage     Kind = "new-message"
	Message        Kind = "message"
	MessageAck     Kind = "message-ack"
	TicketAssigned Kind = "ticket-assigned"
	NewTicket      Kind = "new-ticket"
	CallIncoming   Kind = "call-incoming"
	CallResponse   Kind = "call-response"
	CallSignal     Kind = "call-signal"
	CallEnd        Kind = "call-end"
)

var (
	// ErrOffline is returned when no live session is attached for a recipient.
	ErrOffline = errors.New("event: recipient offline")
	// ErrDropped is returned when the recipient's outbound queue is full.
	ErrDropped = errors.New("event: outbound queue full")
)

// Event is a single push addressed to one session.
type Event struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"type"`
	Time time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(kind Kind, data any) Event {
	return Event{ID: ids.New(), Kind: kind, Time: time.Now().UTC(), Data: data}
}

// Pusher delivers an event to the session identified by token.
type Pusher interface {
	Push(token string, ev Event) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(token string, ev Event) error

func (f PusherFunc) Push(token string, ev Event) error { return f(token, ev) }

// Discard accepts and drops every event.
var Discard Pusher = PusherFunc(func(string, Event) error { return nil })
