package relay

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/shard"
	"prjsdr.xyz/relay/internal/store"
)

const (
	// MaxBodyRunes bounds a single chat message.
	MaxBodyRunes = 4000
	previewRunes = 80
)

type conversationKey struct {
	sender, ticket int64
}

// Relay validates, persists and forwards chat messages.
type Relay struct {
	router
	policy ParticipantPolicy
	order  *shard.Locks[conversationKey]
}

// Option configures Relay.
type Option func(*Relay)

// WithParticipantPolicy selects how senders are admitted.
func WithParticipantPolicy(p ParticipantPolicy) Option {
	return func(r *Relay) {
		if p != "" {
			r.policy = p
		}
	}
}

// New builds a Relay.
func New(deps Deps, opts ...Option) (*Relay, error) {
	if err := deps.validate(true); err != nil {
		return nil, err
	}
	r := &Relay{
		router: router{Deps: deps},
		policy: PolicyTicket,
		order:  shard.NewLocks[conversationKey](64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Send relays body from the sender to the other party of ticketID. Messages
// from one sender on one ticket are persisted and delivered in call order.
func (r *Relay) Send(ctx context.Context, ticketID, senderID int64, senderRole auth.Role, body, token string) (msg store.Message, err error) {
	ctx, span := obs.Tracer().Start(ctx, "relay.Send")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Code(err))
		}
		obs.MessagesRelayed.WithLabelValues(outcome(err)).Inc()
		span.End()
	}()
	span.SetAttributes(attribute.Int64("ticket.id", ticketID), attribute.Int64("sender.id", senderID))

	p, bearer, err := r.authenticate(ctx, token)
	if err != nil {
		return store.Message{}, err
	}
	if !p.Is(senderID, senderRole) {
		return store.Message{}, fmt.Errorf("%w: token does not belong to %s:%d", ErrUnauthenticated, senderRole, senderID)
	}
	if !p.Role.CanChat() {
		return store.Message{}, fmt.Errorf("%w: role %s cannot chat", ErrForbidden, p.Role)
	}
	body = strings.TrimSpace(body)
	if ticketID <= 0 || body == "" || utf8.RuneCountInString(body) > MaxBodyRunes {
		return store.Message{}, ErrInvalidInput
	}

	tk, err := r.ticket(ctx, ticketID, bearer)
	if err != nil {
		return store.Message{}, err
	}
	agent, agentErr := r.agentFor(ctx, tk, bearer)

	if err := r.admit(ctx, p, tk.ClientID, agent, ticketID); err != nil {
		return store.Message{}, err
	}

	receiver, receiverRole := tk.ClientID, auth.RoleClient
	if p.Role == auth.RoleClient {
		if agentErr != nil {
			return store.Message{}, agentErr
		}
		receiver, receiverRole = agent, auth.RoleSupport
	}
	if receiver <= 0 {
		return store.Message{}, fmt.Errorf("%w: ticket %d has no client", ErrRouting, ticketID)
	}

	// Held only across persist and fan-out; ticket lookups above run unlocked.
	unlock := r.order.Lock(conversationKey{sender: senderID, ticket: ticketID})
	defer unlock()

	msg, err = r.Messages.Save(ctx, store.Message{
		TicketID:     ticketID,
		SenderID:     p.ID,
		SenderRole:   p.Role,
		ReceiverID:   receiver,
		ReceiverRole: receiverRole,
		Body:         body,
	})
	if err != nil {
		obs.Error("message not persisted", map[string]any{"ticket_id": ticketID, "sender_id": p.ID, "err": err})
		return store.Message{}, fmt.Errorf("persist message: %w", err)
	}

	payload := ChatPayload(msg)
	r.deliver(p.ID, p.Role, event.New(event.MessageAck, payload))
	r.deliver(receiver, receiverRole, event.New(event.Message, payload))
	r.deliver(receiver, receiverRole, event.New(event.NewMessage, event.MessageNotice{
		TicketID:  ticketID,
		MessageID: msg.ID,
		SenderID:  p.ID,
		Preview:   preview(body),
	}))
	return msg, nil
}

// admit applies the participant policy. agent may be zero when unresolved.
func (r *Relay) admit(ctx context.Context, p auth.Principal, clientID, agent, ticketID int64) error {
	switch {
	case p.Role == auth.RoleClient && p.ID == clientID:
		return nil
	case p.Role == auth.RoleSupport && agent > 0 && p.ID == agent:
		return nil
	}
	if r.policy == PolicyHistory {
		ok, err := r.Messages.HasParticipant(ctx, ticketID, p.ID)
		if err != nil {
			return fmt.Errorf("participant check: %w", err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a participant of ticket %d", ErrForbidden, p, ticketID)
}

// History returns the ticket's messages the caller sent or received.
func (r *Relay) History(ctx context.Context, ticketID int64, token string) ([]store.Message, error) {
	p, _, err := r.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if ticketID <= 0 {
		return nil, ErrInvalidInput
	}
	msgs, err := r.Messages.FindForParticipant(ctx, ticketID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// MarkRead flags the caller's unread messages on the ticket as read.
func (r *Relay) MarkRead(ctx context.Context, ticketID int64, token string) (int64, error) {
	p, _, err := r.authenticate(ctx, token)
	if err != nil {
		return 0, err
	}
	if ticketID <= 0 {
		return 0, ErrInvalidInput
	}
	n, err := r.Messages.MarkRead(ctx, ticketID, p.ID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

// ChatPayload converts a stored message to its wire form.
func ChatPayload(m store.Message) event.ChatMessage {
	return event.ChatMessage{
		ID:           m.ID,
		TicketID:     m.TicketID,
		SenderID:     m.SenderID,
		SenderRole:   string(m.SenderRole),
		ReceiverID:   m.ReceiverID,
		ReceiverRole: string(m.ReceiverRole),
		Message:      m.Body,
		CreatedAt:    m.CreatedAt,
		IsRead:       m.IsRead,
	}
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewRunes {
		return body
	}
	return string([]rune(body)[:previewRunes]) + "…"
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(Code(err))
}
