// Package relay routes chat messages, call signaling and ticket
// notifications between the two parties of a support ticket.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/ids"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/store"
	"prjsdr.xyz/relay/internal/ticket"
)

// Sessions delivers events to a principal's live session.
type Sessions interface {
	Send(principalID int64, role auth.Role, ev event.Event) error
}

// Assignments is the ticket to agent cache.
type Assignments interface {
	Resolve(ticketID int64) (int64, bool)
	Prime(ticketID, agentID int64) int64
}

// Tickets reads ticket metadata and category assignments.
type Tickets interface {
	GetTicket(ctx context.Context, id int64, bearer string) (ticket.Ticket, error)
	AssignedAgent(ctx context.Context, categoryID int64, bearer string) (int64, error)
}

// Deps are the collaborators shared by Relay, Calls and TicketNotifier.
type Deps struct {
	Auth        auth.Authenticator
	Sessions    Sessions
	Assignments Assignments
	Tickets     Tickets
	Messages    store.MessageStore
}

func (d Deps) validate(needMessages bool) error {
	switch {
	case d.Auth == nil:
		return errors.New("relay: authenticator is required")
	case d.Sessions == nil:
		return errors.New("relay: sessions are required")
	case d.Assignments == nil:
		return errors.New("relay: assignment table is required")
	case d.Tickets == nil:
		return errors.New("relay: ticket client is required")
	case needMessages && d.Messages == nil:
		return errors.New("relay: message store is required")
	}
	return nil
}

// ParticipantPolicy decides who may write to a ticket conversation.
type ParticipantPolicy string

const (
	// PolicyTicket admits the ticket's client and its current agent.
	PolicyTicket ParticipantPolicy = "ticket"
	// PolicyHistory additionally admits anyone who already sent or received a
	// message on the ticket, so a previous agent can finish a conversation.
	PolicyHistory ParticipantPolicy = "history"
)

// ParsePolicy accepts "ticket" or "history"; empty means ticket.
func ParsePolicy(raw string) (ParticipantPolicy, error) {
	switch ParticipantPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyTicket:
		return PolicyTicket, nil
	case PolicyHistory:
		return PolicyHistory, nil
	}
	return "", fmt.Errorf("relay: unknown participant policy %q", raw)
}

// router holds the lookups every operation starts with.
type router struct {
	Deps
}

func (r router) authenticate(ctx context.Context, token string) (auth.Principal, string, error) {
	raw, err := auth.BearerToken(token)
	if err != nil {
		return auth.Principal{}, "", ErrUnauthenticated
	}
	p, err := r.Auth.Authenticate(ctx, raw)
	if err != nil {
		obs.Warn("token rejected", map[string]any{"token_fp": ids.Fingerprint(raw), "err": err})
		return auth.Principal{}, "", ErrUnauthenticated
	}
	return p, raw, nil
}

func (r router) ticket(ctx context.Context, id int64, bearer string) (ticket.Ticket, error) {
	tk, err := r.Tickets.GetTicket(ctx, id, bearer)
	switch {
	case err == nil:
		return tk, nil
	case errors.Is(err, ticket.ErrForbidden):
		return ticket.Ticket{}, fmt.Errorf("%w: ticket %d", ErrForbidden, id)
	case errors.Is(err, ticket.ErrNotFound):
		return ticket.Ticket{}, fmt.Errorf("%w: ticket %d not found", ErrRouting, id)
	}
	return ticket.Ticket{}, fmt.Errorf("%w: %v", ErrRouting, err)
}

// agentFor resolves the ticket's agent: the cached assignment, else the
// ticket's supportTeamId, else the category owner. A freshly resolved agent
// is primed into the table; the value in effect afterwards is returned.
func (r router) agentFor(ctx context.Context, tk ticket.Ticket, bearer string) (int64, error) {
	if agent, ok := r.Assignments.Resolve(tk.ID); ok {
		return agent, nil
	}
	agent := tk.SupportTeamID
	if agent <= 0 && tk.CategoryID > 0 {
		var err error
		agent, err = r.Tickets.AssignedAgent(ctx, tk.CategoryID, bearer)
		if err != nil {
			return 0, fmt.Errorf("%w: category %d: %v", ErrRouting, tk.CategoryID, err)
		}
	}
	if agent <= 0 {
		return 0, fmt.Errorf("%w: ticket %d has no agent", ErrRouting, tk.ID)
	}
	return r.Assignments.Prime(tk.ID, agent), nil
}

// deliver pushes ev and logs a miss; a miss never fails the operation.
func (r router) deliver(to int64, role auth.Role, ev event.Event) bool {
	if err := r.Sessions.Send(to, role, ev); err != nil {
		obs.Info("push not delivered", map[string]any{
			"event":   ev.Kind,
			"user_id": to,
			"role":    role,
			"err":     err,
		})
		return false
	}
	return true
}
