package relay

import (
	"context"
	"fmt"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/ticket"
)

// TicketNotifier forwards ticket-created events to the ticket's first agent.
// It keeps no state of its own; the assignment is primed into the table.
type TicketNotifier struct {
	router
}

// NewTicketNotifier builds a notifier.
func NewTicketNotifier(deps Deps) (*TicketNotifier, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	return &TicketNotifier{router: router{Deps: deps}}, nil
}

// TicketCreated validates the token carried with the event and, when the
// ticket names an agent, pushes new-ticket to that agent. It reports whether
// the push reached a live session. source labels metrics and logs.
func (n *TicketNotifier) TicketCreated(ctx context.Context, tk ticket.Ticket, token, source string) (delivered bool, err error) {
	defer func() {
		result := "ok"
		switch {
		case err != nil:
			result = Code(err)
		case !delivered:
			result = "undelivered"
		}
		obs.TicketEvents.WithLabelValues(source, result).Inc()
	}()

	p, _, err := n.authenticate(ctx, token)
	if err != nil {
		return false, err
	}
	if !p.Role.Valid() {
		return false, fmt.Errorf("%w: role %q cannot announce tickets", ErrForbidden, p.Role)
	}
	if tk.ID <= 0 {
		return false, fmt.Errorf("%w: ticket id is required", ErrInvalidInput)
	}
	if tk.SupportTeamID <= 0 {
		obs.Warn("ticket created without agent", map[string]any{"ticket_id": tk.ID, "source": source})
		return false, nil
	}

	n.Assignments.Prime(tk.ID, tk.SupportTeamID)
	delivered = n.deliver(tk.SupportTeamID, auth.RoleSupport, event.New(event.NewTicket, event.Ticket{
		ID:            tk.ID,
		ClientID:      tk.ClientID,
		SupportTeamID: tk.SupportTeamID,
		CategoryID:    tk.CategoryID,
		Subject:       tk.Title,
		Description:   tk.Description,
		Priority:      tk.Priority,
		Status:        tk.Status,
		Category:      tk.CategoryLabel(),
		UnreadCount:   0,
	}))
	obs.Info("ticket created", map[string]any{
		"ticket_id": tk.ID,
		"agent_id":  tk.SupportTeamID,
		"source":    source,
		"delivered": delivered,
	})
	return delivered, nil
}
