// Package assign tracks which support agent owns which ticket.
package assign

import (
	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/shard"
)

// Sender delivers an event to a principal's live session.
type Sender interface {
	Send(principalID int64, role auth.Role, ev event.Event) error
}

// Table maps ticket ids to agent ids. It performs no network I/O; callers
// resolve missing entries from the ticket service and Prime the result.
type Table struct {
	entries *shard.Map[int64, int64]
	sender  Sender
}

// New creates an empty table. sender may be nil, in which case reassignments
// are recorded without notification.
func New(sender Sender) *Table {
	return &Table{entries: shard.New[int64, int64](0), sender: sender}
}

// Assign sets or overwrites the agent for ticketID and tells the new agent.
// It reports the previous agent, if any.
func (t *Table) Assign(ticketID, agentID int64) (prev int64, had bool) {
	prev, had = t.entries.Set(ticketID, agentID)
	obs.Info("ticket assigned", map[string]any{
		"ticket_id":  ticketID,
		"agent_id":   agentID,
		"prev_agent": prev,
	})
	if t.sender == nil {
		return prev, had
	}
	ev := event.New(event.TicketAssigned, event.Assignment{TicketID: ticketID, AgentID: agentID})
	if err := t.sender.Send(agentID, auth.RoleSupport, ev); err != nil {
		obs.Info("ticket-assigned not delivered", map[string]any{
			"ticket_id": ticketID,
			"agent_id":  agentID,
			"err":       err,
		})
	}
	return prev, had
}

// Resolve returns the cached agent for ticketID.
func (t *Table) Resolve(ticketID int64) (int64, bool) {
	return t.entries.Get(ticketID)
}

// Prime stores agentID only when ticketID has no entry yet. It never notifies
// and returns the agent that is in effect afterwards.
func (t *Table) Prime(ticketID, agentID int64) int64 {
	if agentID <= 0 {
		cur, _ := t.entries.Get(ticketID)
		return cur
	}
	cur, _ := t.entries.Update(ticketID, func(cur int64, ok bool) (int64, bool) {
		if ok {
			return cur, true
		}
		return agentID, true
	})
	return cur
}

// Forget drops the entry for ticketID.
func (t *Table) Forget(ticketID int64) {
	t.entries.Delete(ticketID)
}

// Len returns the number of cached assignments.
func (t *Table) Len() int {
	return t.entries.Len()
}
