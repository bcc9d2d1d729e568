// Package ticket talks to the ticket and support-assignment services.
package ticket

import "errors"

var (
	ErrNotFound    = errors.New("ticket: not found")
	ErrForbidden   = errors.New("ticket: forbidden")
	ErrUnavailable = errors.New("ticket: service unavailable")
)

// Ticket is the subset of ticket-service fields the relay routes on.
type Ticket struct {
	ID            int64  `json:"id"`
	ClientID      int64  `json:"clientId"`
	SupportTeamID int64  `json:"supportTeamId"`
	CategoryID    int64  `json:"categoryId"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
}

// CategoryLabel names the category shown to agents.
func (t Ticket) CategoryLabel() string {
	switch t.CategoryID {
	case 1:
		return "Technical"
	case 2:
		return "Billing"
	}
	return "General"
}
