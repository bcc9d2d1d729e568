package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prjsdr.xyz/relay/internal/obs"
)

// DefaultTimeout bounds a single call to either service.
const DefaultTimeout = 5 * time.Second

// Client reads tickets from the ticket service and category assignments
// from the support service. Both calls forward the caller's bearer token.
type Client struct {
	ticketURL  string
	supportURL string
	http       *http.Client
	timeout    time.Duration
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// NewClient builds a client. ticketURL is the ticket service base URL;
// supportURL is the full category-assignment endpoint prefix.
func NewClient(ticketURL, supportURL string, opts ...Option) *Client {
	c := &Client{
		ticketURL:  strings.TrimRight(strings.TrimSpace(ticketURL), "/"),
		supportURL: strings.TrimRight(strings.TrimSpace(supportURL), "/"),
		http:       &http.Client{Timeout: DefaultTimeout},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ticketEnvelope struct {
	Ticket *Ticket `json:"ticket"`
}

// GetTicket fetches ticket id using the caller's bearer token.
func (c *Client) GetTicket(ctx context.Context, id int64, bearer string) (Ticket, error) {
	endpoint := c.ticketURL + "/api/ticket/" + url.PathEscape(strconv.FormatInt(id, 10))
	var env ticketEnvelope
	if err := c.getJSON(ctx, "ticket.get", endpoint, bearer, &env); err != nil {
		return Ticket{}, err
	}
	if env.Ticket == nil {
		return Ticket{}, fmt.Errorf("%w: response without ticket", ErrUnavailable)
	}
	if env.Ticket.ID == 0 {
		env.Ticket.ID = id
	}
	return *env.Ticket, nil
}

// AssignedAgent asks the support service which agent owns categoryID.
// A zero id with a nil error means nobody is assigned.
func (c *Client) AssignedAgent(ctx context.Context, categoryID int64, bearer string) (int64, error) {
	if c.supportURL == "" {
		return 0, fmt.Errorf("%w: support service not configured", ErrUnavailable)
	}
	endpoint := c.supportURL + "/" + url.PathEscape(strconv.FormatInt(categoryID, 10))
	var payload struct {
		SupportTeamID int64 `json:"supportTeamId"`
	}
	if err := c.getJSON(ctx, "support.assigned_agent", endpoint, bearer, &payload); err != nil {
		return 0, err
	}
	return payload.SupportTeamID, nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint, bearer string, out any) error {
	ctx, span := obs.Tracer().Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return ErrForbidden
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: %s status %d", ErrUnavailable, op, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, op, err)
	}
	return nil
}
