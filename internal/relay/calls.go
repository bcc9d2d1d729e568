package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/ids"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/shard"
)

// DefaultRingTimeout ends calls nobody answered.
const DefaultRingTimeout = 45 * time.Second

// CallState is the lifecycle position of a call.
type CallState string

const (
	CallRinging CallState = "RINGING"
	CallActive  CallState = "ACTIVE"
	CallEnded   CallState = "ENDED"
)

// Signal types forwarded between call parties.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// End reasons carried in call-end.
const (
	EndRejected = "rejected"
	EndHangup   = "ended"
	EndTimeout  = "timeout"
)

// CallSession is a snapshot of one call. The initiator's bearer token is
// kept internally and never exposed.
type CallSession struct {
	ID          string
	TicketID    int64
	InitiatorID int64
	AgentID     int64
	State       CallState
	CreatedAt   time.Time
	AnsweredAt  time.Time
}

type callEntry struct {
	CallSession
	authToken string
	ring      *time.Timer
}

func (e callEntry) stopRing() {
	if e.ring != nil {
		e.ring.Stop()
	}
}

// Calls runs the call signaling state machine.
type Calls struct {
	router
	calls       *shard.Map[string, callEntry]
	ringTimeout time.Duration
	validateSDP bool
	now         func() time.Time
}

// CallsOption configures Calls.
type CallsOption func(*Calls)

// WithRingTimeout sets how long a call may ring. Zero disables the timeout.
func WithRingTimeout(d time.Duration) CallsOption {
	return func(c *Calls) {
		if d >= 0 {
			c.ringTimeout = d
		}
	}
}

// WithSDPValidation toggles parsing of offer/answer payloads.
func WithSDPValidation(enabled bool) CallsOption {
	return func(c *Calls) {
		c.validateSDP = enabled
	}
}

// NewCalls builds the call state machine.
func NewCalls(deps Deps, opts ...CallsOption) (*Calls, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	c := &Calls{
		router:      router{Deps: deps},
		calls:       shard.New[string, callEntry](0),
		ringTimeout: DefaultRingTimeout,
		validateSDP: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initiate starts a call from the ticket's client to its agent.
func (c *Calls) Initiate(ctx context.Context, ticketID, callerID int64, token string) (CallSession, error) {
	ctx, span := obs.Tracer().Start(ctx, "calls.Initiate")
	defer span.End()
	span.SetAttributes(attribute.Int64("ticket.id", ticketID))

	p, bearer, err := c.authenticate(ctx, token)
	if err != nil {
		return CallSession{}, err
	}
	if p.Role != auth.RoleClient {
		return CallSession{}, fmt.Errorf("%w: only clients may start calls", ErrForbidden)
	}
	if p.ID != callerID {
		return CallSession{}, fmt.Errorf("%w: token does not belong to caller %d", ErrUnauthenticated, callerID)
	}
	if ticketID <= 0 {
		return CallSession{}, ErrInvalidInput
	}

	tk, err := c.ticket(ctx, ticketID, bearer)
	if err != nil {
		return CallSession{}, err
	}
	if tk.ClientID != callerID {
		return CallSession{}, fmt.Errorf("%w: caller is not the client of ticket %d", ErrForbidden, ticketID)
	}
	agent, err := c.agentFor(ctx, tk, bearer)
	if err != nil {
		return CallSession{}, err
	}

	entry := callEntry{
		CallSession: CallSession{
			ID:          ids.New(),
			TicketID:    ticketID,
			InitiatorID: callerID,
			AgentID:     agent,
			State:       CallRinging,
			CreatedAt:   c.now().UTC(),
		},
		authToken: bearer,
	}
	c.calls.Set(entry.ID, entry)
	obs.ActiveCalls.Inc()
	if c.ringTimeout > 0 {
		c.armRing(entry.ID)
	}
	obs.CallTransitions.WithLabelValues(string(CallRinging), "initiate").Inc()
	span.SetAttributes(attribute.String("call.id", entry.ID))
	obs.Info("call initiated", map[string]any{"call_id": entry.ID, "ticket_id": ticketID, "caller_id": callerID, "agent_id": agent})

	c.deliver(agent, auth.RoleSupport, event.New(event.CallIncoming, event.IncomingCall{
		CallID:     entry.ID,
		TicketID:   ticketID,
		CallerID:   callerID,
		CallerType: string(auth.RoleClient),
	}))
	return entry.CallSession, nil
}

// Respond accepts or rejects a ringing call. token, when supplied, must
// belong to the call's agent or an admin.
func (c *Calls) Respond(ctx context.Context, callID string, accepted bool, token string) (CallSession, error) {
	cur, ok := c.calls.Get(callID)
	if !ok {
		return CallSession{}, c.noSuchCall("respond", callID)
	}
	if strings.TrimSpace(token) != "" {
		p, _, err := c.authenticate(ctx, token)
		if err != nil {
			return CallSession{}, err
		}
		if !(p.Role == auth.RoleAdmin || p.Is(cur.AgentID, auth.RoleSupport)) {
			return CallSession{}, fmt.Errorf("%w: %s cannot answer call %s", ErrForbidden, p, callID)
		}
	}

	var (
		found    bool
		stateErr error
		result   callEntry
	)
	c.calls.Update(callID, func(e callEntry, ok bool) (callEntry, bool) {
		found = ok
		if !ok {
			return e, false
		}
		if e.State != CallRinging {
			stateErr = fmt.Errorf("%w: call %s is %s", ErrCallState, callID, e.State)
			return e, true
		}
		e.stopRing()
		if !accepted {
			e.State = CallEnded
			result = e
			return e, false
		}
		e.State = CallActive
		e.AnsweredAt = c.now().UTC()
		result = e
		return e, true
	})
	switch {
	case !found:
		return CallSession{}, c.noSuchCall("respond", callID)
	case stateErr != nil:
		return CallSession{}, stateErr
	}

	if !accepted {
		c.finish(result, EndRejected)
		return result.CallSession, nil
	}

	obs.CallTransitions.WithLabelValues(string(CallActive), "accept").Inc()
	obs.Info("call accepted", map[string]any{"call_id": callID, "ticket_id": result.TicketID})
	answered := result.AnsweredAt
	payload := event.CallAnswer{CallID: callID, TicketID: result.TicketID, Accepted: true, AnsweredAt: &answered}
	c.deliver(result.InitiatorID, auth.RoleClient, event.New(event.CallResponse, payload))
	c.deliver(result.AgentID, auth.RoleSupport, event.New(event.CallResponse, payload))
	return result.CallSession, nil
}

// Signal forwards one negotiation step to the other party unchanged.
func (c *Calls) Signal(ctx context.Context, callID string, fromID, toID int64, typ, data string) error {
	cur, ok := c.calls.Get(callID)
	if !ok || cur.State == CallEnded {
		return c.noSuchCall("signal", callID)
	}

	toRole, isParty := cur.partyRole(toID)
	if !isParty {
		return fmt.Errorf("%w: user %d is not on call %s", ErrInvalidSignal, toID, callID)
	}
	if fromID != 0 {
		if _, fromParty := cur.partyRole(fromID); !fromParty {
			return fmt.Errorf("%w: user %d is not on call %s", ErrForbidden, fromID, callID)
		}
		if fromID == toID {
			return fmt.Errorf("%w: signal addressed to its sender", ErrInvalidSignal)
		}
	}
	if err := c.checkSignal(typ, data); err != nil {
		return err
	}

	_, span := obs.Tracer().Start(ctx, "calls.Signal")
	span.SetAttributes(attribute.String("call.id", callID), attribute.String("signal.type", typ))
	defer span.End()

	// Delivered under the call's key so a concurrent End queues call-end
	// behind this signal, never ahead of it.
	live := false
	c.calls.Update(callID, func(e callEntry, ok bool) (callEntry, bool) {
		if !ok || e.State == CallEnded {
			return e, ok
		}
		live = true
		c.deliver(toID, toRole, event.New(event.CallSignal, event.Signal{
			CallID:     callID,
			Type:       typ,
			Data:       data,
			FromUserID: fromID,
			ToUserID:   toID,
		}))
		return e, true
	})
	if !live {
		return c.noSuchCall("signal", callID)
	}
	return nil
}

func (c *Calls) checkSignal(typ, data string) error {
	switch typ {
	case SignalICECandidate:
		if strings.TrimSpace(data) == "" {
			return fmt.Errorf("%w: empty ice candidate", ErrInvalidSignal)
		}
		return nil
	case SignalOffer, SignalAnswer:
	default:
		return fmt.Errorf("%w: unknown signal type %q", ErrInvalidSignal, typ)
	}
	if !c.validateSDP {
		return nil
	}
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(typ), SDP: data}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %s is not valid SDP: %v", ErrInvalidSignal, typ, err)
	}
	return nil
}

// End hangs up a call. Ending an unknown or finished call returns
// ErrNoSuchCall and notifies nobody.
func (c *Calls) End(ctx context.Context, callID string) error {
	e, ok := c.calls.Delete(callID)
	if !ok {
		return c.noSuchCall("end", callID)
	}
	e.stopRing()
	e.State = CallEnded
	c.finish(e, EndHangup)
	return nil
}

// Lookup returns a snapshot of a live call.
func (c *Calls) Lookup(callID string) (CallSession, bool) {
	e, ok := c.calls.Get(callID)
	if !ok {
		return CallSession{}, false
	}
	return e.CallSession, true
}

// Len returns the number of ringing or active calls.
func (c *Calls) Len() int {
	return c.calls.Len()
}

// armRing starts the ring timer on a stored call that is still ringing.
func (c *Calls) armRing(callID string) {
	c.calls.Update(callID, func(e callEntry, ok bool) (callEntry, bool) {
		if ok && e.State == CallRinging && e.ring == nil {
			e.ring = time.AfterFunc(c.ringTimeout, func() { c.expire(callID) })
		}
		return e, ok
	})
}

func (c *Calls) expire(callID string) {
	var expired callEntry
	_, kept := c.calls.Update(callID, func(e callEntry, ok bool) (callEntry, bool) {
		if !ok {
			return e, false
		}
		if e.State != CallRinging {
			return e, true
		}
		e.State = CallEnded
		expired = e
		return e, false
	})
	if kept || expired.ID == "" {
		return
	}
	c.finish(expired, EndTimeout)
}

// finish notifies both parties of an evicted call.
func (c *Calls) finish(e callEntry, reason string) {
	obs.ActiveCalls.Dec()
	obs.CallTransitions.WithLabelValues(string(CallEnded), reason).Inc()
	obs.Info("call ended", map[string]any{
		"call_id":         e.ID,
		"ticket_id":       e.TicketID,
		"reason":          reason,
		"caller_token_fp": ids.Fingerprint(e.authToken),
	})
	payload := event.CallEnded{CallID: e.ID, TicketID: e.TicketID, Reason: reason}
	c.deliver(e.InitiatorID, auth.RoleClient, event.New(event.CallEnd, payload))
	c.deliver(e.AgentID, auth.RoleSupport, event.New(event.CallEnd, payload))
}

func (c *Calls) noSuchCall(op, callID string) error {
	obs.Info("call not found", map[string]any{"op": op, "call_id": callID})
	return fmt.Errorf("%w: %s", ErrNoSuchCall, callID)
}

func (s CallSession) partyRole(id int64) (auth.Role, bool) {
	switch id {
	case s.InitiatorID:
		return auth.RoleClient, true
	case s.AgentID:
		return auth.RoleSupport, true
	}
	return "", false
}
