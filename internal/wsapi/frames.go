package wsapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"prjsdr.xyz/relay/internal/audit"
	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/codec"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/registry"
	"prjsdr.xyz/relay/internal/relay"
	"prjsdr.xyz/relay/internal/ticket"
)

// Inbound frame types.
const (
	FrameChatSend      = "chat.send"
	FrameChatHistory   = "chat.history"
	FrameChatRead      = "chat.read"
	FrameCallInitiate  = "call.initiate"
	FrameCallRespond   = "call.respond"
	FrameCallSignal    = "call.signal"
	FrameCallEnd       = "call.end"
	FrameTicketCreated = "ticket.created"
	FrameTicketAssign  = "ticket.assign"
	FrameResync        = "resync"
	FramePing          = "ping"
)

// Outbound reply types. Pushed events use their event kind instead.
const (
	ReplyResult = "result"
	ReplyError  = "error"
	ReplyPong   = "pong"
)

type reply struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorReply(requestID, code, msg string) reply {
	return reply{Type: ReplyError, RequestID: requestID, Error: &wireError{Code: code, Message: msg}}
}

type chatSendPayload struct {
	TicketID int64  `json:"ticketId"`
	Message  string `json:"message"`
}

type ticketRefPayload struct {
	TicketID int64 `json:"ticketId"`
}

type callInitiatePayload struct {
	TicketID int64 `json:"ticketId"`
}

type callRespondPayload struct {
	CallID   string `json:"callId"`
	Accepted bool   `json:"accepted"`
}

type callSignalPayload struct {
	CallID   string `json:"callId"`
	ToUserID int64  `json:"toUserId"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

type callRefPayload struct {
	CallID string `json:"callId"`
}

type ticketCreatedPayload struct {
	Ticket ticket.Ticket `json:"ticket"`
	Token  string        `json:"token,omitempty"`
}

type ticketAssignPayload struct {
	TicketID      int64 `json:"ticketId"`
	SupportTeamID int64 `json:"supportTeamId"`
}

type callView struct {
	CallID      string     `json:"callId"`
	TicketID    int64      `json:"ticketId"`
	InitiatorID int64      `json:"initiatorId"`
	AgentID     int64      `json:"agentId"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	AnsweredAt  *time.Time `json:"answeredAt,omitempty"`
}

func viewCall(cs relay.CallSession) callView {
	v := callView{
		CallID:      cs.ID,
		TicketID:    cs.TicketID,
		InitiatorID: cs.InitiatorID,
		AgentID:     cs.AgentID,
		State:       string(cs.State),
		CreatedAt:   cs.CreatedAt,
	}
	if !cs.AnsweredAt.IsZero() {
		at := cs.AnsweredAt
		v.AnsweredAt = &at
	}
	return v
}

func (s *session) dispatch(ctx context.Context, f codec.Frame) reply {
	data, err := s.handle(ctx, f)
	if err != nil {
		code := relay.Code(err)
		switch {
		case errors.Is(err, errPayload):
			code = "INVALID_ARGUMENT"
		case errors.Is(err, registry.ErrIdentityExhausted):
			code = "UNAVAILABLE"
		}
		if code == "INTERNAL" {
			obs.Error("frame failed", map[string]any{"type": f.Type, "principal": s.p.String(), "err": err})
			return errorReply(f.RequestID, code, "internal error")
		}
		return errorReply(f.RequestID, code, err.Error())
	}
	if f.Type == FramePing {
		return reply{Type: ReplyPong, RequestID: f.RequestID}
	}
	return reply{Type: ReplyResult, RequestID: f.RequestID, Data: data}
}

var errPayload = errors.New("wsapi: invalid payload")

func (s *session) decode(f codec.Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", errPayload, f.Type)
	}
	if err := s.codec.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errPayload, f.Type, err)
	}
	return nil
}

func (s *session) handle(ctx context.Context, f codec.Frame) (any, error) {
	switch f.Type {
	case FramePing:
		return nil, nil
	case FrameChatSend:
		var in chatSendPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		msg, err := s.h.deps.Relay.Send(ctx, in.TicketID, s.p.ID, s.p.Role, in.Message, s.bearer)
		if err != nil {
			return nil, err
		}
		return relay.ChatPayload(msg), nil
	case FrameChatHistory:
		var in ticketRefPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		msgs, err := s.h.deps.Relay.History(ctx, in.TicketID, s.bearer)
		if err != nil {
			return nil, err
		}
		out := make([]event.ChatMessage, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, relay.ChatPayload(m))
		}
		return out, nil
	case FrameChatRead:
		var in ticketRefPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		n, err := s.h.deps.Relay.MarkRead(ctx, in.TicketID, s.bearer)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"updated": n}, nil
	case FrameCallInitiate:
		var in callInitiatePayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		cs, err := s.h.deps.Calls.Initiate(ctx, in.TicketID, s.p.ID, s.bearer)
		if err != nil {
			return nil, err
		}
		return viewCall(cs), nil
	case FrameCallRespond:
		var in callRespondPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		cs, err := s.h.deps.Calls.Respond(ctx, in.CallID, in.Accepted, s.bearer)
		if err != nil {
			return nil, err
		}
		return viewCall(cs), nil
	case FrameCallSignal:
		var in callSignalPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		return nil, s.h.deps.Calls.Signal(ctx, in.CallID, s.p.ID, in.ToUserID, in.Type, in.Data)
	case FrameCallEnd:
		var in callRefPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		return nil, s.endCall(ctx, in.CallID)
	case FrameTicketCreated:
		var in ticketCreatedPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		token := in.Token
		if strings.TrimSpace(token) == "" {
			token = s.bearer
		}
		delivered, err := s.h.deps.Notifier.TicketCreated(ctx, in.Ticket, token, "ws")
		if err != nil {
			return nil, err
		}
		return map[string]bool{"delivered": delivered}, nil
	case FrameTicketAssign:
		var in ticketAssignPayload
		if err := s.decode(f, &in); err != nil {
			return nil, err
		}
		return s.assign(ctx, in)
	case FrameResync:
		return nil, s.resync()
	}
	return nil, fmt.Errorf("%w: unsupported frame type %q", relay.ErrInvalidInput, f.Type)
}

// endCall lets either party or an admin hang up.
func (s *session) endCall(ctx context.Context, callID string) error {
	cs, ok := s.h.deps.Calls.Lookup(callID)
	party := ok && (s.p.ID == cs.InitiatorID || s.p.ID == cs.AgentID)
	if ok && !party && s.p.Role != auth.RoleAdmin {
		return fmt.Errorf("%w: %s is not on call %s", relay.ErrForbidden, s.p, callID)
	}
	if err := s.h.deps.Calls.End(ctx, callID); err != nil {
		return err
	}
	if ok && !party {
		s.audit(ctx, audit.EventCallEndedByAdmin, map[string]any{"call_id": callID, "ticket_id": cs.TicketID})
	}
	return nil
}

func (s *session) audit(ctx context.Context, event string, fields map[string]any) {
	ctx = auth.ContextWithPrincipal(ctx, s.p, "")
	if err := audit.LogEvent(ctx, event, "ws", fields); err != nil {
		obs.Warn("audit write failed", map[string]any{"err": err, "event": event})
	}
}

func (s *session) assign(ctx context.Context, in ticketAssignPayload) (any, error) {
	if s.p.Role != auth.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins assign tickets", relay.ErrForbidden)
	}
	if in.TicketID <= 0 || in.SupportTeamID <= 0 {
		return nil, relay.ErrInvalidInput
	}
	prev, had := s.h.deps.Assignments.Assign(in.TicketID, in.SupportTeamID)
	out := map[string]any{"ticketId": in.TicketID, "supportTeamId": in.SupportTeamID}
	if had {
		out["previousSupportTeamId"] = prev
	}
	s.audit(ctx, audit.EventAssignmentOverride, out)
	return out, nil
}

// resync re-announces the session token, registering a fresh session when
// the current one is gone.
func (s *session) resync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.h.deps.Registry.Resync(s.p, s.token)
	if err != nil {
		return err
	}
	if next != s.token {
		s.h.deps.Hub.Rekey(s.peer, next)
		s.token = next
	}
	return nil
}
