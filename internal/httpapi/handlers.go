// Package httpapi exposes the relay's REST endpoints, health probes and
// metrics, and mounts the websocket handler.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"prjsdr.xyz/relay/internal/assign"
	"prjsdr.xyz/relay/internal/audit"
	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/registry"
	"prjsdr.xyz/relay/internal/relay"
	"prjsdr.xyz/relay/internal/ticket"
)

const (
	serviceName     = "relay"
	defaultMaxBody  = 1 << 20
	defaultBurst    = 50
	defaultRatePerS = 25
)

// ReadyProbe checks the message database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the components behind the endpoints.
type Services struct {
	Auth        auth.Authenticator
	Relay       *relay.Relay
	Calls       *relay.Calls
	Notifier    *relay.TicketNotifier
	Assignments *assign.Table
	Registry    *registry.Registry
	WS          http.Handler
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	svc        Services

	rateBurst  int
	ratePerSec float64
	maxBody    int64
}

// Option tunes the API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithMaxBody caps request bodies.
func WithMaxBody(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		rateBurst:  defaultBurst,
		ratePerSec: defaultRatePerS,
		maxBody:    defaultMaxBody,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /api/chat/message", a.SendMessage)
	a.mux.HandleFunc("GET /api/chat/messages/{ticketId}", a.History)
	a.mux.HandleFunc("POST /api/chat/messages/{ticketId}/read", a.MarkRead)
	a.mux.HandleFunc("POST /api/tickets/assign", a.AssignTicket)
	a.mux.HandleFunc("POST /api/tickets/created", a.TicketCreated)
	if svc.WS != nil {
		a.mux.Handle("GET /ws", svc.WS)
	}
	return a
}

// Handler wraps the mux in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.svc.Registry != nil {
		info["sessions"] = a.svc.Registry.Len()
	}
	if a.svc.Calls != nil {
		info["calls"] = a.svc.Calls.Len()
	}
	if a.svc.Assignments != nil {
		info["assignments"] = a.svc.Assignments.Len()
	}
	writeJSON(w, http.StatusOK, info)
}

type sendMessageRequest struct {
	TicketID int64  `json:"ticketId"`
	SenderID int64  `json:"senderId"`
	Message  string `json:"message"`
}

// SendMessage relays a chat message on behalf of the token's principal.
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	p, token := principal(r)
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SenderID == 0 {
		req.SenderID = p.ID
	}
	msg, err := a.svc.Relay.Send(r.Context(), req.TicketID, req.SenderID, p.Role, req.Message, token)
	if err != nil {
		respondRelayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, relay.ChatPayload(msg))
}

// History lists the caller's messages on a ticket.
func (a *API) History(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := pathTicketID(w, r)
	if !ok {
		return
	}
	_, token := principal(r)
	msgs, err := a.svc.Relay.History(r.Context(), ticketID, token)
	if err != nil {
		respondRelayError(w, r, err)
		return
	}
	out := make([]event.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, relay.ChatPayload(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// MarkRead flags the caller's received messages on a ticket as read.
func (a *API) MarkRead(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := pathTicketID(w, r)
	if !ok {
		return
	}
	_, token := principal(r)
	n, err := a.svc.Relay.MarkRead(r.Context(), ticketID, token)
	if err != nil {
		respondRelayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

type assignRequest struct {
	TicketID      int64 `json:"ticketId"`
	SupportTeamID int64 `json:"supportTeamId"`
}

// AssignTicket overwrites a ticket's agent. Admin only.
func (a *API) AssignTicket(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(r, auth.RoleAdmin)
	if !ok {
		respondError(w, r, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return
	}
	var req assignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TicketID <= 0 || req.SupportTeamID <= 0 {
		respondError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "ticketId and supportTeamId are required")
		return
	}
	prev, had := a.svc.Assignments.Assign(req.TicketID, req.SupportTeamID)
	resp := map[string]any{"ticketId": req.TicketID, "supportTeamId": req.SupportTeamID}
	if had {
		resp["previousSupportTeamId"] = prev
	}
	if err := audit.LogEvent(r.Context(), audit.EventAssignmentOverride, "http", resp); err != nil {
		obs.Warn("audit write failed", map[string]any{"err": err, "by": p.String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

type ticketCreatedRequest struct {
	Ticket ticket.Ticket `json:"ticket"`
}

// TicketCreated is the ticket service's hook for new tickets.
func (a *API) TicketCreated(w http.ResponseWriter, r *http.Request) {
	_, token := principal(r)
	var req ticketCreatedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	delivered, err := a.svc.Notifier.TicketCreated(r.Context(), req.Ticket, token, "http")
	if err != nil {
		respondRelayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

// --- helpers ---

func principal(r *http.Request) (auth.Principal, string) {
	p, _ := auth.PrincipalFromContext(r.Context())
	token, _ := auth.TokenFromContext(r.Context())
	return p, token
}

func pathTicketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("ticketId"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid ticket id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "request body too large")
			return false
		}
		respondError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return false
	}
	return true
}

func respondRelayError(w http.ResponseWriter, r *http.Request, err error) {
	status := relay.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		obs.Error("request failed", map[string]any{"path": r.URL.Path, "err": err, "request_id": requestIDFrom(r.Context())})
		msg = "internal error"
	}
	respondError(w, r, status, relay.Code(err), msg)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error":      msg,
		"code":       code,
		"request_id": requestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
