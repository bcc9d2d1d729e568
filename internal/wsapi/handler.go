// Package wsapi serves the relay over websocket connections.
package wsapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"prjsdr.xyz/relay/internal/assign"
	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/codec"
	"prjsdr.xyz/relay/internal/hub"
	"prjsdr.xyz/relay/internal/ids"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/registry"
	"prjsdr.xyz/relay/internal/relay"
)

const (
	defaultFrameBytes   = 64 << 10
	maxDecodeErrors     = 5
	defaultFramesPerSec = 20
	defaultFrameBurst   = 40
)

// Deps are the components a connection talks to.
type Deps struct {
	Auth        auth.Authenticator
	Registry    *registry.Registry
	Hub         *hub.Hub
	Relay       *relay.Relay
	Calls       *relay.Calls
	Notifier    *relay.TicketNotifier
	Assignments *assign.Table
}

// Limits bound what a single connection may send.
type Limits struct {
	FramesPerSecond float64
	Burst           int
	MaxFrameBytes   int
}

// Handler upgrades authenticated requests and runs one session per socket.
type Handler struct {
	deps   Deps
	limits Limits
	server websocket.Server
}

// New builds the handler. Zero limits select defaults.
func New(deps Deps, limits Limits) *Handler {
	if limits.FramesPerSecond <= 0 {
		limits.FramesPerSecond = defaultFramesPerSec
	}
	if limits.Burst <= 0 {
		limits.Burst = defaultFrameBurst
	}
	if limits.MaxFrameBytes <= 0 {
		limits.MaxFrameBytes = defaultFrameBytes
	}
	h := &Handler{deps: deps, limits: limits}
	h.server = websocket.Server{Handler: h.serveConn}
	return h
}

type connKey struct{}

type connInfo struct {
	principal auth.Principal
	bearer    string
	codec     codec.Codec
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bearer, err := auth.BearerToken(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	p, err := h.deps.Auth.Authenticate(r.Context(), bearer)
	if err != nil {
		obs.Warn("websocket unauthorized", map[string]any{"remote": r.RemoteAddr, "token_fp": ids.Fingerprint(bearer), "err": err})
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	c, err := codec.Lookup(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := context.WithValue(r.Context(), connKey{}, connInfo{principal: p, bearer: bearer, codec: c})
	h.server.ServeHTTP(w, r.WithContext(ctx))
}

func tokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	info, ok := conn.Request().Context().Value(connKey{}).(connInfo)
	if !ok {
		return
	}
	conn.MaxPayloadBytes = h.limits.MaxFrameBytes
	wire := info.codec.Websocket()

	token, err := h.deps.Registry.Register(info.principal)
	if err != nil {
		obs.Error("session registration failed", map[string]any{"principal": info.principal.String(), "err": err})
		_ = wire.Send(conn, errorReply("", "UNAVAILABLE", "session could not be registered"))
		return
	}

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()
	s := &session{
		h:       h,
		conn:    conn,
		wire:    wire,
		codec:   info.codec,
		p:       info.principal,
		bearer:  info.bearer,
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(h.limits.FramesPerSecond), h.limits.Burst),
	}
	s.peer = h.deps.Hub.Attach(ctx, token)
	obs.Info("websocket connected", map[string]any{"principal": info.principal.String(), "codec": info.codec.Name()})
	defer func() {
		h.deps.Registry.Unregister(s.currentToken())
		h.deps.Hub.Detach(s.peer)
		obs.Info("websocket disconnected", map[string]any{"principal": info.principal.String()})
	}()

	go s.writeLoop(cancel)
	s.readLoop(ctx)
}

// session is one authenticated socket.
type session struct {
	h       *Handler
	conn    *websocket.Conn
	wire    websocket.Codec
	codec   codec.Codec
	p       auth.Principal
	bearer  string
	peer    *hub.Peer
	limiter *rate.Limiter

	mu    sync.Mutex
	token string
}

func (s *session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *session) writeLoop(cancel context.CancelFunc) {
	for ev := range s.peer.Events() {
		if err := s.wire.Send(s.conn, ev); err != nil {
			cancel()
			_ = s.conn.Close()
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	decodeErrors := 0
	for ctx.Err() == nil {
		var raw []byte
		if err := s.wire.Receive(s.conn, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				s.reply(errorReply("", "INVALID_ARGUMENT", "frame too large"))
				continue
			}
			if !errors.Is(err, io.EOF) {
				obs.Info("websocket read ended", map[string]any{"principal": s.p.String(), "err": err})
			}
			return
		}
		frame, err := s.codec.DecodeFrame(raw)
		if err != nil {
			decodeErrors++
			s.reply(errorReply("", "INVALID_ARGUMENT", "invalid frame"))
			if decodeErrors >= maxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0
		if !s.limiter.Allow() {
			s.reply(errorReply(frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded"))
			continue
		}
		s.reply(s.dispatch(ctx, frame))
	}
}

func (s *session) reply(r reply) {
	if err := s.wire.Send(s.conn, r); err != nil {
		obs.Info("websocket reply not sent", map[string]any{"principal": s.p.String(), "type": r.Type, "err": err})
	}
}
