// Package registry maps authenticated principals to ephemeral session tokens.
//
// A principal holds at most one live session, under exactly one role.
// Tokens double as delivery addresses: everything pushed to a user goes to
// the token currently registered for them.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/ids"
	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/shard"
)

const (
	DefaultMaxAttempts   = 10
	DefaultAnnounceDelay = 500 * time.Millisecond
)

var (
	ErrNotFound          = errors.New("registry: not found")
	ErrIdentityExhausted = errors.New("registry: could not allocate a unique session token")
	ErrInvalidPrincipal  = errors.New("registry: invalid principal")
)

// Session is a read-only view of a registered session.
type Session struct {
	Principal auth.Principal
	Token     string
	CreatedAt time.Time
}

type session struct {
	Session

	mu       sync.Mutex
	closed   bool
	announce *time.Timer
}

func (s *session) schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.announce != nil {
		s.announce.Stop()
	}
	s.announce = time.AfterFunc(delay, fn)
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.announce != nil {
		s.announce.Stop()
		s.announce = nil
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	byPrincipal *shard.Map[int64, *session]
	byToken     *shard.Map[string, *session]

	newToken      func() string
	maxAttempts   int
	announceDelay time.Duration
	pusher        event.Pusher
	now           func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTokenSource replaces the token generator. Tests use it to force collisions.
func WithTokenSource(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newToken = fn
		}
	}
}

// WithMaxAttempts bounds collision retries in Register.
func WithMaxAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithAnnounceDelay sets how long after registration uid-assigned is pushed.
func WithAnnounceDelay(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.announceDelay = d
		}
	}
}

// WithPusher sets the delivery path for announcements and Send.
func WithPusher(p event.Pusher) Option {
	return func(r *Registry) {
		if p != nil {
			r.pusher = p
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byPrincipal:   shard.New[int64, *session](0),
		byToken:       shard.New[string, *session](0),
		newToken:      uuid.NewString,
		maxAttempts:   DefaultMaxAttempts,
		announceDelay: DefaultAnnounceDelay,
		pusher:        event.Discard,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register allocates a fresh token for the principal, replacing any session it
// held under any role, and schedules the uid-assigned announcement.
func (r *Registry) Register(p auth.Principal) (string, error) {
	if p.ID <= 0 || !p.Role.Valid() {
		return "", ErrInvalidPrincipal
	}

	s := &session{Session: Session{Principal: p, CreatedAt: r.now().UTC()}}
	reserved := false
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		s.Token = r.newToken()
		if s.Token != "" && r.byToken.SetIfAbsent(s.Token, s) {
			reserved = true
			break
		}
		obs.Warn("session token collision", map[string]any{"user_id": p.ID, "attempt": attempt})
	}
	if !reserved {
		obs.Error("session token allocation exhausted", map[string]any{"user_id": p.ID, "role": p.Role, "attempts": r.maxAttempts})
		return "", ErrIdentityExhausted
	}

	if prev, ok := r.byPrincipal.Set(p.ID, s); ok {
		r.retire(prev)
	} else {
		obs.LiveSessions.Inc()
	}

	obs.Info("session registered", map[string]any{
		"user_id":  p.ID,
		"role":     p.Role,
		"token_fp": ids.Fingerprint(s.Token),
	})
	r.scheduleAnnounce(s)
	return s.Token, nil
}

func (r *Registry) retire(prev *session) {
	prev.close()
	r.byToken.DeleteIf(prev.Token, func(cur *session) bool { return cur == prev })
	obs.Info("session replaced", map[string]any{
		"user_id":  prev.Principal.ID,
		"role":     prev.Principal.Role,
		"token_fp": ids.Fingerprint(prev.Token),
	})
}

func (r *Registry) scheduleAnnounce(s *session) {
	s.schedule(r.announceDelay, func() {
		if cur, ok := r.byToken.Get(s.Token); !ok || cur != s {
			return
		}
		ev := event.New(event.UIDAssigned, event.UID{
			UID:    s.Token,
			UserID: s.Principal.ID,
			Role:   string(s.Principal.Role),
		})
		if err := r.pusher.Push(s.Token, ev); err != nil {
			obs.Warn("uid announcement not delivered", map[string]any{
				"user_id":  s.Principal.ID,
				"token_fp": ids.Fingerprint(s.Token),
				"err":      err,
			})
		}
	})
}

// Resync makes sure the principal's live session is the one identified by
// current. When it still is, the uid is announced again; otherwise a new
// session is registered and its token returned.
func (r *Registry) Resync(p auth.Principal, current string) (string, error) {
	if s, ok := r.byToken.Get(current); ok && s.Principal == p {
		if live, ok := r.byPrincipal.Get(p.ID); ok && live == s {
			r.scheduleAnnounce(s)
			return current, nil
		}
	}
	return r.Register(p)
}

// Lookup returns the token of the principal's session under role.
func (r *Registry) Lookup(principalID int64, role auth.Role) (string, error) {
	s, ok := r.byPrincipal.Get(principalID)
	if !ok || s.Principal.Role != role {
		return "", ErrNotFound
	}
	return s.Token, nil
}

// ResolveEitherRole returns the principal's token and the role it is held under.
func (r *Registry) ResolveEitherRole(principalID int64) (string, auth.Role, error) {
	s, ok := r.byPrincipal.Get(principalID)
	if !ok {
		return "", "", ErrNotFound
	}
	return s.Token, s.Principal.Role, nil
}

// Session returns the session registered under token.
func (r *Registry) Session(token string) (Session, bool) {
	s, ok := r.byToken.Get(token)
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Unregister removes the session identified by token. Unknown or stale tokens
// are ignored, so a late disconnect never removes a newer session.
func (r *Registry) Unregister(token string) {
	s, ok := r.byToken.Delete(token)
	if !ok {
		return
	}
	s.close()
	if _, removed := r.byPrincipal.DeleteIf(s.Principal.ID, func(cur *session) bool { return cur == s }); removed {
		obs.LiveSessions.Dec()
	}
	obs.Info("session unregistered", map[string]any{
		"user_id":  s.Principal.ID,
		"role":     s.Principal.Role,
		"token_fp": ids.Fingerprint(token),
	})
}

// UnregisterPrincipal removes whatever session the principal holds.
func (r *Registry) UnregisterPrincipal(principalID int64) {
	s, ok := r.byPrincipal.Get(principalID)
	if !ok {
		return
	}
	r.Unregister(s.Token)
}

// Send pushes ev to the principal's live session under role.
func (r *Registry) Send(principalID int64, role auth.Role, ev event.Event) error {
	token, err := r.Lookup(principalID, role)
	if err != nil {
		obs.Deliveries.WithLabelValues(string(ev.Kind), "offline").Inc()
		return event.ErrOffline
	}
	if err := r.pusher.Push(token, ev); err != nil {
		obs.Deliveries.WithLabelValues(string(ev.Kind), "failed").Inc()
		return err
	}
	obs.Deliveries.WithLabelValues(string(ev.Kind), "ok").Inc()
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.byPrincipal.Len()
}
