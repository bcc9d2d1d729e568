package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"prjsdr.xyz/relay/internal/assign"
	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/registry"
	"prjsdr.xyz/relay/internal/store"
	"prjsdr.xyz/relay/internal/store/memstore"
	"prjsdr.xyz/relay/internal/ticket"
)

const harnessSecret = "relay-harness-secret"

type recorder struct {
	mu     sync.Mutex
	byDest map[string][]event.Event
}

func (r *recorder) Push(token string, ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDest[token] = append(r.byDest[token], ev)
	return nil
}

func (r *recorder) kinds(token string) []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Kind
	for _, ev := range r.byDest[token] {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(token string, kind event.Kind) int {
	n := 0
	for _, k := range r.kinds(token) {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(token string, kind event.Kind) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.byDest[token]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == kind {
			return evs[i], true
		}
	}
	return event.Event{}, false
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evs := range r.byDest {
		n += len(evs)
	}
	return n
}

type fakeTickets struct {
	mu         sync.Mutex
	tickets    map[int64]ticket.Ticket
	categories map[int64]int64
	err        error
	lookups    int
}

func (f *fakeTickets) GetTicket(_ context.Context, id int64, _ string) (ticket.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return ticket.Ticket{}, f.err
	}
	tk, ok := f.tickets[id]
	if !ok {
		return ticket.Ticket{}, ticket.ErrNotFound
	}
	return tk, nil
}

func (f *fakeTickets) AssignedAgent(_ context.Context, categoryID int64, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.categories[categoryID], nil
}

func (f *fakeTickets) put(tk ticket.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[tk.ID] = tk
}

type failingStore struct {
	store.MessageStore
	err error
}

func (f failingStore) Save(context.Context, store.Message) (store.Message, error) {
	return store.Message{}, f.err
}

type harness struct {
	t        *testing.T
	rec      *recorder
	reg      *registry.Registry
	table    *assign.Table
	messages *memstore.Store
	tickets  *fakeTickets
	signer   *auth.Signer
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	validator, err := auth.NewValidator(harnessSecret)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	signer, err := auth.NewSigner(harnessSecret, "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	rec := &recorder{byDest: make(map[string][]event.Event)}
	reg := registry.New(registry.WithPusher(rec), registry.WithAnnounceDelay(time.Hour))
	table := assign.New(reg)
	h := &harness{
		t:        t,
		rec:      rec,
		reg:      reg,
		table:    table,
		messages: memstore.New(),
		tickets:  &fakeTickets{tickets: map[int64]ticket.Ticket{}, categories: map[int64]int64{}},
		signer:   signer,
	}
	h.deps = Deps{
		Auth:        validator,
		Sessions:    reg,
		Assignments: table,
		Tickets:     h.tickets,
		Messages:    h.messages,
	}
	return h
}

// jwt issues a bearer token for the principal.
func (h *harness) jwt(id int64, role auth.Role) string {
	h.t.Helper()
	tok, err := h.signer.Issue(auth.Principal{ID: id, Role: role}, time.Hour)
	if err != nil {
		h.t.Fatalf("Issue: %v", err)
	}
	return tok
}

// connect registers a live session and returns its delivery token.
func (h *harness) connect(id int64, role auth.Role) string {
	h.t.Helper()
	tok, err := h.reg.Register(auth.Principal{ID: id, Role: role})
	if err != nil {
		h.t.Fatalf("Register: %v", err)
	}
	return tok
}

func (h *harness) relay(opts ...Option) *Relay {
	h.t.Helper()
	r, err := New(h.deps, opts...)
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	return r
}

func (h *harness) calls(opts ...CallsOption) *Calls {
	h.t.Helper()
	c, err := NewCalls(h.deps, opts...)
	if err != nil {
		h.t.Fatalf("NewCalls: %v", err)
	}
	return c
}

func (h *harness) notifier() *TicketNotifier {
	h.t.Helper()
	n, err := NewTicketNotifier(h.deps)
	if err != nil {
		h.t.Fatalf("NewTicketNotifier: %v", err)
	}
	return n
}
