// Package memstore keeps chat messages in process memory.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"prjsdr.xyz/relay/internal/store"
)

// Store implements store.MessageStore with in-process concurrency safety.
type Store struct {
	mu       sync.RWMutex
	seq      int64
	byTicket map[int64][]store.Message
	now      func() time.Time
}

var _ store.MessageStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{byTicket: make(map[int64][]store.Message), now: time.Now}
}

func (s *Store) Save(ctx context.Context, m store.Message) (store.Message, error) {
	if err := m.Validate(); err != nil {
		return store.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m.ID = s.seq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	s.byTicket[m.TicketID] = append(s.byTicket[m.TicketID], m)
	return m, nil
}

func (s *Store) FindForParticipant(ctx context.Context, ticketID, principalID int64) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.byTicket[ticketID] {
		if m.SenderID == principalID || m.ReceiverID == principalID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) HasParticipant(ctx context.Context, ticketID, principalID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byTicket[ticketID] {
		if m.SenderID == principalID || m.ReceiverID == principalID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MarkRead(ctx context.Context, ticketID, receiverID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	msgs := s.byTicket[ticketID]
	for i := range msgs {
		if msgs[i].ReceiverID == receiverID && !msgs[i].IsRead {
			msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}
