// Package hub fans events out to connected websocket peers by session token.
package hub

import (
	"context"
	"sync"

	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/ids"
	"prjsdr.xyz/relay/internal/obs"
)

// DefaultBuffer is the per-peer queue length.
const DefaultBuffer = 64

// Peer is one attached connection. Its channel is closed when the peer is
// detached or replaced.
type Peer struct {
	token  string
	ch     chan event.Event
	closed bool
}

// Events returns the peer's outbound queue.
func (p *Peer) Events() <-chan event.Event { return p.ch }

// Hub routes pushes to peers. A slow peer loses events rather than blocking
// the sender.
type Hub struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	buffer int
}

// New creates an empty hub. buffer <= 0 selects DefaultBuffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{peers: make(map[string]*Peer), buffer: buffer}
}

// Attach registers a peer under token, replacing any peer already there.
// The peer is detached when ctx ends.
func (h *Hub) Attach(ctx context.Context, token string) *Peer {
	p := &Peer{token: token, ch: make(chan event.Event, h.buffer)}

	h.mu.Lock()
	if old, ok := h.peers[token]; ok {
		h.closeLocked(old)
	}
	h.peers[token] = p
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Detach(p)
	}()
	return p
}

// Detach removes p and closes its queue. Safe to call more than once.
func (h *Hub) Detach(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.peers[p.token]; ok && cur == p {
		delete(h.peers, p.token)
	}
	h.closeLocked(p)
}

// Rekey moves p to a new token after the registry rotated its session.
// It reports false when p was already detached.
func (h *Hub) Rekey(p *Peer, token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.closed {
		return false
	}
	if cur, ok := h.peers[p.token]; ok && cur == p {
		delete(h.peers, p.token)
	}
	if other, ok := h.peers[token]; ok && other != p {
		h.closeLocked(other)
	}
	p.token = token
	h.peers[token] = p
	return true
}

// Push queues ev for the peer holding token.
func (h *Hub) Push(token string, ev event.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[token]
	if !ok {
		return event.ErrOffline
	}
	select {
	case p.ch <- ev:
		return nil
	default:
		obs.Warn("peer queue full", map[string]any{"event": ev.Kind, "token_fp": ids.Fingerprint(token)})
		return event.ErrDropped
	}
}

// Len returns the number of attached peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) closeLocked(p *Peer) {
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
