package assign

import (
	"errors"
	"sync"
	"testing"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
)

type sent struct {
	to   int64
	role auth.Role
	ev   event.Event
}

type fakeSender struct {
	mu      sync.Mutex
	out     []sent
	offline map[int64]bool
}

func (f *fakeSender) Send(id int64, role auth.Role, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[id] {
		return event.ErrOffline
	}
	f.out = append(f.out, sent{to: id, role: role, ev: ev})
	return nil
}

func TestAssignOverwritesAndNotifies(t *testing.T) {
	s := &fakeSender{offline: map[int64]bool{}}
	table := New(s)

	if _, had := table.Assign(500, 9); had {
		t.Fatal("first Assign must not report a previous agent")
	}
	prev, had := table.Assign(500, 10)
	if !had || prev != 9 {
		t.Fatalf("Assign prev = %d %v", prev, had)
	}
	if agent, ok := table.Resolve(500); !ok || agent != 10 {
		t.Fatalf("Resolve = %d %v", agent, ok)
	}
	if len(s.out) != 2 {
		t.Fatalf("notifications = %d, want 2", len(s.out))
	}
	last := s.out[1]
	if last.to != 10 || last.role != auth.RoleSupport || last.ev.Kind != event.TicketAssigned {
		t.Fatalf("unexpected notification %+v", last)
	}
	if p, ok := last.ev.Data.(event.Assignment); !ok || p.TicketID != 500 || p.AgentID != 10 {
		t.Fatalf("unexpected payload %+v", last.ev.Data)
	}
}

func TestAssignToOfflineAgentStillRecords(t *testing.T) {
	s := &fakeSender{offline: map[int64]bool{4: true}}
	table := New(s)
	table.Assign(1, 4)
	if agent, ok := table.Resolve(1); !ok || agent != 4 {
		t.Fatalf("Resolve = %d %v", agent, ok)
	}
	if len(s.out) != 0 {
		t.Fatal("offline agent must not receive anything")
	}
	if !errors.Is(s.Send(4, auth.RoleSupport, event.Event{}), event.ErrOffline) {
		t.Fatal("fake sender misconfigured")
	}
}

func TestPrimeOnlyFillsGaps(t *testing.T) {
	s := &fakeSender{}
	table := New(s)

	if got := table.Prime(7, 3); got != 3 {
		t.Fatalf("Prime on empty = %d", got)
	}
	if got := table.Prime(7, 8); got != 3 {
		t.Fatalf("Prime must not overwrite, got %d", got)
	}
	if got := table.Prime(9, 0); got != 0 {
		t.Fatalf("Prime with no agent = %d", got)
	}
	if _, ok := table.Resolve(9); ok {
		t.Fatal("Prime with zero agent must not store")
	}
	if len(s.out) != 0 {
		t.Fatal("Prime must never notify")
	}
	table.Forget(7)
	if _, ok := table.Resolve(7); ok {
		t.Fatal("Forget left the entry")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	table := New(nil)
	table.Assign(42, 6)
	for i := 0; i < 3; i++ {
		if agent, ok := table.Resolve(42); !ok || agent != 6 {
			t.Fatalf("Resolve #%d = %d %v", i, agent, ok)
		}
	}
	if table.Len() != 1 {
		t.Fatalf("Len = %d", table.Len())
	}
}

func TestConcurrentPrimeAgreesOnOneAgent(t *testing.T) {
	table := New(nil)
	var wg sync.WaitGroup
	results := make([]int64, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = table.Prime(77, int64(i+1))
		}(i)
	}
	wg.Wait()
	winner, _ := table.Resolve(77)
	for i, got := range results {
		if got != winner {
			t.Fatalf("goroutine %d saw agent %d, table holds %d", i, got, winner)
		}
	}
}
