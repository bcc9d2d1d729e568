package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/ticket"
)

const minimalOffer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type callFixture struct {
	*harness
	calls        *Calls
	clientTok    string
	agentTok     string
	clientBearer string
	agentBearer  string
}

func newCallFixture(t *testing.T, opts ...CallsOption) *callFixture {
	t.Helper()
	h := newHarness(t)
	h.tickets.put(ticket.Ticket{ID: 500, ClientID: 10, SupportTeamID: 20})
	return &callFixture{
		harness:      h,
		calls:        h.calls(opts...),
		clientTok:    h.connect(10, auth.RoleClient),
		agentTok:     h.connect(20, auth.RoleSupport),
		clientBearer: h.jwt(10, auth.RoleClient),
		agentBearer:  h.jwt(20, auth.RoleSupport),
	}
}

func (f *callFixture) ring(t *testing.T) CallSession {
	t.Helper()
	cs, err := f.calls.Initiate(context.Background(), 500, 10, f.clientBearer)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return cs
}

func TestCallLifecycle(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	cs := f.ring(t)
	if cs.State != CallRinging || cs.AgentID != 20 || cs.InitiatorID != 10 {
		t.Fatalf("unexpected call %+v", cs)
	}
	if f.rec.count(f.agentTok, event.CallIncoming) != 1 || f.rec.count(f.clientTok, event.CallIncoming) != 0 {
		t.Fatal("call-incoming must reach the agent only")
	}
	incoming, _ := f.rec.last(f.agentTok, event.CallIncoming)
	raw, _ := json.Marshal(incoming)
	if strings.Contains(string(raw), f.clientBearer) {
		t.Fatal("call-incoming leaked the caller's token")
	}

	answered, err := f.calls.Respond(ctx, cs.ID, true, f.agentBearer)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if answered.State != CallActive || answered.AnsweredAt.IsZero() {
		t.Fatalf("unexpected answered call %+v", answered)
	}
	if f.rec.count(f.clientTok, event.CallResponse) != 1 || f.rec.count(f.agentTok, event.CallResponse) != 1 {
		t.Fatal("call-response must reach both parties once")
	}

	if err := f.calls.Signal(ctx, cs.ID, 10, 20, SignalOffer, minimalOffer); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := f.calls.Signal(ctx, cs.ID, 20, 10, SignalAnswer, minimalOffer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := f.calls.Signal(ctx, cs.ID, 10, 20, SignalICECandidate, "candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host"); err != nil {
			t.Fatalf("ice %d: %v", i, err)
		}
	}
	if n := f.rec.count(f.agentTok, event.CallSignal); n != 4 {
		t.Fatalf("agent got %d signals", n)
	}
	if n := f.rec.count(f.clientTok, event.CallSignal); n != 1 {
		t.Fatalf("client got %d signals", n)
	}
	sig, _ := f.rec.last(f.clientTok, event.CallSignal)
	if p := sig.Data.(event.Signal); p.Data != minimalOffer || p.FromUserID != 20 || p.Type != SignalAnswer {
		t.Fatalf("signal not forwarded verbatim: %+v", p)
	}

	if err := f.calls.End(ctx, cs.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if f.rec.count(f.clientTok, event.CallEnd) != 1 || f.rec.count(f.agentTok, event.CallEnd) != 1 {
		t.Fatal("call-end must reach each party exactly once")
	}
	end, _ := f.rec.last(f.agentTok, event.CallEnd)
	if p := end.Data.(event.CallEnded); p.Reason != EndHangup {
		t.Fatalf("reason = %q", p.Reason)
	}
	if err := f.calls.End(ctx, cs.ID); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("second End: %v", err)
	}
	if f.rec.count(f.clientTok, event.CallEnd) != 1 {
		t.Fatal("second End notified again")
	}
	if f.calls.Len() != 0 {
		t.Fatalf("calls left: %d", f.calls.Len())
	}
}

func TestRejectedCallIsGone(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	cs := f.ring(t)

	rejected, err := f.calls.Respond(ctx, cs.ID, false, "")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if rejected.State != CallEnded {
		t.Fatalf("state = %s", rejected.State)
	}
	end, ok := f.rec.last(f.clientTok, event.CallEnd)
	if !ok || end.Data.(event.CallEnded).Reason != EndRejected {
		t.Fatalf("client not told about rejection: %+v", end)
	}
	before := f.rec.total()

	if err := f.calls.Signal(ctx, cs.ID, 10, 20, SignalICECandidate, "candidate"); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("Signal after reject: %v", err)
	}
	if err := f.calls.End(ctx, cs.ID); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("End after reject: %v", err)
	}
	if _, err := f.calls.Respond(ctx, cs.ID, true, ""); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("Respond after reject: %v", err)
	}
	if f.rec.total() != before {
		t.Fatal("operations on a rejected call pushed events")
	}
}

func TestRespondTwiceFails(t *testing.T) {
	f := newCallFixture(t)
	cs := f.ring(t)
	if _, err := f.calls.Respond(context.Background(), cs.ID, true, ""); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if _, err := f.calls.Respond(context.Background(), cs.ID, true, ""); !errors.Is(err, ErrCallState) {
		t.Fatalf("second Respond: %v", err)
	}
}

func TestRespondChecksResponder(t *testing.T) {
	f := newCallFixture(t)
	cs := f.ring(t)
	ctx := context.Background()

	if _, err := f.calls.Respond(ctx, cs.ID, true, f.jwt(21, auth.RoleSupport)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other agent: %v", err)
	}
	if _, err := f.calls.Respond(ctx, cs.ID, true, f.clientBearer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("caller answering own call: %v", err)
	}
	if _, err := f.calls.Respond(ctx, cs.ID, true, "junk"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("bad token: %v", err)
	}
	if got, _ := f.calls.Lookup(cs.ID); got.State != CallRinging {
		t.Fatalf("failed responses changed state to %s", got.State)
	}
	if _, err := f.calls.Respond(ctx, cs.ID, true, f.jwt(1, auth.RoleAdmin)); err != nil {
		t.Fatalf("admin answer: %v", err)
	}
}

func TestInitiateRejections(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	f.tickets.put(ticket.Ticket{ID: 501, ClientID: 11})

	cases := []struct {
		name   string
		ticket int64
		caller int64
		token  string
		want   error
	}{
		{"agent cannot start", 500, 20, f.agentBearer, ErrForbidden},
		{"token for another client", 500, 10, f.jwt(11, auth.RoleClient), ErrUnauthenticated},
		{"not the ticket client", 500, 11, f.jwt(11, auth.RoleClient), ErrForbidden},
		{"no agent", 501, 11, f.jwt(11, auth.RoleClient), ErrRouting},
		{"unknown ticket", 999, 10, f.clientBearer, ErrRouting},
		{"no token", 500, 10, "", ErrUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.calls.Initiate(ctx, tc.ticket, tc.caller, tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("Initiate = %v, want %v", err, tc.want)
			}
		})
	}
	if f.calls.Len() != 0 || f.rec.total() != 0 {
		t.Fatal("failed initiations left state behind")
	}
}

func TestSignalValidation(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	cs := f.ring(t)

	cases := []struct {
		name     string
		from, to int64
		typ      string
		data     string
		want     error
	}{
		{"bad sdp", 10, 20, SignalOffer, "x=1\r\n", ErrInvalidSignal},
		{"empty candidate", 10, 20, SignalICECandidate, " ", ErrInvalidSignal},
		{"unknown type", 10, 20, "bye", "x", ErrInvalidSignal},
		{"recipient not on call", 10, 99, SignalICECandidate, "c", ErrInvalidSignal},
		{"sender not on call", 99, 20, SignalICECandidate, "c", ErrForbidden},
		{"to self", 10, 10, SignalICECandidate, "c", ErrInvalidSignal},
		{"unknown call", 10, 20, SignalICECandidate, "c", ErrNoSuchCall},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := cs.ID
			if tc.want == ErrNoSuchCall {
				id = "missing"
			}
			if err := f.calls.Signal(ctx, id, tc.from, tc.to, tc.typ, tc.data); !errors.Is(err, tc.want) {
				t.Fatalf("Signal = %v, want %v", err, tc.want)
			}
		})
	}
	if f.rec.count(f.agentTok, event.CallSignal) != 0 {
		t.Fatal("invalid signals were forwarded")
	}

	// Signals may flow while ringing.
	if err := f.calls.Signal(ctx, cs.ID, 10, 20, SignalOffer, minimalOffer); err != nil {
		t.Fatalf("offer while ringing: %v", err)
	}

	lax := f.harness.calls(WithSDPValidation(false), WithRingTimeout(0))
	other, err := lax.Initiate(ctx, 500, 10, f.clientBearer)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := lax.Signal(ctx, other.ID, 10, 20, SignalOffer, "opaque"); err != nil {
		t.Fatalf("unvalidated offer: %v", err)
	}
}

func TestAgentDisconnectKeepsCallActive(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	cs := f.ring(t)
	if _, err := f.calls.Respond(ctx, cs.ID, true, f.agentBearer); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	f.reg.Unregister(f.agentTok)
	before := f.rec.count(f.agentTok, event.CallSignal)
	if err := f.calls.Signal(ctx, cs.ID, 10, 20, SignalICECandidate, "candidate"); err != nil {
		t.Fatalf("Signal to offline agent: %v", err)
	}
	if got := f.rec.count(f.agentTok, event.CallSignal); got != before {
		t.Fatal("signal delivered to a closed session")
	}
	if got, ok := f.calls.Lookup(cs.ID); !ok || got.State != CallActive {
		t.Fatalf("call after disconnect: %+v %v", got, ok)
	}

	reconnected := f.connect(20, auth.RoleSupport)
	if err := f.calls.Signal(ctx, cs.ID, 10, 20, SignalICECandidate, "candidate"); err != nil {
		t.Fatalf("Signal after reconnect: %v", err)
	}
	if f.rec.count(reconnected, event.CallSignal) != 1 {
		t.Fatal("signal not routed to the new session")
	}
}

func TestRingTimeoutEndsCall(t *testing.T) {
	f := newCallFixture(t, WithRingTimeout(20*time.Millisecond))
	cs := f.ring(t)

	deadline := time.Now().Add(2 * time.Second)
	for f.rec.count(f.agentTok, event.CallEnd) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := f.calls.Lookup(cs.ID); ok {
		t.Fatal("ringing call survived its timeout")
	}
	end, ok := f.rec.last(f.clientTok, event.CallEnd)
	if !ok || end.Data.(event.CallEnded).Reason != EndTimeout {
		t.Fatalf("client end event: %+v %v", end, ok)
	}
	if _, err := f.calls.Respond(context.Background(), cs.ID, true, ""); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("Respond after timeout: %v", err)
	}
}

func TestAnsweredCallIgnoresRingTimeout(t *testing.T) {
	f := newCallFixture(t, WithRingTimeout(30*time.Millisecond))
	cs := f.ring(t)
	if _, err := f.calls.Respond(context.Background(), cs.ID, true, ""); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if got, ok := f.calls.Lookup(cs.ID); !ok || got.State != CallActive {
		t.Fatalf("answered call: %+v %v", got, ok)
	}
	if f.rec.count(f.clientTok, event.CallEnd) != 0 {
		t.Fatal("timeout fired on an answered call")
	}
}

func TestImmediateRingTimeoutStillExpires(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newCallFixture(t, WithRingTimeout(time.Nanosecond))
		cs := f.ring(t)

		deadline := time.Now().Add(2 * time.Second)
		for f.rec.count(f.clientTok, event.CallEnd) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if got, ok := f.calls.Lookup(cs.ID); ok {
			t.Fatalf("iteration %d: call stuck in %s", i, got.State)
		}
		if f.calls.Len() != 0 {
			t.Fatalf("iteration %d: %d calls left", i, f.calls.Len())
		}
	}
}

func TestSignalNeverFollowsCallEnd(t *testing.T) {
	for i := 0; i < 30; i++ {
		f := newCallFixture(t, WithSDPValidation(false))
		ctx := context.Background()
		cs := f.ring(t)
		if _, err := f.calls.Respond(ctx, cs.ID, true, ""); err != nil {
			t.Fatalf("Respond: %v", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if err := f.calls.Signal(ctx, cs.ID, 10, 20, SignalICECandidate, "candidate"); err != nil {
					if !errors.Is(err, ErrNoSuchCall) {
						t.Errorf("Signal: %v", err)
					}
					return
				}
			}
		}()
		time.Sleep(time.Millisecond)
		if err := f.calls.End(ctx, cs.ID); err != nil {
			t.Fatalf("End: %v", err)
		}
		<-done

		kinds := f.rec.kinds(f.agentTok)
		ended := false
		for _, k := range kinds {
			switch {
			case k == event.CallEnd:
				ended = true
			case ended && k == event.CallSignal:
				t.Fatalf("iteration %d: call-signal delivered after call-end: %v", i, kinds)
			}
		}
		if !ended {
			t.Fatalf("iteration %d: no call-end delivered", i)
		}
	}
}
