package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"prjsdr.xyz/relay/internal/assign"
	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/codec"
	"prjsdr.xyz/relay/internal/event"
	"prjsdr.xyz/relay/internal/hub"
	"prjsdr.xyz/relay/internal/registry"
	"prjsdr.xyz/relay/internal/relay"
	"prjsdr.xyz/relay/internal/store/memstore"
	"prjsdr.xyz/relay/internal/ticket"
)

const testSecret = "wsapi-test-secret"

type stubTickets map[int64]ticket.Ticket

func (s stubTickets) GetTicket(_ context.Context, id int64, _ string) (ticket.Ticket, error) {
	tk, ok := s[id]
	if !ok {
		return ticket.Ticket{}, ticket.ErrNotFound
	}
	return tk, nil
}

func (stubTickets) AssignedAgent(context.Context, int64, string) (int64, error) {
	return 0, nil
}

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *wireError      `json:"error"`
}

type testServer struct {
	srv    *httptest.Server
	reg    *registry.Registry
	hub    *hub.Hub
	calls  *relay.Calls
	signer *auth.Signer
}

func newTestServer(t *testing.T, limits Limits) *testServer {
	t.Helper()
	validator, err := auth.NewValidator(testSecret)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	signer, err := auth.NewSigner(testSecret, "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	h := hub.New(16)
	reg := registry.New(registry.WithPusher(h), registry.WithAnnounceDelay(10*time.Millisecond))
	table := assign.New(reg)
	deps := relay.Deps{
		Auth:        validator,
		Sessions:    reg,
		Assignments: table,
		Tickets: stubTickets{
			500: {ID: 500, ClientID: 10, SupportTeamID: 20, Title: "VPN"},
		},
		Messages: memstore.New(),
	}
	rl, err := relay.New(deps)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	calls, err := relay.NewCalls(deps, relay.WithSDPValidation(false))
	if err != nil {
		t.Fatalf("NewCalls: %v", err)
	}
	notifier, err := relay.NewTicketNotifier(deps)
	if err != nil {
		t.Fatalf("NewTicketNotifier: %v", err)
	}
	handler := New(Deps{
		Auth:        validator,
		Registry:    reg,
		Hub:         h,
		Relay:       rl,
		Calls:       calls,
		Notifier:    notifier,
		Assignments: table,
	}, limits)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, reg: reg, hub: h, calls: calls, signer: signer}
}

func (ts *testServer) token(t *testing.T, id int64, role auth.Role) string {
	t.Helper()
	tok, err := ts.signer.Issue(auth.Principal{ID: id, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (ts *testServer) dialErr(query string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws" + query
	return websocket.Dial(wsURL, "", ts.srv.URL)
}

// dial connects and waits for the uid-assigned announcement.
func (ts *testServer) dial(t *testing.T, id int64, role auth.Role) (*websocket.Conn, string) {
	t.Helper()
	conn, err := ts.dialErr("?token=" + ts.token(t, id, role))
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	f := readUntil(t, conn, string(event.UIDAssigned))
	var uid event.UID
	if err := json.Unmarshal(f.Data, &uid); err != nil {
		t.Fatalf("decode uid: %v", err)
	}
	if uid.UserID != id || uid.Role != string(role) || uid.UID == "" {
		t.Fatalf("unexpected uid payload %+v", uid)
	}
	return conn, uid.UID
}

func send(t *testing.T, conn *websocket.Conn, typ, requestID string, payload any) {
	t.Helper()
	if err := websocket.JSON.Send(conn, map[string]any{"type": typ, "request_id": requestID, "payload": payload}); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsTestFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f wsTestFrame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f.Type == typ {
			return f
		}
	}
}

// expect reads frames until every wanted type has arrived, in any order.
func expect(t *testing.T, conn *websocket.Conn, types ...string) map[string]wsTestFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := make(map[string]wsTestFrame, len(types))
	for len(seen) < len(types) {
		var f wsTestFrame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			t.Fatalf("waiting for %v: %v", types, err)
		}
		for _, typ := range types {
			if f.Type == typ {
				seen[typ] = f
			}
		}
	}
	return seen
}

func TestRejectsMissingOrBadToken(t *testing.T) {
	ts := newTestServer(t, Limits{})
	if _, err := ts.dialErr(""); err == nil {
		t.Fatal("dial without token succeeded")
	}
	if _, err := ts.dialErr("?token=garbage"); err == nil {
		t.Fatal("dial with garbage token succeeded")
	}
	if _, err := ts.dialErr("?token=" + ts.token(t, 1, auth.RoleClient) + "&codec=xml"); err == nil {
		t.Fatal("dial with unknown codec succeeded")
	}
}

func TestChatOverWebsocket(t *testing.T) {
	ts := newTestServer(t, Limits{})
	client, _ := ts.dial(t, 10, auth.RoleClient)
	agent, _ := ts.dial(t, 20, auth.RoleSupport)

	send(t, client, FrameChatSend, "r1", map[string]any{"ticketId": 500, "message": "hello"})
	seen := expect(t, client, ReplyResult, string(event.MessageAck))
	res := seen[ReplyResult]
	if res.RequestID != "r1" {
		t.Fatalf("request id = %q", res.RequestID)
	}
	var msg event.ChatMessage
	if err := json.Unmarshal(res.Data, &msg); err != nil || msg.ReceiverID != 20 || msg.Message != "hello" {
		t.Fatalf("unexpected result %s (%v)", res.Data, err)
	}

	got := readUntil(t, agent, string(event.Message))
	if err := json.Unmarshal(got.Data, &msg); err != nil || msg.SenderID != 10 {
		t.Fatalf("agent message %s (%v)", got.Data, err)
	}
	readUntil(t, agent, string(event.NewMessage))

	send(t, agent, FrameChatHistory, "r2", map[string]any{"ticketId": 500})
	hist := readUntil(t, agent, ReplyResult)
	var msgs []event.ChatMessage
	if err := json.Unmarshal(hist.Data, &msgs); err != nil || len(msgs) != 1 {
		t.Fatalf("history %s (%v)", hist.Data, err)
	}
}

func TestErrorFrames(t *testing.T) {
	ts := newTestServer(t, Limits{})
	stranger, _ := ts.dial(t, 11, auth.RoleClient)

	cases := []struct {
		typ     string
		payload any
		code    string
	}{
		{"chat.unknown", map[string]any{}, "INVALID_ARGUMENT"},
		{FrameChatSend, map[string]any{"ticketId": 500, "message": "hi"}, "FORBIDDEN"},
		{FrameChatSend, map[string]any{"ticketId": 999, "message": "hi"}, "ROUTING_FAILURE"},
		{FrameCallEnd, map[string]any{"callId": "nope"}, "NO_SUCH_CALL"},
		{FrameTicketAssign, map[string]any{"ticketId": 500, "supportTeamId": 21}, "FORBIDDEN"},
		{FrameChatSend, nil, "INVALID_ARGUMENT"},
	}
	for i, tc := range cases {
		reqID := string(rune('a' + i))
		send(t, stranger, tc.typ, reqID, tc.payload)
		f := readUntil(t, stranger, ReplyError)
		if f.RequestID != reqID || f.Error == nil || f.Error.Code != tc.code {
			t.Fatalf("%s: got %+v, want code %s", tc.typ, f.Error, tc.code)
		}
	}

	send(t, stranger, FramePing, "p", nil)
	if f := readUntil(t, stranger, ReplyPong); f.RequestID != "p" {
		t.Fatalf("pong request id = %q", f.RequestID)
	}
}

func TestCallOverWebsocket(t *testing.T) {
	ts := newTestServer(t, Limits{})
	client, _ := ts.dial(t, 10, auth.RoleClient)
	agent, _ := ts.dial(t, 20, auth.RoleSupport)

	send(t, client, FrameCallInitiate, "c1", map[string]any{"ticketId": 500})
	var view callView
	res := readUntil(t, client, ReplyResult)
	if err := json.Unmarshal(res.Data, &view); err != nil || view.State != "RINGING" {
		t.Fatalf("initiate result %s (%v)", res.Data, err)
	}
	incoming := readUntil(t, agent, string(event.CallIncoming))
	if strings.Contains(string(incoming.Data), "token") {
		t.Fatalf("call-incoming carries a token: %s", incoming.Data)
	}

	send(t, agent, FrameCallRespond, "c2", map[string]any{"callId": view.CallID, "accepted": true})
	readUntil(t, agent, ReplyResult)
	readUntil(t, client, string(event.CallResponse))

	send(t, client, FrameCallSignal, "c3", map[string]any{"callId": view.CallID, "toUserId": 20, "type": "offer", "data": "sdp"})
	readUntil(t, client, ReplyResult)
	sig := readUntil(t, agent, string(event.CallSignal))
	var p event.Signal
	if err := json.Unmarshal(sig.Data, &p); err != nil || p.FromUserID != 10 || p.Data != "sdp" {
		t.Fatalf("signal %s (%v)", sig.Data, err)
	}

	send(t, agent, FrameCallEnd, "c4", map[string]any{"callId": view.CallID})
	readUntil(t, agent, ReplyResult)
	end := readUntil(t, client, string(event.CallEnd))
	var ce event.CallEnded
	if err := json.Unmarshal(end.Data, &ce); err != nil || ce.Reason != relay.EndHangup {
		t.Fatalf("call-end %s (%v)", end.Data, err)
	}
	if ts.calls.Len() != 0 {
		t.Fatalf("calls left: %d", ts.calls.Len())
	}
}

func TestResyncRotatesToken(t *testing.T) {
	ts := newTestServer(t, Limits{})
	conn, first := ts.dial(t, 10, auth.RoleClient)

	send(t, conn, FrameResync, "s1", nil)
	again := readUntil(t, conn, string(event.UIDAssigned))
	var uid event.UID
	if err := json.Unmarshal(again.Data, &uid); err != nil || uid.UID != first {
		t.Fatalf("resync of a live session should re-announce %q, got %s", first, again.Data)
	}

	ts.reg.Unregister(first)
	send(t, conn, FrameResync, "s2", nil)
	fresh := readUntil(t, conn, string(event.UIDAssigned))
	if err := json.Unmarshal(fresh.Data, &uid); err != nil || uid.UID == first || uid.UID == "" {
		t.Fatalf("expected a new token, got %s", fresh.Data)
	}
	if tok, err := ts.reg.Lookup(10, auth.RoleClient); err != nil || tok != uid.UID {
		t.Fatalf("registry holds %q %v", tok, err)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	ts := newTestServer(t, Limits{})
	conn, _ := ts.dial(t, 10, auth.RoleClient)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := ts.reg.Lookup(10, auth.RoleClient); errors.Is(err, registry.ErrNotFound) && ts.hub.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session survived disconnect")
}

func TestRateLimitedFrames(t *testing.T) {
	ts := newTestServer(t, Limits{FramesPerSecond: 0.001, Burst: 1})
	conn, _ := ts.dial(t, 10, auth.RoleClient)

	send(t, conn, FramePing, "1", nil)
	readUntil(t, conn, ReplyPong)
	send(t, conn, FramePing, "2", nil)
	f := readUntil(t, conn, ReplyError)
	if f.Error == nil || f.Error.Code != "RESOURCE_EXHAUSTED" {
		t.Fatalf("expected rate limit error, got %+v", f.Error)
	}
}

func TestCBORConnection(t *testing.T) {
	ts := newTestServer(t, Limits{})
	conn, err := ts.dialErr("?codec=cbor&token=" + ts.token(t, 10, auth.RoleClient))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	wire := codec.CBOR.Websocket()

	if err := wire.Send(conn, map[string]any{"type": FramePing, "request_id": "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var raw []byte
		if err := wire.Receive(conn, &raw); err != nil {
			t.Fatalf("receive: %v", err)
		}
		var f map[string]any
		if err := codec.CBOR.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f["type"] == ReplyPong {
			if f["request_id"] != "x" {
				t.Fatalf("request id = %v", f["request_id"])
			}
			return
		}
	}
}
