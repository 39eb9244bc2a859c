package ws

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/rtclient/internal/identity"
	"github.com/whisper/rtclient/internal/protocol"
	"github.com/whisper/rtclient/internal/session"
	"github.com/whisper/rtclient/internal/wstest"
)

const (
	testReconnectDelay = 100 * time.Millisecond
	waitTimeout        = 2 * time.Second
)

// syncBuffer is a bytes.Buffer safe for the client's goroutines to log into.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestClient(t *testing.T, endpoint string, opts ...Option) (*Client, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.ReconnectDelay = testReconnectDelay
	cfg.DialTimeout = time.Second

	c := New(cfg, append([]Option{WithLogger(log)}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c, logs
}

func testIdentity() *identity.Identity {
	return &identity.Identity{ID: "u1", Name: "Ada"}
}

func waitFor(t *testing.T, c *Client, what string, pred func(session.State) bool) session.State {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		st := c.State()
		if pred(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state: connection=%s match=%s", what, st.Connection, st.Match)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func isOpen(st session.State) bool { return st.Connection == session.Open }

// connect authenticates c and returns the server side of its connection
// after the three opening frames have been consumed.
func connect(t *testing.T, srv *wstest.Server, c *Client) *wstest.Conn {
	t.Helper()
	if err := c.SetIdentity(testIdentity(), identity.Authenticated); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	conn, err := srv.Accept(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	for _, typ := range []string{protocol.TypeRegister, protocol.TypeGetFriends, protocol.TypeGetFriendRequests} {
		if _, err := conn.NextOf(typ, waitTimeout); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, c, "open", isOpen)
	return conn
}

func sendFrame(t *testing.T, conn *wstest.Conn, msgType string, payload interface{}) {
	t.Helper()
	if err := conn.Send(msgType, payload); err != nil {
		t.Fatalf("send %s: %v", msgType, err)
	}
}

// ---------- connection manager ----------

func TestConnect_RegistersIdentity(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())

	if err := c.SetIdentity(testIdentity(), identity.Authenticated); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	conn, err := srv.Accept(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}

	reg, err := conn.NextOf(protocol.TypeRegister, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if reg["userId"] != "u1" {
		t.Errorf("userId = %v, want u1", reg["userId"])
	}
	user, ok := reg["user"].(map[string]interface{})
	if !ok {
		t.Fatalf("user = %T, want object", reg["user"])
	}
	if user["id"] != "u1" || user["name"] != "Ada" {
		t.Errorf("user = %v", user)
	}
	if v, present := user["email"]; !present || v != nil {
		t.Errorf("email = %v (present=%v), want explicit null", v, present)
	}

	if _, err := conn.NextOf(protocol.TypeGetFriends, waitTimeout); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.NextOf(protocol.TypeGetFriendRequests, waitTimeout); err != nil {
		t.Fatal(err)
	}
	waitFor(t, c, "open", isOpen)
}

func TestConnect_WithoutIdentityStaysDisconnected(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SetIdentity(nil, identity.Loading); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	if err := c.SetIdentity(&identity.Identity{}, identity.Authenticated); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}

	if _, err := srv.Accept(3 * testReconnectDelay); !errors.Is(err, wstest.ErrTimeout) {
		t.Fatalf("expected no connection, got err=%v", err)
	}
	if st := c.State(); st.Connection != session.Disconnected {
		t.Errorf("connection = %s, want disconnected", st.Connection)
	}
}

func TestConnect_SingleFlight(t *testing.T) {
	d := newBlockingDialer()
	c, _ := newTestClient(t, "ws://unused/ws", WithDialer(d))

	if err := c.SetIdentity(testIdentity(), identity.Authenticated); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = c.Connect()
	}
	_ = c.SetIdentity(testIdentity(), identity.Authenticated)

	deadline := time.Now().Add(waitTimeout)
	for d.dials.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if st := c.State(); st.Connection != session.Connecting {
		t.Errorf("connection = %s, want connecting", st.Connection)
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	close(d.release)
}

func TestReconnect_AfterUnexpectedClose(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())

	var mu sync.Mutex
	var seen []session.ConnectionState
	c.Subscribe(func(st session.State) {
		mu.Lock()
		seen = append(seen, st.Connection)
		mu.Unlock()
	})

	conn := connect(t, srv, c)
	sendFrame(t, conn, protocol.TypeMatchFound, protocol.MatchFoundMsg{Partner: protocol.User{ID: "p1"}})
	waitFor(t, c, "matched", func(st session.State) bool { return st.Match == session.Matched })

	conn.Drop()

	st := waitFor(t, c, "partner dropped", func(st session.State) bool { return st.Partner == nil })
	if st.Match != session.Idle {
		t.Errorf("match = %s, want idle", st.Match)
	}

	second, err := srv.Accept(waitTimeout)
	if err != nil {
		t.Fatalf("expected a reconnect: %v", err)
	}
	if _, err := second.NextOf(protocol.TypeRegister, waitTimeout); err != nil {
		t.Fatal(err)
	}
	waitFor(t, c, "reopened", isOpen)

	// Exactly one reconnect.
	if _, err := srv.Accept(3 * testReconnectDelay); !errors.Is(err, wstest.ErrTimeout) {
		t.Fatalf("unexpected extra connection: %v", err)
	}
	if n := srv.Count(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawDisconnected, sawReconnecting bool
	for _, s := range seen {
		switch s {
		case session.Disconnected:
			sawDisconnected = true
		case session.Reconnecting:
			sawReconnecting = true
		}
	}
	if !sawDisconnected || !sawReconnecting {
		t.Errorf("transitions %v missing disconnected or reconnecting", seen)
	}
}

func TestReconnect_AfterDialFailure(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	srv.Reject(true)
	c, logs := newTestClient(t, srv.URL())

	if err := c.SetIdentity(testIdentity(), identity.Authenticated); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	deadline := time.Now().Add(waitTimeout)
	for !strings.Contains(logs.String(), "dial failed") {
		if time.Now().After(deadline) {
			t.Fatal("dial failure was not logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.Reject(false)
	if _, err := srv.Accept(waitTimeout); err != nil {
		t.Fatalf("expected a reconnect after the server recovered: %v", err)
	}
	waitFor(t, c, "open", isOpen)
}

func TestReconnect_ConnectReplacesPendingTimer(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())

	conn := connect(t, srv, c)
	conn.Drop()
	waitFor(t, c, "disconnected", func(st session.State) bool { return st.Connection != session.Open })

	_ = c.Connect()
	if _, err := srv.Accept(waitTimeout); err != nil {
		t.Fatal(err)
	}
	waitFor(t, c, "open", isOpen)

	if _, err := srv.Accept(3 * testReconnectDelay); !errors.Is(err, wstest.ErrTimeout) {
		t.Fatalf("stale timer opened a second transport: %v", err)
	}
}

func TestReconnect_SkippedWithoutIdentity(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, logs := newTestClient(t, srv.URL())

	conn := connect(t, srv, c)
	if err := c.SetIdentity(nil, identity.Unauthenticated); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}

	// The open transport is left alone.
	if err := c.LoadFriends(); err != nil {
		t.Fatalf("LoadFriends after identity loss: %v", err)
	}
	if _, err := conn.NextOf(protocol.TypeGetFriends, waitTimeout); err != nil {
		t.Fatal(err)
	}

	conn.Drop()
	waitFor(t, c, "disconnected", func(st session.State) bool { return st.Connection == session.Disconnected })

	if _, err := srv.Accept(3 * testReconnectDelay); !errors.Is(err, wstest.ErrTimeout) {
		t.Fatalf("reconnected without identity: %v", err)
	}
	if !strings.Contains(logs.String(), "skipping reconnect") {
		t.Errorf("expected skipped reconnect to be logged; logs:\n%s", logs.String())
	}
}

// ---------- inbound frames ----------

func TestInbound_MatchLifecycle(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	sendFrame(t, conn, protocol.TypeRegistered, protocol.RegisteredMsg{OnlineCount: 12, AvailableCount: 3})
	waitFor(t, c, "counts", func(st session.State) bool { return st.OnlineCount == 12 && st.AvailableCount == 3 })

	sendFrame(t, conn, protocol.TypeWaiting, protocol.WaitingMsg{})
	waitFor(t, c, "waiting", func(st session.State) bool { return st.Match == session.Waiting })

	sendFrame(t, conn, protocol.TypeMatchFound, protocol.MatchFoundMsg{Partner: protocol.User{ID: "p1"}})
	sendFrame(t, conn, protocol.TypeMessage, protocol.ChatMsg{Content: "hi", SenderID: "p1"})
	sendFrame(t, conn, protocol.TypeMessageSent, protocol.ChatMsg{Content: "hello", SenderID: "u1"})
	sendFrame(t, conn, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{IsTyping: true})

	st := waitFor(t, c, "typing partner", func(st session.State) bool { return st.PartnerTyping })
	if st.Match != session.Matched || st.Partner == nil || st.Partner.ID != "p1" {
		t.Fatalf("unexpected match state: %s partner=%v", st.Match, st.Partner)
	}
	if len(st.Messages) != 2 || st.Messages[0].Own || !st.Messages[1].Own {
		t.Fatalf("messages = %+v", st.Messages)
	}

	sendFrame(t, conn, protocol.TypeSessionEnded, protocol.PartnerLeftMsg{})
	st = waitFor(t, c, "idle", func(st session.State) bool { return st.Match == session.Idle })
	if st.Partner != nil || st.PartnerTyping {
		t.Errorf("partner=%v typing=%v after session_ended", st.Partner, st.PartnerTyping)
	}
	if len(st.Messages) != 2 {
		t.Errorf("messages = %d, want log kept until next match", len(st.Messages))
	}
}

func TestInbound_MalformedFrameDiscarded(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, logs := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	for _, raw := range []string{`not json`, `{"content":"no type"}`, `{"type":"presence","online":true}`} {
		if err := conn.SendRaw([]byte(raw)); err != nil {
			t.Fatal(err)
		}
	}
	sendFrame(t, conn, protocol.TypeRegistered, protocol.RegisteredMsg{OnlineCount: 5})

	st := waitFor(t, c, "registered applied", func(st session.State) bool { return st.OnlineCount == 5 })
	if st.Connection != session.Open {
		t.Errorf("connection = %s, want open", st.Connection)
	}
	if !strings.Contains(logs.String(), "discarding malformed frame") {
		t.Errorf("malformed frame was not logged")
	}
}

func TestInbound_MatchFoundWithoutPartnerIgnored(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, logs := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	if err := c.FindMatch(); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	for _, raw := range []string{`{"type":"match_found"}`, `{"type":"match_found","partner":null}`} {
		if err := conn.SendRaw([]byte(raw)); err != nil {
			t.Fatal(err)
		}
	}
	sendFrame(t, conn, protocol.TypeRegistered, protocol.RegisteredMsg{OnlineCount: 4})

	st := waitFor(t, c, "registered applied", func(st session.State) bool { return st.OnlineCount == 4 })
	if st.Match != session.Waiting || st.Partner != nil {
		t.Errorf("match = %s partner = %v, want waiting without a partner", st.Match, st.Partner)
	}
	if !strings.Contains(logs.String(), "discarding malformed frame") {
		t.Errorf("partnerless match_found was not logged")
	}
}

func TestInbound_ServerErrorRecorded(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, logs := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	sendFrame(t, conn, protocol.TypeError, protocol.ErrorMsg{Message: "rate limited"})
	waitFor(t, c, "error", func(st session.State) bool { return st.LastError == "rate limited" })
	if !strings.Contains(logs.String(), "rate limited") {
		t.Errorf("server error was not logged")
	}
}

func TestInbound_FriendAcceptedRefetchesFriends(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	sendFrame(t, conn, protocol.TypeFriendRequests, protocol.FriendRequestsMsg{
		Requests: []protocol.FriendRequest{{ID: "r1", FromUserID: "u2"}, {ID: "r2", FromUserID: "u3"}},
	})
	waitFor(t, c, "requests", func(st session.State) bool { return len(st.FriendRequests) == 2 })

	sendFrame(t, conn, protocol.TypeFriendRequestAccepted, protocol.FriendRequestResolvedMsg{RequestID: "r1"})
	if _, err := conn.NextOf(protocol.TypeGetFriends, waitTimeout); err != nil {
		t.Fatal(err)
	}
	st := c.State()
	if len(st.FriendRequests) != 1 || st.FriendRequests[0].ID != "r2" {
		t.Errorf("requests = %+v, want only r2", st.FriendRequests)
	}

	sendFrame(t, conn, protocol.TypeFriendRequestRejected, protocol.FriendRequestResolvedMsg{RequestID: "r2"})
	waitFor(t, c, "requests drained", func(st session.State) bool { return len(st.FriendRequests) == 0 })
	if !conn.Quiet(3 * testReconnectDelay) {
		t.Error("rejection should not trigger a refetch")
	}
}

func TestOn_HandlerSeesFrameAfterTransition(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())

	got := make(chan session.MatchState, 1)
	c.On(protocol.TypeMatchFound, func(msg interface{}) {
		if m, ok := msg.(protocol.MatchFoundMsg); ok && m.Partner.ID == "p1" {
			got <- c.state.Match
		}
	})

	conn := connect(t, srv, c)
	sendFrame(t, conn, protocol.TypeMatchFound, protocol.MatchFoundMsg{Partner: protocol.User{ID: "p1"}})

	select {
	case m := <-got:
		if m != session.Matched {
			t.Errorf("match = %s inside handler, want matched", m)
		}
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}
}

// ---------- outbound API ----------

func TestSend_WhileDisconnected(t *testing.T) {
	c, logs := newTestClient(t, "ws://127.0.0.1:1/ws")

	if err := c.SendMessage("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage err = %v, want ErrNotConnected", err)
	}
	if err := c.FindMatch(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("FindMatch err = %v, want ErrNotConnected", err)
	}
	if st := c.State(); st.Match != session.Idle {
		t.Errorf("match = %s, want idle after rejected find_match", st.Match)
	}
	if !strings.Contains(logs.String(), "cannot send while disconnected") {
		t.Errorf("missing diagnostic; logs:\n%s", logs.String())
	}
}

func TestFindMatch_OptimisticWaiting(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	if err := c.FindMatch(); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if st := c.State(); st.Match != session.Waiting {
		t.Errorf("match = %s, want waiting before the server answers", st.Match)
	}
	if _, err := conn.NextOf(protocol.TypeFindMatch, waitTimeout); err != nil {
		t.Fatal(err)
	}
}

func TestOutbound_Frames(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	tests := []struct {
		send  func() error
		typ   string
		field string
		want  interface{}
	}{
		{func() error { return c.SendMessage("hey") }, protocol.TypeSendMessage, "content", "hey"},
		{func() error { return c.SendTyping(true) }, protocol.TypeTyping, "isTyping", true},
		{func() error { return c.SendFriendRequest("u9") }, protocol.TypeSendFriendRequest, "toUserId", "u9"},
		{func() error { return c.AcceptFriendRequest("r1") }, protocol.TypeAcceptFriendRequest, "requestId", "r1"},
		{func() error { return c.RejectFriendRequest("r2") }, protocol.TypeRejectFriendRequest, "requestId", "r2"},
		{c.LoadFriends, protocol.TypeGetFriends, "", nil},
		{c.LoadFriendRequests, protocol.TypeGetFriendRequests, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			if err := tt.send(); err != nil {
				t.Fatalf("send: %v", err)
			}
			fields, err := conn.NextOf(tt.typ, waitTimeout)
			if err != nil {
				t.Fatal(err)
			}
			if tt.field != "" && fields[tt.field] != tt.want {
				t.Errorf("%s = %v, want %v", tt.field, fields[tt.field], tt.want)
			}
		})
	}

	// Accepting locally changes nothing until the server confirms.
	if st := c.State(); len(st.Messages) != 0 || len(st.FriendRequests) != 0 {
		t.Errorf("outbound actions mutated state: %+v", st)
	}
}

func TestEndSession_ClearsLocally(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	sendFrame(t, conn, protocol.TypeMatchFound, protocol.MatchFoundMsg{Partner: protocol.User{ID: "p1"}})
	sendFrame(t, conn, protocol.TypeMessage, protocol.ChatMsg{Content: "hi", SenderID: "p1"})
	waitFor(t, c, "message", func(st session.State) bool { return len(st.Messages) == 1 })

	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	st := c.State()
	if st.Partner != nil || st.Match != session.Idle || len(st.Messages) != 0 || st.PartnerTyping {
		t.Errorf("state after EndSession: match=%s partner=%v messages=%d", st.Match, st.Partner, len(st.Messages))
	}
	if _, err := conn.NextOf(protocol.TypeEndSession, waitTimeout); err != nil {
		t.Fatal(err)
	}
}

func TestEndSession_WhileDisconnectedKeepsLog(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, logs := newTestClient(t, srv.URL())
	conn := connect(t, srv, c)

	sendFrame(t, conn, protocol.TypeMessage, protocol.ChatMsg{Content: "hi", SenderID: "p1"})
	waitFor(t, c, "message", func(st session.State) bool { return len(st.Messages) == 1 })
	_ = c.SetIdentity(nil, identity.Unauthenticated)
	conn.Drop()
	waitFor(t, c, "disconnected", func(st session.State) bool { return st.Connection == session.Disconnected })

	var calls atomic.Int32
	c.Subscribe(func(session.State) { calls.Add(1) })
	before := calls.Load()

	if err := c.EndSession(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("EndSession err = %v, want ErrNotConnected", err)
	}
	st := c.State()
	if len(st.Messages) != 1 || st.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v, want the log kept", st.Messages)
	}
	if calls.Load() != before {
		t.Error("observers notified for a rejected EndSession")
	}
	if !strings.Contains(logs.String(), "cannot send while disconnected") {
		t.Error("rejected EndSession was not logged")
	}
}

// ---------- observation and teardown ----------

func TestSubscribe_Unsubscribe(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())

	var calls atomic.Int32
	unsubscribe := c.Subscribe(func(session.State) { calls.Add(1) })
	conn := connect(t, srv, c)
	if calls.Load() == 0 {
		t.Fatal("observer was not called while connecting")
	}

	unsubscribe()
	before := calls.Load()
	sendFrame(t, conn, protocol.TypeRegistered, protocol.RegisteredMsg{OnlineCount: 7})
	waitFor(t, c, "registered", func(st session.State) bool { return st.OnlineCount == 7 })
	if calls.Load() != before {
		t.Errorf("observer called after unsubscribe")
	}
}

func TestClose_StopsCallbacks(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL())

	var calls atomic.Int32
	c.Subscribe(func(session.State) { calls.Add(1) })
	conn := connect(t, srv, c)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	after := calls.Load()

	_ = conn.Send(protocol.TypeRegistered, protocol.RegisteredMsg{OnlineCount: 9})
	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("transport not closed")
	}
	if _, err := srv.Accept(3 * testReconnectDelay); !errors.Is(err, wstest.ErrTimeout) {
		t.Fatalf("reconnected after Close: %v", err)
	}
	if calls.Load() != after {
		t.Errorf("observer called after Close")
	}

	if err := c.SendMessage("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendMessage err = %v, want ErrClosed", err)
	}
	if err := c.SetIdentity(testIdentity(), identity.Authenticated); !errors.Is(err, ErrClosed) {
		t.Errorf("SetIdentity err = %v, want ErrClosed", err)
	}
	if st := c.State(); st.Connection != session.Disconnected {
		t.Errorf("connection = %s after Close, want disconnected", st.Connection)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_DuringDialClosesLateTransport(t *testing.T) {
	d := newBlockingDialer()
	c, _ := newTestClient(t, "ws://unused/ws", WithDialer(d))

	if err := c.SetIdentity(testIdentity(), identity.Authenticated); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	c.Close()
	close(d.release)

	select {
	case <-d.transport.closed:
	case <-time.After(waitTimeout):
		t.Fatal("transport from a dial finished after Close was not closed")
	}
}

func TestClose_WithStalledWriter(t *testing.T) {
	writeTimeout := DefaultConfig().WriteTimeout
	dialers := map[string]Dialer{
		"gobwas":  GobwasDialer{WriteTimeout: writeTimeout},
		"gorilla": GorillaDialer{WriteTimeout: writeTimeout, HandshakeTimeout: time.Second},
	}
	for name, d := range dialers {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, stalledPeer(t), WithDialer(d))
			if err := c.SetIdentity(testIdentity(), identity.Authenticated); err != nil {
				t.Fatalf("SetIdentity: %v", err)
			}
			waitFor(t, c, "open", isOpen)

			// Enough data to fill both socket buffers and block the writer.
			big := strings.Repeat("x", 4<<20)
			for i := 0; i < 8; i++ {
				if err := c.SendMessage(big); err != nil {
					t.Fatalf("SendMessage %d: %v", i+1, err)
				}
			}
			time.Sleep(200 * time.Millisecond)

			start := time.Now()
			c.Close()
			if took := time.Since(start); took > time.Second {
				t.Errorf("Close took %s with a stalled writer, want well under the %s write timeout", took, writeTimeout)
			}
			if st := c.State(); st.Connection != session.Disconnected {
				t.Errorf("connection = %s after Close, want disconnected", st.Connection)
			}
		})
	}
}

func TestGorillaDialer(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL(), WithDialer(GorillaDialer{WriteTimeout: time.Second, HandshakeTimeout: time.Second}))
	conn := connect(t, srv, c)

	sendFrame(t, conn, protocol.TypeMatchFound, protocol.MatchFoundMsg{Partner: protocol.User{ID: "p1"}})
	waitFor(t, c, "matched", func(st session.State) bool { return st.Match == session.Matched })

	if err := c.SendMessage("over gorilla"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	fields, err := conn.NextOf(protocol.TypeSendMessage, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if fields["content"] != "over gorilla" {
		t.Errorf("content = %v", fields["content"])
	}
}

// ---------- fakes ----------

// stalledPeer accepts websocket upgrades and then never reads, so the
// client's outbound frames back up until its writes block. It returns the
// endpoint to dial.
func stalledPeer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if _, err := ws.Upgrade(conn); err != nil {
				conn.Close()
				continue
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	return "ws://" + ln.Addr().String() + "/ws"
}

// blockingDialer holds every dial until release is closed and then returns
// the same fake transport.
type blockingDialer struct {
	release   chan struct{}
	dials     atomic.Int32
	transport *fakeTransport
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		release:   make(chan struct{}),
		transport: &fakeTransport{closed: make(chan struct{})},
	}
}

func (d *blockingDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.dials.Add(1)
	<-d.release
	return d.transport, nil
}

type fakeTransport struct {
	once   sync.Once
	closed chan struct{}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	<-f.closed
	return nil, errors.New("closed")
}

func (f *fakeTransport) WriteFrame([]byte) error { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}
