package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/db/dbtest"
	"github.com/bathiste/chat-client-WIP/internal/hub"
	"github.com/bathiste/chat-client-WIP/internal/service"
	"github.com/bathiste/chat-client-WIP/internal/session"
	"github.com/bathiste/chat-client-WIP/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	srv   *httptest.Server
	reg   *session.Registry
	bans  *store.Bans
	coord *service.RoomService
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := dbtest.Open(t)
	tokens := store.NewTokens(gdb)
	bans := store.NewBans(gdb)
	reg := session.NewRegistry()
	h := hub.NewHub()
	coord := service.NewRoomService(reg, h, service.NewIdentityResolver(tokens, bans, true), tokens,
		store.NewRooms(gdb), store.NewMessages(gdb), service.RoomOptions{DefaultRoom: "lobby"})

	if opts.MessageRate == 0 {
		opts.MessageRate, opts.MessageBurst = 100, 100
	}
	wsh := NewHandler(coord, opts)
	r := gin.New()
	r.GET("/ws", wsh.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		wsh.Stop()
		_ = h.Shutdown(context.Background(), nil)
	})
	return &testEnv{srv: srv, reg: reg, bans: bans, coord: coord}
}

func (e *testEnv) dial(t *testing.T, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var evt map[string]any
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event %s: %v", data, err)
	}
	return evt
}

func expectType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	evt := readEvent(t, conn)
	if evt["type"] != want {
		t.Fatalf("event = %v, want type %s", evt, want)
	}
	return evt
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServe_RegisterAndChat(t *testing.T) {
	env := newTestEnv(t, Options{Env: "dev"})

	a, _, err := env.dial(t, "room=general", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	welcome := expectType(t, a, service.EventWelcome)
	if welcome["name"] != "anon" || welcome["token"] == "" {
		t.Errorf("welcome = %v", welcome)
	}
	if h := expectType(t, a, service.EventHistory); h["room"] != "general" {
		t.Errorf("history = %v", h)
	}

	b, _, err := env.dial(t, "room=general", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	expectType(t, b, service.EventWelcome)
	expectType(t, b, service.EventHistory)

	send(t, a, InboundMessage{Type: "register", Username: "alice"})
	if r := expectType(t, a, service.EventRegistered); r["name"] != "alice" {
		t.Errorf("registered = %v", r)
	}

	send(t, a, InboundMessage{Type: "message", Text: "hello"})
	for _, c := range []*websocket.Conn{a, b} {
		m := expectType(t, c, service.EventMessage)
		if m["text"] != "hello" || m["sender_name"] != "alice" || m["room"] != "general" {
			t.Errorf("message = %v", m)
		}
		if _, leaked := m["secret_token"]; leaked {
			t.Error("broadcast leaked secret token")
		}
	}
}

func TestServe_ReconnectWithTokenAndJoin(t *testing.T) {
	env := newTestEnv(t, Options{Env: "dev"})

	a, _, err := env.dial(t, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	token := expectType(t, a, service.EventWelcome)["token"].(string)
	expectType(t, a, service.EventHistory)
	_ = a.Close()

	b, _, err := env.dial(t, "token="+token, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w := expectType(t, b, service.EventWelcome); w["token"] != token {
		t.Errorf("reconnect welcome token = %v, want %s", w["token"], token)
	}
	expectType(t, b, service.EventHistory)

	send(t, b, InboundMessage{Type: "join_room", Code: "xyz123"})
	h := expectType(t, b, service.EventHistory)
	if h["room"] != "xyz123" || len(h["messages"].([]any)) != 0 {
		t.Errorf("join history = %v", h)
	}
}

func TestServe_BannedTokenGetsRejectedEvent(t *testing.T) {
	env := newTestEnv(t, Options{Env: "dev"})

	a, _, _ := env.dial(t, "", nil)
	token := expectType(t, a, service.EventWelcome)["token"].(string)
	_ = a.Close()
	if err := env.bans.Ban(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	b, _, err := env.dial(t, "token="+token, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r := expectType(t, b, service.EventRejected); r["reason"] != "banned" {
		t.Errorf("rejected = %v", r)
	}
	_ = b.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := b.ReadMessage(); err == nil {
		t.Error("rejected connection stayed open")
	}
}

func TestServe_ErrorsGoToSenderOnly(t *testing.T) {
	env := newTestEnv(t, Options{Env: "dev"})
	a, _, _ := env.dial(t, "room=general", nil)
	expectType(t, a, service.EventWelcome)
	expectType(t, a, service.EventHistory)

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if e := expectType(t, a, service.EventError); e["error"] != "invalid payload" {
		t.Errorf("error = %v", e)
	}
	send(t, a, InboundMessage{Type: "message", Text: "   "})
	expectType(t, a, service.EventError)
	send(t, a, InboundMessage{Type: "bogus"})
	expectType(t, a, service.EventError)
}

func TestServe_MessageRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{Env: "dev", MessageRate: 0.001, MessageBurst: 1})
	a, _, _ := env.dial(t, "room=general", nil)
	expectType(t, a, service.EventWelcome)
	expectType(t, a, service.EventHistory)

	send(t, a, InboundMessage{Type: "message", Text: "one"})
	expectType(t, a, service.EventMessage)
	send(t, a, InboundMessage{Type: "message", Text: "two"})
	if e := expectType(t, a, service.EventError); e["error"] != "rate limited" {
		t.Errorf("error = %v", e)
	}
}

func TestServe_KickClosesWithEvent(t *testing.T) {
	env := newTestEnv(t, Options{Env: "dev"})
	a, _, _ := env.dial(t, "room=general", nil)
	expectType(t, a, service.EventWelcome)
	expectType(t, a, service.EventHistory)

	snap := env.reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("sessions = %d, want 1", len(snap))
	}
	if err := env.coord.ForceDisconnect(context.Background(), snap[0].ConnID, "kicked by admin"); err != nil {
		t.Fatal(err)
	}
	if k := expectType(t, a, service.EventKicked); k["reason"] != "kicked by admin" {
		t.Errorf("kicked = %v", k)
	}
	if env.reg.Len() != 0 {
		t.Errorf("sessions after kick = %d", env.reg.Len())
	}
}

func TestServe_OriginCheck(t *testing.T) {
	env := newTestEnv(t, Options{Env: "prod", AllowedOrigins: []string{"https://app.example"}})

	_, resp, err := env.dial(t, "", http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatal("dial from untrusted origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %v, want 403", resp)
	}

	c, _, err := env.dial(t, "", http.Header{"Origin": []string{"https://app.example"}})
	if err != nil {
		t.Fatalf("dial from trusted origin: %v", err)
	}
	expectType(t, c, service.EventWelcome)
}

func TestServe_JoinRoomSharesRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{Env: "dev", MessageRate: 0.001, MessageBurst: 2})
	a, _, _ := env.dial(t, "room=general", nil)
	expectType(t, a, service.EventWelcome)
	expectType(t, a, service.EventHistory)

	send(t, a, InboundMessage{Type: "join_room", Code: "r1"})
	expectType(t, a, service.EventHistory)
	send(t, a, InboundMessage{Type: "register", Username: "alice"})
	expectType(t, a, service.EventRegistered)
	send(t, a, InboundMessage{Type: "join_room", Code: "r2"})
	if e := expectType(t, a, service.EventError); e["error"] != "rate limited" {
		t.Errorf("error = %v", e)
	}
	if snap := env.reg.Snapshot(); len(snap) != 1 || snap[0].Room != "r1" {
		t.Errorf("sessions = %+v, want one session still in r1", snap)
	}
}
