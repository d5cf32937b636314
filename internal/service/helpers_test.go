package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/db/dbtest"
	"github.com/bathiste/chat-client-WIP/internal/hub"
	"github.com/bathiste/chat-client-WIP/internal/session"
	"github.com/bathiste/chat-client-WIP/internal/store"
)

// testConn records every event it is sent. A positive limit makes Send fail
// once that many events are buffered, like a full websocket send channel.
type testConn struct {
	id     string
	limit  int
	mu     sync.Mutex
	events []any
	final  any
	once   sync.Once
	closed chan struct{}
}

func newTestConn(id string) *testConn {
	return &testConn{id: id, closed: make(chan struct{})}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(evt any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && len(c.events) >= c.limit {
		return false
	}
	c.events = append(c.events, evt)
	return true
}

func (c *testConn) Close(final any) {
	c.once.Do(func() {
		c.mu.Lock()
		c.final = final
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *testConn) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.events...)
}

func (c *testConn) messages() []ChatMessage {
	var out []ChatMessage
	for _, e := range c.all() {
		if m, ok := e.(ChatMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *testConn) waitClosed(t *testing.T) any {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s was not closed", c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

func (c *testConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fixture struct {
	reg     *session.Registry
	hub     *hub.Hub
	tokens  *store.Tokens
	bans    *store.Bans
	rooms   *store.Rooms
	ledger  *store.Messages
	uploads *store.Uploads
	ids     *IdentityResolver
	coord   *RoomService
	admin   *AdminService
	msgs    *MessageService
	ups     *UploadService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.Open(t)
	f := &fixture{
		reg:     session.NewRegistry(),
		hub:     hub.NewHub(),
		tokens:  store.NewTokens(gdb),
		bans:    store.NewBans(gdb),
		rooms:   store.NewRooms(gdb),
		ledger:  store.NewMessages(gdb),
		uploads: store.NewUploads(gdb),
	}
	f.ids = NewIdentityResolver(f.tokens, f.bans, true)
	f.coord = NewRoomService(f.reg, f.hub, f.ids, f.tokens, f.rooms, f.ledger, RoomOptions{
		DefaultRoom:      "lobby",
		HistoryLimit:     200,
		MaxMessageLength: 100,
	})
	f.admin = NewAdminService(f.reg, f.coord, f.tokens, f.bans, f.rooms, f.ledger, f.uploads)
	f.msgs = NewMessageService(f.ledger, f.tokens, 200)
	f.ups = NewUploadService(f.tokens, f.bans, f.uploads, f.coord)
	t.Cleanup(func() { _ = f.hub.Shutdown(context.Background(), nil) })
	return f
}

func (f *fixture) connect(t *testing.T, id string, req ConnectRequest) (*testConn, ConnectResult) {
	t.Helper()
	c := newTestConn(id)
	res, err := f.coord.Connect(context.Background(), c, req)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", id, err)
	}
	return c, res
}
