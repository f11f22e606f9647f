package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatserver/internal/auth"
	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/registry"
	"chatserver/internal/storage"
	"chatserver/pkg/types"
)

// fakeStore is an in-memory interfaces.Storage double so these tests never
// touch SQLite; storage's own correctness is covered in internal/storage.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*types.User
	nextUser int64
	channels map[string]*types.Channel
	nextChan int64
	messages map[int64][]types.Message
	nextMsg  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*types.User),
		channels: map[string]*types.Channel{"general": {ID: 1, Name: "general", Description: "General discussion"}},
		nextChan: 1,
		messages: make(map[int64][]types.Message),
	}
}

func (f *fakeStore) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := lower(username)
	if _, ok := f.users[key]; ok {
		return 0, storage.ErrConflict
	}
	f.nextUser++
	f.users[key] = &types.User{ID: f.nextUser, Username: username, PasswordHash: passwordHash, CreatedAt: time.Unix(0, 0)}
	return f.nextUser, nil
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[lower(username)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) CreateChannel(ctx context.Context, name, description string, createdBy int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[name]; ok {
		return 0, storage.ErrConflict
	}
	f.nextChan++
	f.channels[name] = &types.Channel{ID: f.nextChan, Name: name, Description: description, CreatedBy: &createdBy}
	return f.nextChan, nil
}

func (f *fakeStore) GetChannelByName(ctx context.Context, name string) (*types.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListChannels(ctx context.Context) ([]types.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Channel, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeStore) SaveMessage(ctx context.Context, channelID, userID int64, content, kind string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	var username string
	for _, u := range f.users {
		if u.ID == userID {
			username = u.Username
		}
	}
	msg := types.Message{ID: f.nextMsg, ChannelID: channelID, UserID: userID, Username: username, Content: content, Kind: kind, CreatedAt: time.Unix(int64(f.nextMsg), 0)}
	f.messages[channelID] = append(f.messages[channelID], msg)
	return &msg, nil
}

func (f *fakeStore) GetMessageHistory(ctx context.Context, channelID int64, limit int) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[channelID]
	if len(all) <= limit {
		return append([]types.Message{}, all...), nil
	}
	return append([]types.Message{}, all[len(all)-limit:]...), nil
}

func (f *fakeStore) CreateSession(ctx context.Context, token string, userID int64) error {
	return nil
}

func (f *fakeStore) ValidateSession(ctx context.Context, token string) (int64, bool, error) {
	return 0, false, nil
}

func (f *fakeStore) PruneExpiredSessions(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// testClient wraps a net.Conn with the protocol encoder/decoder for test
// bodies to drive the wire protocol directly.
type testClient struct {
	conn net.Conn
	dec  *protocol.Decoder
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	conn := newConnection(serverConn, zerolog.Nop())
	go srv.HandleConnection(context.Background(), conn)
	return &testClient{conn: clientConn, dec: protocol.NewDecoder(clientConn)}
}

func (c *testClient) send(t *testing.T, v any) {
	t.Helper()
	if err := protocol.WriteFrame(c.conn, v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (c *testClient) recvType(t *testing.T) (string, []byte) {
	t.Helper()
	raw, err := c.dec.Next()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	typ, err := protocol.DecodeTyped(raw)
	if err != nil {
		t.Fatalf("decode type: %v", err)
	}
	return typ, raw
}

func newTestServer() *Server {
	return New(newFakeStore(), registry.New(), metrics.New(), zerolog.Nop())
}

func TestRegisterLoginFinalizeSequence(t *testing.T) {
	srv := newTestServer()
	c := newTestClient(t, srv)

	c.send(t, protocol.AuthRegister{Type: protocol.TypeAuthRegister, Username: "alice", Password: "hunter2x"})

	typ, raw := c.recvType(t)
	if typ != protocol.TypeAuthResult {
		t.Fatalf("expected auth_result, got %s", typ)
	}
	var result protocol.AuthResult
	mustUnmarshal(t, raw, &result)
	if !result.Success {
		t.Fatalf("expected registration success, got error %q", result.Error)
	}

	typ, raw = c.recvType(t)
	if typ != protocol.TypeChannelInfo {
		t.Fatalf("expected channel_info, got %s", typ)
	}

	typ, raw = c.recvType(t)
	if typ != protocol.TypeChannelJoined {
		t.Fatalf("expected channel_joined, got %s", typ)
	}
	var joined protocol.ChannelJoined
	mustUnmarshal(t, raw, &joined)
	if joined.Channel != "general" {
		t.Fatalf("expected auto-join to general, got %s", joined.Channel)
	}
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	srv := newTestServer()
	hash, _ := auth.HashPassword("hunter2x")
	_, _ = srv.Store.CreateUser(context.Background(), "bob", hash)

	c := newTestClient(t, srv)
	c.send(t, protocol.AuthRegister{Type: protocol.TypeAuthRegister, Username: "bob", Password: "anotherpw"})

	_, raw := c.recvType(t)
	var result protocol.AuthResult
	mustUnmarshal(t, raw, &result)
	if result.Success {
		t.Fatalf("expected registration to fail on duplicate username")
	}
}

func TestChannelLeaveWithNoCurrentChannelDoesNotBroadcast(t *testing.T) {
	srv := newTestServer()
	alice := newTestClient(t, srv)
	loginAs(t, alice, "alice")
	drainLogin(t, alice)

	bob := newTestClient(t, srv)
	loginAs(t, bob, "bob")
	drainLogin(t, bob)
	drainPeerLogin(t, alice)

	// Both leave "general", leaving each with no current channel.
	alice.send(t, protocol.ChannelLeave{Type: protocol.TypeChannelLeave, Channel: "general"})
	typ, _ := bob.recvType(t)
	if typ != protocol.TypeUserLeft {
		t.Fatalf("expected user_left after alice's real leave, got %s", typ)
	}

	bob.send(t, protocol.ChannelLeave{Type: protocol.TypeChannelLeave, Channel: "general"})
	// alice already left general, so no one is left to notify; nothing to
	// read here. Now alice, with no current channel, sends a bare leave.
	alice.send(t, protocol.ChannelLeave{Type: protocol.TypeChannelLeave})

	// The bug would deliver bob a spurious user_left for channel "" here,
	// since bob's current channel is also "" at this point.
	expectNoFrame(t, bob)
}

// expectNoFrame asserts no frame arrives on c within a short window.
func expectNoFrame(t *testing.T, c *testClient) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	_, err := c.dec.Next()
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected no frame, but one arrived (or the read unblocked unexpectedly): err=%v", err)
	}
}

func TestUnauthenticatedRejectsOtherMessages(t *testing.T) {
	srv := newTestServer()
	c := newTestClient(t, srv)

	c.send(t, protocol.MessageIn{Type: protocol.TypeMessage, Content: "hello"})
	typ, raw := c.recvType(t)
	if typ != protocol.TypeError {
		t.Fatalf("expected error frame, got %s", typ)
	}
	var errOut protocol.ErrorOut
	mustUnmarshal(t, raw, &errOut)
	if errOut.Code != protocol.ErrNotAuthenticated {
		t.Fatalf("expected not_authenticated code, got %s", errOut.Code)
	}
}

func TestChatMessageBroadcastsToChannelPeers(t *testing.T) {
	srv := newTestServer()
	alice := newTestClient(t, srv)
	loginAs(t, alice, "alice")
	drainLogin(t, alice)

	bob := newTestClient(t, srv)
	loginAs(t, bob, "bob")
	drainLogin(t, bob)
	drainPeerLogin(t, alice)

	alice.send(t, protocol.MessageIn{Type: protocol.TypeMessage, Content: "hi bob"})
	// alice also receives the authoritative echo; read it concurrently so the
	// unbuffered pipe does not stall the fan-out to bob.
	go func() { _, _ = alice.dec.Next() }()

	typ, raw := bob.recvType(t)
	if typ != protocol.TypeMessage {
		t.Fatalf("expected message broadcast, got %s", typ)
	}
	var out protocol.ChatMessageOut
	mustUnmarshal(t, raw, &out)
	if out.Sender != "alice" || out.Content != "hi bob" {
		t.Fatalf("unexpected broadcast payload: %+v", out)
	}
}

func TestRateLimiterDeniesBurst(t *testing.T) {
	srv := newTestServer()
	alice := newTestClient(t, srv)
	loginAs(t, alice, "alice")
	drainLogin(t, alice)

	// Each message is echoed back to alice over an unbuffered pipe, so every
	// send is followed by reading its response before the next one.
	var sawRateLimited bool
	for i := 0; i < 6; i++ {
		content := "msg"
		if i == 5 {
			content = "one too many"
		}
		alice.send(t, protocol.MessageIn{Type: protocol.TypeMessage, Content: content})
		typ, raw := alice.recvType(t)
		if typ == protocol.TypeError {
			var errOut protocol.ErrorOut
			mustUnmarshal(t, raw, &errOut)
			if errOut.Code == protocol.ErrRateLimited {
				sawRateLimited = true
			}
		}
	}
	if !sawRateLimited {
		t.Fatalf("expected at least one rate_limited error across responses")
	}
}

func loginAs(t *testing.T, c *testClient, username string) {
	t.Helper()
	c.send(t, protocol.AuthRegister{Type: protocol.TypeAuthRegister, Username: username, Password: "hunter2x"})
}

// drainLogin reads the three frames a successful login always sends:
// auth_result (from finishLogin), then channel_info and channel_joined
// (from finalizeLogin).
func drainLogin(t *testing.T, c *testClient) {
	t.Helper()
	for i := 0; i < 3; i++ {
		c.recvType(t)
	}
}

// drainPeerLogin reads the two frames an already-joined general member gets
// when another user logs in: user_joined, then status_change. Over an
// unbuffered net.Pipe the new user's login does not finish until they are
// read.
func drainPeerLogin(t *testing.T, c *testClient) {
	t.Helper()
	for i := 0; i < 2; i++ {
		c.recvType(t)
	}
}

func mustUnmarshal(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
