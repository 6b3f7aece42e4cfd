package ws

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tome/sync/internal/auth"
	"tome/sync/internal/crdt"
	"tome/sync/internal/persist"
	"tome/sync/internal/presence"
	"tome/sync/internal/session"
)

type fakeOracle struct{}

func (fakeOracle) AuthenticateCredential(_ context.Context, credential string) (auth.Principal, error) {
	switch credential {
	case "token-ada":
		return auth.Principal{UserID: "u-ada", DisplayName: "Ada", WorkspaceID: "ws1"}, nil
	case "token-eve":
		return auth.Principal{UserID: "u-eve", DisplayName: "Eve", WorkspaceID: "ws2"}, nil
	default:
		return auth.Principal{}, fmt.Errorf("%w: unknown credential", auth.ErrInvalidCredential)
	}
}

// outageOracle simulates the identity backend being unreachable.
type outageOracle struct{}

func (outageOracle) AuthenticateCredential(_ context.Context, _ string) (auth.Principal, error) {
	return auth.Principal{}, fmt.Errorf("dial tcp 127.0.0.1:6379: connection refused")
}

type fakeDirectory struct{}

func (fakeDirectory) DocumentWorkspace(_ context.Context, documentID string) (string, bool, error) {
	if strings.HasPrefix(documentID, "kb:page:") {
		return "ws1", true, nil
	}
	return "", false, nil
}

func (fakeDirectory) IsMember(_ context.Context, userID, workspaceID string) (bool, error) {
	return userID == "u-ada" && workspaceID == "ws1", nil
}

type fixture struct {
	server   *httptest.Server
	registry *session.Registry
	store    *persist.MemoryStore
	coord    *persist.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := persist.NewMemoryStore()
	coord := persist.NewCoordinator(store, persist.Options{DebounceInterval: 20 * time.Millisecond})
	t.Cleanup(coord.Close)

	registry := session.NewRegistry(coord, time.Minute)
	authenticator := auth.NewAuthenticator(fakeOracle{}, fakeDirectory{})
	broadcaster := presence.NewBroadcaster(nil)

	handler := NewHandler(authenticator, registry, broadcaster, 5*time.Second)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &fixture{server: server, registry: registry, store: store, coord: coord}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect performs the handshake and consumes the ack.
func (f *fixture) connect(t *testing.T, credential, documentID string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	if err := conn.WriteJSON(Message{Type: TypeHandshake, DocumentID: documentID, Credential: credential}); err != nil {
		t.Fatalf("handshake write failed: %v", err)
	}
	readType(t, conn, TypeHandshakeAck)
	return conn
}

// readType reads frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, wantType string) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
}

func TestHandshakeRejectsInvalidCredential(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	if err := conn.WriteJSON(Message{Type: TypeHandshake, DocumentID: "kb:page:p1", Credential: "bogus"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	rejected := readType(t, conn, TypeRejected)
	if rejected.Code != CodeInvalidCredential {
		t.Fatalf("code = %q, want %q", rejected.Code, CodeInvalidCredential)
	}
	if f.registry.Len() != 0 {
		t.Fatal("session created for a refused connection")
	}
}

func TestHandshakeRejectsWrongWorkspace(t *testing.T) {
	f := newFixture(t)

	// Valid credential in another workspace, and a document that does
	// not exist: both must refuse identically without touching state.
	for _, documentID := range []string{"kb:page:p1", "other:doc"} {
		conn := f.dial(t)
		if err := conn.WriteJSON(Message{Type: TypeHandshake, DocumentID: documentID, Credential: "token-eve"}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		rejected := readType(t, conn, TypeRejected)
		if rejected.Code != CodeNotAuthorized {
			t.Fatalf("code = %q, want %q", rejected.Code, CodeNotAuthorized)
		}
	}

	if f.registry.Len() != 0 {
		t.Fatal("authorization failure touched the session store")
	}
}

func TestHandshakeOracleOutageIsServerError(t *testing.T) {
	coord := persist.NewCoordinator(persist.NewMemoryStore(), persist.Options{DebounceInterval: 20 * time.Millisecond})
	t.Cleanup(coord.Close)
	registry := session.NewRegistry(coord, time.Minute)
	authenticator := auth.NewAuthenticator(outageOracle{}, fakeDirectory{})
	handler := NewHandler(authenticator, registry, presence.NewBroadcaster(nil), 5*time.Second)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(Message{Type: TypeHandshake, DocumentID: "kb:page:p1", Credential: "token-ada"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// A valid credential with a down identity backend must surface as a
	// server problem, never as a bad credential.
	rejected := readType(t, conn, TypeRejected)
	if rejected.Code != CodeServerError {
		t.Fatalf("code = %q, want %q", rejected.Code, CodeServerError)
	}
	if registry.Len() != 0 {
		t.Fatal("session created for a refused connection")
	}
}

func TestHandshakeRejectsNonHandshakeFirstFrame(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	if err := conn.WriteJSON(Message{Type: TypeHeartbeat}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	rejected := readType(t, conn, TypeRejected)
	if rejected.Code != CodeProtocolViolation {
		t.Fatalf("code = %q, want %q", rejected.Code, CodeProtocolViolation)
	}
}

func TestOperationsBroadcastBetweenClients(t *testing.T) {
	f := newFixture(t)
	clientA := f.connect(t, "token-ada", "kb:page:shared")
	clientB := f.connect(t, "token-ada", "kb:page:shared")

	// Concurrent edits from both sides.
	opA := crdt.Operation{Client: "crdt-a", Seq: 1, Payload: []byte("hello from A")}
	opB := crdt.Operation{Client: "crdt-b", Seq: 1, Payload: []byte("hello from B")}
	if err := clientA.WriteJSON(Message{Type: TypeOp, Op: &opA}); err != nil {
		t.Fatalf("write op failed: %v", err)
	}
	if err := clientB.WriteJSON(Message{Type: TypeOp, Op: &opB}); err != nil {
		t.Fatalf("write op failed: %v", err)
	}

	gotAtB := readType(t, clientB, TypeOp)
	if gotAtB.Op == nil || gotAtB.Op.Client != "crdt-a" {
		t.Fatalf("B received %+v, want op from crdt-a", gotAtB.Op)
	}
	gotAtA := readType(t, clientA, TypeOp)
	if gotAtA.Op == nil || gotAtA.Op.Client != "crdt-b" {
		t.Fatalf("A received %+v, want op from crdt-b", gotAtA.Op)
	}

	live, ok := f.registry.Peek("kb:page:shared")
	if !ok {
		t.Fatal("no live session")
	}
	vector := live.StateVector()
	if vector["crdt-a"] != 1 || vector["crdt-b"] != 1 {
		t.Fatalf("session vector = %v, want both clients at 1", vector)
	}
}

func TestSyncRequestReturnsBacklog(t *testing.T) {
	f := newFixture(t)
	writer := f.connect(t, "token-ada", "kb:page:backlog")

	op1 := crdt.Operation{Client: "crdt-w", Seq: 1, Payload: []byte("first")}
	op2 := crdt.Operation{Client: "crdt-w", Seq: 2, Payload: []byte("second")}
	if err := writer.WriteJSON(Message{Type: TypeOp, Op: &op1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := writer.WriteJSON(Message{Type: TypeOp, Op: &op2}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// Heartbeat round-trip orders us behind the op applies.
	if err := writer.WriteJSON(Message{Type: TypeHeartbeat}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readType(t, writer, TypeHeartbeatAck)

	late := f.connect(t, "token-ada", "kb:page:backlog")
	if err := late.WriteJSON(Message{Type: TypeSyncRequest, StateVector: crdt.StateVector{}}); err != nil {
		t.Fatalf("sync_request failed: %v", err)
	}
	resp := readType(t, late, TypeSyncResponse)
	if len(resp.Ops) != 2 {
		t.Fatalf("backlog has %d ops, want 2", len(resp.Ops))
	}
	if resp.StateVector["crdt-w"] != 2 {
		t.Fatalf("response vector = %v, want crdt-w at 2", resp.StateVector)
	}
}

func TestOfflineReplayAppliesExactlyOnce(t *testing.T) {
	f := newFixture(t)

	// First visit: three edits, then disconnect.
	first := f.connect(t, "token-ada", "kb:page:offline")
	buffered := []crdt.Operation{
		{Client: "crdt-x", Seq: 1, Payload: []byte("one")},
		{Client: "crdt-x", Seq: 2, Payload: []byte("two")},
		{Client: "crdt-x", Seq: 3, Payload: []byte("three")},
	}
	for i := range buffered {
		if err := first.WriteJSON(Message{Type: TypeOp, Op: &buffered[i]}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := first.WriteJSON(Message{Type: TypeHeartbeat}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readType(t, first, TypeHeartbeatAck)
	first.Close()

	// Reconnect and replay the same ops through the sync request, the
	// offline client's catch-up path.
	second := f.connect(t, "token-ada", "kb:page:offline")
	if err := second.WriteJSON(Message{
		Type:        TypeSyncRequest,
		StateVector: crdt.StateVector{"crdt-x": 3},
		Ops:         buffered,
	}); err != nil {
		t.Fatalf("sync_request failed: %v", err)
	}
	resp := readType(t, second, TypeSyncResponse)
	if len(resp.Ops) != 0 {
		t.Fatalf("replay returned %d ops, want 0", len(resp.Ops))
	}

	live, ok := f.registry.Peek("kb:page:offline")
	if !ok {
		t.Fatal("no live session")
	}
	if got := live.StateVector()["crdt-x"]; got != 3 {
		t.Fatalf("server vector = %d, want exactly 3 (no loss, no duplication)", got)
	}
}

func TestMalformedOperationKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "token-ada", "kb:page:bad-op")

	bad := crdt.Operation{Client: "crdt-a", Seq: 0, Payload: nil}
	if err := conn.WriteJSON(Message{Type: TypeOp, Op: &bad}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The connection must survive and keep serving.
	if err := conn.WriteJSON(Message{Type: TypeHeartbeat}); err != nil {
		t.Fatalf("write after bad op failed: %v", err)
	}
	readType(t, conn, TypeHeartbeatAck)

	live, ok := f.registry.Peek("kb:page:bad-op")
	if !ok {
		t.Fatal("no live session")
	}
	if live.StateVector()["crdt-a"] != 0 {
		t.Fatal("malformed operation mutated state")
	}
}

func TestUnknownFrameIsProtocolViolation(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "token-ada", "kb:page:violation")

	if err := conn.WriteJSON(Message{Type: "exploit"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	rejected := readType(t, conn, TypeRejected)
	if rejected.Code != CodeProtocolViolation {
		t.Fatalf("code = %q, want %q", rejected.Code, CodeProtocolViolation)
	}
}

func TestPresenceRelayedNotPersisted(t *testing.T) {
	f := newFixture(t)
	clientA := f.connect(t, "token-ada", "kb:page:cursors")
	clientB := f.connect(t, "token-ada", "kb:page:cursors")

	if err := clientA.WriteJSON(Message{
		Type:     TypePresence,
		Presence: &presence.Update{Attrs: []byte(`{"cursor":12,"color":"#f80"}`)},
	}); err != nil {
		t.Fatalf("presence write failed: %v", err)
	}

	got := readType(t, clientB, TypePresence)
	if got.Presence == nil || got.Presence.UserID != "u-ada" {
		t.Fatalf("presence = %+v, want server-stamped u-ada", got.Presence)
	}

	// Presence never marks the session dirty or reaches storage.
	live, ok := f.registry.Peek("kb:page:cursors")
	if !ok {
		t.Fatal("no live session")
	}
	if live.Dirty() {
		t.Fatal("presence update marked the session dirty")
	}
	if f.store.SaveCount("kb:page:cursors") != 0 {
		t.Fatal("presence update reached durable storage")
	}
}

func TestDisconnectPublishesPresenceRetraction(t *testing.T) {
	f := newFixture(t)
	leaver := f.connect(t, "token-ada", "kb:page:leaving")
	watcher := f.connect(t, "token-ada", "kb:page:leaving")

	leaver.Close()

	got := readType(t, watcher, TypePresence)
	if got.Presence == nil || !got.Presence.Gone {
		t.Fatalf("presence = %+v, want a retraction", got.Presence)
	}
}

func TestEditsArePersistedAfterDebounce(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "token-ada", "kb:page:durable")

	op1 := crdt.Operation{Client: "crdt-a", Seq: 1, Payload: []byte("save me")}
	if err := conn.WriteJSON(Message{Type: TypeOp, Op: &op1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.store.SaveCount("kb:page:durable") == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if f.store.SaveCount("kb:page:durable") == 0 {
		t.Fatal("edit never persisted")
	}

	state, err := f.store.Load(context.Background(), "kb:page:durable")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	engine, err := crdt.Restore(state)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if engine.StateVector()["crdt-a"] != 1 {
		t.Fatal("persisted snapshot missing the edit")
	}
}
