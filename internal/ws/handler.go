package ws

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tome/sync/internal/auth"
	"tome/sync/internal/crdt"
	"tome/sync/internal/presence"
	"tome/sync/internal/session"
	"tome/sync/internal/util"
)

const handshakeWait = 10 * time.Second

// Handler upgrades inbound connections and drives each one through the
// protocol state machine: Connecting, Authenticating, Syncing, Live,
// Closed. Authentication happens strictly before any session is found
// or created.
type Handler struct {
	authenticator    *auth.Authenticator
	registry         *session.Registry
	presence         *presence.Broadcaster
	heartbeatTimeout time.Duration
	upgrader         websocket.Upgrader

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewHandler(authenticator *auth.Authenticator, registry *session.Registry, broadcaster *presence.Broadcaster, heartbeatTimeout time.Duration) *Handler {
	return &Handler{
		authenticator:    authenticator,
		registry:         registry,
		presence:         broadcaster,
		heartbeatTimeout: heartbeatTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

func (h *Handler) track(conn *Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Shutdown closes every live connection with a going-away code. The
// HTTP server's own shutdown does not touch hijacked connections, so
// this runs before the session drain.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	open := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		open = append(open, conn)
	}
	h.mu.Unlock()

	for _, conn := range open {
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	conn := newConn(ws, util.NewID("conn"))
	h.track(conn)
	defer h.untrack(conn)
	h.serve(r, conn)
}

func (h *Handler) serve(r *http.Request, conn *Conn) {
	defer conn.close(websocket.CloseNormalClosure, "")

	// Connecting: the first frame must be a handshake.
	_ = conn.ws.SetReadDeadline(time.Now().Add(handshakeWait))
	var hello Message
	if err := conn.ws.ReadJSON(&hello); err != nil {
		conn.reject(CodeProtocolViolation)
		return
	}
	if hello.Type != TypeHandshake || hello.DocumentID == "" {
		conn.reject(CodeProtocolViolation)
		return
	}

	// Authenticating: refuse before any session state is touched.
	conn.setState(StateAuthenticating)
	principal, err := h.authenticator.Authenticate(r.Context(), hello.Credential, hello.DocumentID)
	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		conn.reject(CodeInvalidCredential)
		return
	case errors.Is(err, auth.ErrNotAuthorized):
		conn.reject(CodeNotAuthorized)
		return
	case err != nil:
		log.Printf("ws: authenticate %s: %v", hello.DocumentID, err)
		conn.reject(CodeServerError)
		return
	}
	conn.documentID = hello.DocumentID
	conn.principal = principal

	s, err := h.registry.GetOrCreate(r.Context(), hello.DocumentID)
	if err != nil {
		log.Printf("ws: session %s: %v", hello.DocumentID, err)
		conn.reject(CodeServerError)
		return
	}
	defer h.registry.Release(s)

	s.Attach(conn)
	defer s.Detach(conn)
	h.presence.Join(hello.DocumentID, conn)
	defer h.presence.Leave(hello.DocumentID, conn, presence.Update{
		ConnID:      conn.id,
		UserID:      principal.UserID,
		DisplayName: principal.DisplayName,
	})

	go conn.writePump(h.heartbeatTimeout * 9 / 10)

	// Syncing: advertise our vector; the client answers with a
	// sync_request carrying its own vector and any buffered ops.
	conn.setState(StateSyncing)
	conn.enqueue(Message{Type: TypeHandshakeAck, StateVector: s.StateVector()})

	h.readLoop(conn, s)
}

// readLoop applies inbound frames in arrival order until the transport
// closes or the idle timeout hits. One malformed operation never tears
// the connection down; a frame outside the protocol does.
func (h *Handler) readLoop(conn *Conn, s *session.Session) {
	resetDeadline := func() {
		_ = conn.ws.SetReadDeadline(time.Now().Add(h.heartbeatTimeout))
	}
	conn.ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})
	resetDeadline()

	for {
		var msg Message
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: read %s on %s: %v", conn.id, conn.documentID, err)
			}
			return
		}
		resetDeadline()

		switch msg.Type {
		case TypeSyncRequest:
			// Reconciliation: buffered offline ops ride the request.
			// Idempotent apply makes replays safe.
			for _, op := range msg.Ops {
				h.apply(conn, s, op)
			}
			conn.enqueue(Message{
				Type:        TypeSyncResponse,
				Ops:         s.DiffSince(msg.StateVector),
				StateVector: s.StateVector(),
			})
			conn.setState(StateLive)

		case TypeOp:
			if msg.Op == nil {
				conn.reject(CodeProtocolViolation)
				return
			}
			h.apply(conn, s, *msg.Op)

		case TypePresence:
			if msg.Presence == nil {
				continue
			}
			// Identity is stamped server-side; clients only control
			// the ephemeral attrs.
			h.presence.Publish(conn.documentID, conn, presence.Update{
				ConnID:      conn.id,
				UserID:      conn.principal.UserID,
				DisplayName: conn.principal.DisplayName,
				Attrs:       msg.Presence.Attrs,
			})

		case TypeHeartbeat:
			conn.enqueue(Message{Type: TypeHeartbeatAck})

		default:
			log.Printf("ws: protocol violation from %s: unknown type %q", conn.id, msg.Type)
			conn.reject(CodeProtocolViolation)
			return
		}
	}
}

// apply merges one operation into the session. Malformed operations
// are logged and dropped; the session and the connection keep going.
func (h *Handler) apply(conn *Conn, s *session.Session, op crdt.Operation) {
	if err := s.Apply(conn, op); err != nil {
		if errors.Is(err, crdt.ErrMalformedOperation) {
			log.Printf("ws: dropped malformed op from %s on %s: %v", conn.id, conn.documentID, err)
			return
		}
		log.Printf("ws: apply from %s on %s: %v", conn.id, conn.documentID, err)
	}
}
