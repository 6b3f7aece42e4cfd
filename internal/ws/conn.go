package ws

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tome/sync/internal/auth"
	"tome/sync/internal/crdt"
	"tome/sync/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Conn is one client connection attached to a session. It implements
// session.Conn for operation fan-out and presence.Receiver for
// ephemeral updates. A dedicated write pump serializes all outbound
// frames; inbound frames are handled on the read loop, which preserves
// the per-connection FIFO apply order.
type Conn struct {
	id         string
	ws         *websocket.Conn
	documentID string
	principal  auth.Principal

	send      chan Message
	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	// writeMu serializes data-frame writes; the transport permits only
	// one concurrent writer, and reject may race the write pump.
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn, id string) *Conn {
	c := &Conn{
		id:   id,
		ws:   ws,
		send: make(chan Message, sendBufferSize),
		done: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string { return c.id }

// State returns the connection's protocol phase.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Deliver enqueues an operation broadcast. Operations must not be
// silently dropped, so a consumer too slow to keep its buffer clear is
// disconnected and left to resync on reconnect.
func (c *Conn) Deliver(op crdt.Operation) {
	select {
	case c.send <- Message{Type: TypeOp, Op: &op}:
	default:
		log.Printf("ws: closing slow consumer %s on %s", c.id, c.documentID)
		c.close(websocket.ClosePolicyViolation, "send buffer overflow")
	}
}

// DeliverPresence enqueues a presence update. Presence is lossy; under
// backpressure the update is dropped, never the connection.
func (c *Conn) DeliverPresence(u presence.Update) {
	select {
	case c.send <- Message{Type: TypePresence, Presence: &u}:
	default:
	}
}

// enqueue queues a protocol reply, closing the connection when the
// buffer is beyond full.
func (c *Conn) enqueue(msg Message) {
	select {
	case c.send <- msg:
	default:
		c.close(websocket.ClosePolicyViolation, "send buffer overflow")
	}
}

// writePump owns all writes to the websocket. It also keeps the
// transport alive with pings so intermediaries do not cut idle
// connections between heartbeats.
func (c *Conn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeJSON(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// reject sends a rejection frame and closes the connection.
func (c *Conn) reject(code string) {
	_ = c.writeJSON(Message{Type: TypeRejected, Code: code})
	c.close(websocket.ClosePolicyViolation, code)
}

func (c *Conn) close(closeCode int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(closeCode, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
}
