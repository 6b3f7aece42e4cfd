// Package session owns the live, in-memory state of collaboratively
// edited documents. Exactly one Session exists per document identifier
// at a time; its CRDT engine is mutated only under the session's own
// lock, so different documents run fully in parallel.
package session

import (
	"sync"

	"tome/sync/internal/crdt"
	"tome/sync/internal/persist"
)

// Conn is the session's view of an attached connection. Deliver must
// not block; the connection buffers or drops on its own terms.
type Conn interface {
	ID() string
	Deliver(op crdt.Operation)
}

// Saver schedules debounced persistence for a dirty session.
type Saver interface {
	ScheduleSave(session persist.Flushable)
}

// Session is the runtime entity for one document: its engine, the set
// of attached connections and the dirty flag driving persistence.
type Session struct {
	documentID string
	saver      Saver

	mu     sync.Mutex
	engine *crdt.Engine
	dirty  bool

	connsMu sync.RWMutex
	conns   map[Conn]struct{}

	// creation barrier: closed once the initial load finished
	ready   chan struct{}
	loadErr error
}

func newSession(documentID string, saver Saver) *Session {
	return &Session{
		documentID: documentID,
		saver:      saver,
		conns:      make(map[Conn]struct{}),
		ready:      make(chan struct{}),
	}
}

func (s *Session) DocumentID() string {
	return s.documentID
}

// Apply merges an operation from a connection into the document and
// rebroadcasts it to every other attached connection. A structurally
// invalid operation is rejected without touching state; the error is
// the caller's to log, the session keeps serving.
func (s *Session) Apply(from Conn, op crdt.Operation) error {
	s.mu.Lock()
	before := s.engine.StateVector()
	if err := s.engine.Apply(op); err != nil {
		s.mu.Unlock()
		return err
	}
	// An op that fills a gap also releases buffered successors, so fan
	// out everything that became part of the state, not just this op.
	integrated := s.engine.DiffSince(before)
	if len(integrated) > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if len(integrated) == 0 {
		// duplicate or buffered behind a gap; nothing new to fan out
		return nil
	}

	for _, newOp := range integrated {
		s.broadcast(from, newOp)
	}
	s.saver.ScheduleSave(s)
	return nil
}

func (s *Session) broadcast(from Conn, op crdt.Operation) {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	for c := range s.conns {
		if c == from {
			continue
		}
		c.Deliver(op)
	}
}

// DiffSince returns the operations a peer at the given vector is
// missing.
func (s *Session) DiffSince(v crdt.StateVector) []crdt.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.DiffSince(v)
}

// StateVector returns the session's current vector.
func (s *Session) StateVector() crdt.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.StateVector()
}

// TakeSnapshot copies the state for persistence and clears the dirty
// flag. The serialization happens under the session lock; the caller
// performs storage I/O outside of it.
func (s *Session) TakeSnapshot() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil, false
	}
	s.dirty = false
	return s.engine.Snapshot(), true
}

// MarkDirty re-arms the dirty flag after an abandoned flush.
func (s *Session) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// Dirty reports whether edits are awaiting persistence.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Attach adds a connection to the broadcast set.
func (s *Session) Attach(c Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

// Detach removes a connection from the broadcast set.
func (s *Session) Detach(c Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// ConnCount returns the number of attached connections.
func (s *Session) ConnCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// initialize installs the engine after the initial load and releases
// waiters. Called exactly once by the registry.
func (s *Session) initialize(engine *crdt.Engine, err error) {
	s.mu.Lock()
	s.engine = engine
	s.loadErr = err
	s.mu.Unlock()
	close(s.ready)
}
