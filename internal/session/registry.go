package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tome/sync/internal/crdt"
	"tome/sync/internal/persist"
)

// ErrDraining is returned by GetOrCreate once shutdown has begun.
var ErrDraining = errors.New("session registry draining")

// Persister is the registry's slice of the persistence coordinator.
type Persister interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	ScheduleSave(session persist.Flushable)
	FlushNow(session persist.Flushable)
}

type entry struct {
	session *Session
	// handles counts callers holding the session: incremented by
	// GetOrCreate, decremented by Release. Eviction needs zero.
	handles int
	evict   *time.Timer
}

// Registry is the process-wide identifier-to-session map. It is the
// only structure shared across all sessions and connections; the
// find-or-create path is the one place a duplicate session could race
// into existence, so it runs entirely under the registry lock.
type Registry struct {
	persister Persister
	grace     time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	draining bool
}

// NewRegistry builds an empty registry. grace is how long an empty
// session lingers before eviction, covering rapid reconnects.
func NewRegistry(persister Persister, grace time.Duration) *Registry {
	return &Registry{
		persister: persister,
		grace:     grace,
		sessions:  make(map[string]*entry),
	}
}

// GetOrCreate returns the live session for a document, creating and
// loading it when none exists. Concurrent calls for the same identifier
// resolve to exactly one session: one caller wins creation, the rest
// block on the winner's initial load. Every successful return must be
// paired with a Release.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrDraining
	}

	if e, ok := r.sessions[documentID]; ok {
		e.handles++
		if e.evict != nil {
			e.evict.Stop()
			e.evict = nil
		}
		s := e.session
		r.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			r.Release(s)
			return nil, ctx.Err()
		}
		if s.loadErr != nil {
			r.Release(s)
			return nil, s.loadErr
		}
		return s, nil
	}

	s := newSession(documentID, r.persister)
	r.sessions[documentID] = &entry{session: s, handles: 1}
	r.mu.Unlock()

	engine, err := r.load(ctx, documentID)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, documentID)
		r.mu.Unlock()
		s.initialize(nil, err)
		return nil, err
	}
	s.initialize(engine, nil)
	return s, nil
}

func (r *Registry) load(ctx context.Context, documentID string) (*crdt.Engine, error) {
	state, err := r.persister.Load(ctx, documentID)
	if errors.Is(err, persist.ErrNotFound) {
		return crdt.NewEngine(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", documentID, err)
	}
	engine, err := crdt.Restore(state)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", documentID, err)
	}
	return engine, nil
}

// Release drops one handle on the session. When the last handle goes,
// an eviction timer starts; a reconnect within the grace period cancels
// it and reuses the in-memory state without touching storage.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[s.documentID]
	if !ok || e.session != s {
		return
	}
	if e.handles > 0 {
		e.handles--
	}
	if e.handles == 0 && !r.draining {
		documentID := s.documentID
		e.evict = time.AfterFunc(r.grace, func() {
			r.tryEvict(documentID, s)
		})
	}
}

// tryEvict removes an empty session after its grace period. Dirty state
// is flushed first; the eviction is abandoned if a connection arrived
// or new edits landed while the flush was in flight.
func (r *Registry) tryEvict(documentID string, s *Session) {
	r.mu.Lock()
	e, ok := r.sessions[documentID]
	if !ok || e.session != s || e.handles > 0 {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// Flush outside the registry lock; storage I/O must not stall
	// unrelated sessions.
	r.persister.FlushNow(s)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.sessions[documentID]
	if !ok || e.session != s || e.handles > 0 {
		// reused while flushing; keep it alive
		return
	}
	if s.Dirty() {
		// edits landed while the flush was in flight; removal now would
		// strand them, so hold the session for another grace period
		if !r.draining {
			e.evict = time.AfterFunc(r.grace, func() {
				r.tryEvict(documentID, s)
			})
		}
		return
	}
	delete(r.sessions, documentID)
}

// ActiveConnections reports how many connections are attached to the
// document's session, zero when no session is live.
func (r *Registry) ActiveConnections(documentID string) int {
	r.mu.Lock()
	e, ok := r.sessions[documentID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return e.session.ConnCount()
}

// Peek returns the live session for a document without creating one
// and without taking a handle. Read-only observability use.
func (r *Registry) Peek(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[documentID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain stops accepting new sessions, cancels eviction timers and
// flushes every dirty session. Called once during shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	toFlush := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.evict != nil {
			e.evict.Stop()
			e.evict = nil
		}
		toFlush = append(toFlush, e.session)
	}
	r.mu.Unlock()

	for _, s := range toFlush {
		select {
		case <-s.ready:
		default:
			continue // still loading, nothing to flush
		}
		if s.Dirty() {
			log.Printf("session: draining dirty session %s", s.documentID)
		}
		r.persister.FlushNow(s)
	}
}
