package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSession is a minimal Flushable with an atomically snapshotted
// payload, mirroring how a live session hands state to the coordinator.
type fakeSession struct {
	id    string
	mu    sync.Mutex
	state []byte
	dirty bool
}

func (f *fakeSession) DocumentID() string { return f.id }

func (f *fakeSession) TakeSnapshot() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil, false
	}
	f.dirty = false
	out := make([]byte, len(f.state))
	copy(out, f.state)
	return out, true
}

func (f *fakeSession) MarkDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty = true
}

func (f *fakeSession) edit(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = []byte(state)
	f.dirty = true
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestDebounceCoalescesBurst(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator(store, Options{DebounceInterval: 50 * time.Millisecond})
	defer c.Close()

	session := &fakeSession{id: "kb:page:burst"}
	for i := 0; i < 10; i++ {
		session.edit("state")
		c.ScheduleSave(session)
	}

	waitFor(t, time.Second, func() bool { return store.SaveCount("kb:page:burst") > 0 })
	time.Sleep(100 * time.Millisecond)

	if got := store.SaveCount("kb:page:burst"); got != 1 {
		t.Fatalf("burst of 10 marks produced %d flushes, want 1", got)
	}
}

func TestDebounceSeparateGroupsFlushSeparately(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator(store, Options{DebounceInterval: 30 * time.Millisecond})
	defer c.Close()

	session := &fakeSession{id: "kb:page:groups"}

	session.edit("first")
	c.ScheduleSave(session)
	waitFor(t, time.Second, func() bool { return store.SaveCount("kb:page:groups") == 1 })

	session.edit("second")
	c.ScheduleSave(session)
	waitFor(t, time.Second, func() bool { return store.SaveCount("kb:page:groups") == 2 })
}

func TestFlushWritesLatestState(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator(store, Options{DebounceInterval: 50 * time.Millisecond})
	defer c.Close()

	session := &fakeSession{id: "kb:page:latest"}
	session.edit("early")
	c.ScheduleSave(session)
	// Edits landing inside the debounce window ride the pending flush.
	session.edit("final")

	waitFor(t, time.Second, func() bool { return store.SaveCount("kb:page:latest") == 1 })
	state, err := store.Load(context.Background(), "kb:page:latest")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(state) != "final" {
		t.Fatalf("persisted %q, want %q", state, "final")
	}
}

func TestFlushNowSkipsDebounce(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator(store, Options{DebounceInterval: time.Hour})
	defer c.Close()

	session := &fakeSession{id: "kb:page:drain"}
	session.edit("state")
	c.ScheduleSave(session)

	if !c.Pending("kb:page:drain") {
		t.Fatal("expected pending flush after ScheduleSave")
	}
	c.FlushNow(session)

	if store.SaveCount("kb:page:drain") != 1 {
		t.Fatalf("FlushNow wrote %d times, want 1", store.SaveCount("kb:page:drain"))
	}
	if c.Pending("kb:page:drain") {
		t.Fatal("timer still pending after FlushNow")
	}
	if _, ok := c.LastPersistedAt("kb:page:drain"); !ok {
		t.Fatal("LastPersistedAt unset after successful flush")
	}
}

func TestCleanSessionDoesNotWrite(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator(store, Options{})
	defer c.Close()

	c.FlushNow(&fakeSession{id: "kb:page:clean"})
	if store.SaveCount("kb:page:clean") != 0 {
		t.Fatal("flush of a clean session wrote to storage")
	}
}

type failingStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (s *failingStore) Save(ctx context.Context, documentID string, state []byte) error {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("storage unavailable")
	}
	return s.MemoryStore.Save(ctx, documentID, state)
}

func TestFlushRetriesWithBackoff(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	c := NewCoordinator(store, Options{DebounceInterval: time.Millisecond, MaxRetries: 5})
	defer c.Close()

	session := &fakeSession{id: "kb:page:flaky"}
	session.edit("state")
	c.FlushNow(session)

	if store.SaveCount("kb:page:flaky") != 1 {
		t.Fatalf("retry path wrote %d times, want 1", store.SaveCount("kb:page:flaky"))
	}
}

func TestFlushGivesUpAndRemarkDirty(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(100)
	c := NewCoordinator(store, Options{MaxRetries: 2})
	defer c.Close()

	session := &fakeSession{id: "kb:page:down"}
	session.edit("state")
	c.FlushNow(session)

	if _, dirty := session.TakeSnapshot(); !dirty {
		t.Fatal("session not re-marked dirty after flush gave up")
	}
	if _, ok := c.LastPersistedAt("kb:page:down"); ok {
		t.Fatal("LastPersistedAt set despite failed flush")
	}
}

func TestDocumentChangedFiredOnFlush(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator(store, Options{DebounceInterval: time.Millisecond})

	var changed atomic.Int32
	c.AddNotifier(NotifierFunc(func(documentID string) {
		if documentID == "kb:page:notify" {
			changed.Add(1)
		}
	}))

	session := &fakeSession{id: "kb:page:notify"}
	session.edit("state")
	c.FlushNow(session)

	if changed.Load() != 1 {
		t.Fatalf("DocumentChanged fired %d times, want 1", changed.Load())
	}
	c.Close()
}
