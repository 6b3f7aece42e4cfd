package persist

import (
	"context"
	"log"
	"sync"
	"time"
)

// Options configures the save cadence and retry policy.
type Options struct {
	// DebounceInterval delays a flush from the first dirty-mark so a
	// burst of edits coalesces into one write.
	DebounceInterval time.Duration
	// WriteTimeout bounds one Save attempt.
	WriteTimeout time.Duration
	// MaxRetries bounds how often a failed Save is retried before the
	// session is re-marked dirty and the failure escalated to the log.
	MaxRetries int
}

func (o *Options) withDefaults() {
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
}

// Coordinator debounces and batches session snapshots into a Store.
type Coordinator struct {
	store Store
	opts  Options

	mu        sync.Mutex
	timers    map[string]*time.Timer
	flushing  map[string]*sync.Mutex
	lastSaved map[string]time.Time
	notifiers []Notifier
	closed    bool
}

func NewCoordinator(store Store, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		store:     store,
		opts:      opts,
		timers:    make(map[string]*time.Timer),
		flushing:  make(map[string]*sync.Mutex),
		lastSaved: make(map[string]time.Time),
	}
}

// AddNotifier registers a DocumentChanged consumer. Not safe to call
// after traffic starts; wire notifiers during startup.
func (c *Coordinator) AddNotifier(n Notifier) {
	c.notifiers = append(c.notifiers, n)
}

// Load reads the persisted snapshot for a document. Called once per
// session creation.
func (c *Coordinator) Load(ctx context.Context, documentID string) ([]byte, error) {
	return c.store.Load(ctx, documentID)
}

// ScheduleSave arranges a flush after the debounce interval. Repeated
// calls within the interval coalesce into the single already-pending
// flush; the timer runs from the first mark, not the last.
func (c *Coordinator) ScheduleSave(session Flushable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	documentID := session.DocumentID()
	if _, pending := c.timers[documentID]; pending {
		return
	}
	c.timers[documentID] = time.AfterFunc(c.opts.DebounceInterval, func() {
		c.mu.Lock()
		delete(c.timers, documentID)
		c.mu.Unlock()
		c.Flush(session)
	})
}

// FlushNow cancels any pending debounce timer and flushes immediately.
// Used on session eviction and shutdown drain.
func (c *Coordinator) FlushNow(session Flushable) {
	c.mu.Lock()
	if timer, ok := c.timers[session.DocumentID()]; ok {
		timer.Stop()
		delete(c.timers, session.DocumentID())
	}
	c.mu.Unlock()
	c.Flush(session)
}

// Flush snapshots the session and writes the record. The snapshot is
// taken under the session's own lock; the write happens outside any
// lock so ongoing applies are never blocked by storage I/O. Flushes for
// the same document are serialized; a failed write re-marks the session
// dirty so the pending state stays visible.
func (c *Coordinator) Flush(session Flushable) {
	documentID := session.DocumentID()
	lock := c.flushLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	state, dirty := session.TakeSnapshot()
	if !dirty {
		return
	}

	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		err := c.store.Save(ctx, documentID, state)
		cancel()
		if err == nil {
			now := time.Now()
			c.mu.Lock()
			c.lastSaved[documentID] = now
			notifiers := c.notifiers
			c.mu.Unlock()
			for _, n := range notifiers {
				n.DocumentChanged(documentID)
			}
			return
		}

		if attempt >= c.opts.MaxRetries {
			// Accepted bounded-durability trade-off: the edit window
			// stays dirty, never silently treated as flushed.
			log.Printf("persist: giving up on %s after %d attempts: %v", documentID, attempt, err)
			session.MarkDirty()
			return
		}
		log.Printf("persist: save %s attempt %d failed, retrying in %s: %v", documentID, attempt, backoff, err)
		time.Sleep(backoff)
		if backoff < 8*time.Second {
			backoff *= 2
		}

		// Pick up edits that landed during the backoff.
		if fresh, stillDirty := session.TakeSnapshot(); stillDirty {
			state = fresh
		}
	}
}

func (c *Coordinator) flushLock(documentID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.flushing[documentID]
	if !ok {
		lock = &sync.Mutex{}
		c.flushing[documentID] = lock
	}
	return lock
}

// Pending reports whether a debounced flush is scheduled for the
// document.
func (c *Coordinator) Pending(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, pending := c.timers[documentID]
	return pending
}

// LastPersistedAt returns when the document was last flushed by this
// process, if it has been.
func (c *Coordinator) LastPersistedAt(documentID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.lastSaved[documentID]
	return at, ok
}

// Close stops all pending timers. Callers drain sessions with FlushNow
// before closing.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for documentID, timer := range c.timers {
		timer.Stop()
		delete(c.timers, documentID)
	}
}
