// Package persist coordinates durable storage of document snapshots.
// Saves are debounced so bursts of edits become one write, and failed
// writes are retried with backoff without ever blocking live editing.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no snapshot exists for a
// document. A session created for such a document starts empty.
var ErrNotFound = errors.New("no persisted state")

// Store is a durable snapshot backend. Implementations must be safe
// for concurrent use by multiple sessions.
type Store interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, state []byte) error
}

// Flushable is the coordinator's view of a live session. TakeSnapshot
// copies the current state and clears the dirty flag atomically with
// respect to concurrent applies; MarkDirty re-arms it when a write has
// to be abandoned so the data-loss window stays observable.
type Flushable interface {
	DocumentID() string
	TakeSnapshot() (state []byte, dirty bool)
	MarkDirty()
}

// Notifier receives DocumentChanged events after a successful flush.
// Consumers are external collaborators such as cache invalidation or
// search reindexing; they must not block.
type Notifier interface {
	DocumentChanged(documentID string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(documentID string)

func (f NotifierFunc) DocumentChanged(documentID string) { f(documentID) }
