// Package search pushes changed-document markers to Meilisearch so the
// external search collaborator can schedule reindexing. The sync core
// never reads the index; it only signals.
package search

import (
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxDocuments = "tome_documents"

// ChangedRecord is what lands in the index on a flush: enough for the
// search pipeline to find documents needing a content re-crawl.
type ChangedRecord struct {
	ID        string `json:"id"`
	ChangedAt int64  `json:"changedAt"`
}

// Reindexer consumes DocumentChanged events and marks the document in
// Meilisearch. It implements persist.Notifier. Indexing is best
// effort: when the search backend is down, events are dropped after a
// log line, never queued unboundedly and never blocking a flush.
type Reindexer struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	queue   chan ChangedRecord
	done    chan struct{}
}

// NewReindexer creates a Meilisearch client and configures the index.
// The initial connection failing is tolerated; the health loop retries.
func NewReindexer(url, apiKey string) *Reindexer {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	r := &Reindexer{
		client: client,
		queue:  make(chan ChangedRecord, 256),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		r.healthy.Store(false)
	} else {
		r.healthy.Store(true)
		r.configureIndex()
	}

	go r.healthLoop()
	go r.indexLoop()
	return r
}

func (r *Reindexer) configureIndex() {
	if _, err := r.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxDocuments, err)
	}
}

func (r *Reindexer) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			_, err := r.client.Health()
			wasHealthy := r.healthy.Load()
			r.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				r.configureIndex()
			}
		}
	}
}

func (r *Reindexer) indexLoop() {
	for {
		select {
		case <-r.done:
			return
		case record := <-r.queue:
			if !r.healthy.Load() {
				continue
			}
			if _, err := r.client.Index(idxDocuments).AddDocuments([]ChangedRecord{record}, nil); err != nil {
				r.healthy.Store(false)
				log.Printf("search: index %s: %v", record.ID, err)
			}
		}
	}
}

// DocumentChanged queues a reindex marker. Non-blocking.
func (r *Reindexer) DocumentChanged(documentID string) {
	record := ChangedRecord{ID: documentID, ChangedAt: time.Now().Unix()}
	select {
	case r.queue <- record:
	default:
		log.Printf("search: reindex queue full, dropping %s", documentID)
	}
}

// Healthy reports whether Meilisearch is reachable.
func (r *Reindexer) Healthy() bool {
	return r.healthy.Load()
}

// Close stops the background loops.
func (r *Reindexer) Close() {
	close(r.done)
}
