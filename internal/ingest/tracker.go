// Package ingest turns a changing source of records into an ordered stream of
// document change events.
package ingest

import (
	"sync"

	"github.com/kailas-cloud/streamdex/internal/domain/document"
	"github.com/kailas-cloud/streamdex/internal/domain/event"
	"github.com/kailas-cloud/streamdex/internal/metrics"
)

type tracked struct {
	contentHash  string
	metadataHash string
	version      int64
	unconfirmed  bool // last event for this id was not delivered
}

// Tracker diffs observed documents against the last known state of each id and
// stamps emitted events with a strictly increasing sequence number.
// Safe for concurrent use; events for one id are sequenced in call order.
type Tracker struct {
	mu   sync.Mutex
	seq  uint64
	docs map[string]tracked
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{docs: map[string]tracked{}}
}

// Observe records doc and returns an upsert event if the document is new or its
// content or metadata changed. The version is bumped only on content change.
func (t *Tracker) Observe(doc document.Document) (event.Event, bool) {
	ch, mh := doc.ContentHash(), doc.MetadataHash()

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.docs[doc.ID()]
	if known && !prev.unconfirmed && prev.contentHash == ch && prev.metadataHash == mh {
		return event.Event{}, false
	}

	version := int64(1)
	if known {
		version = prev.version
		if prev.contentHash != ch {
			version++
		}
	}
	t.docs[doc.ID()] = tracked{contentHash: ch, metadataHash: mh, version: version}

	t.seq++
	metrics.IngestEventsTotal.WithLabelValues(string(event.KindUpsert)).Inc()
	return event.NewUpsert(t.seq, doc.WithVersion(version)), true
}

// Remove forgets id and returns a delete event if id was known.
func (t *Tracker) Remove(id string) (event.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.docs[id]; !ok {
		return event.Event{}, false
	}
	delete(t.docs, id)

	t.seq++
	metrics.IngestEventsTotal.WithLabelValues(string(event.KindDelete)).Inc()
	return event.NewDelete(t.seq, id), true
}

// Invalidate marks id's state as unconfirmed after its event could not be
// delivered: the next Observe emits an upsert and the next Remove a delete.
// The content hash is kept, so re-sending the same content keeps its version.
func (t *Tracker) Invalidate(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.docs[id]
	prev.unconfirmed = true
	t.docs[id] = prev
}

// Known reports whether id is currently present.
func (t *Tracker) Known(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.docs[id]
	return ok
}

// Len returns the number of present documents.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs)
}

// Seq returns the last assigned sequence number.
func (t *Tracker) Seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}
