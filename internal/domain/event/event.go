package event

import "github.com/kailas-cloud/streamdex/internal/domain/document"

// Kind is the type of a source change.
type Kind string

// Event kinds.
const (
	KindUpsert Kind = "upsert"
	KindDelete Kind = "delete"
)

// Event is an ordered change notification produced by the ingestion watcher.
type Event struct {
	kind  Kind
	seq   uint64
	docID string
	doc   document.Document
}

// NewUpsert creates an upsert event carrying the full document.
func NewUpsert(seq uint64, doc document.Document) Event {
	return Event{kind: KindUpsert, seq: seq, docID: doc.ID(), doc: doc}
}

// NewDelete creates a delete event for a document id.
func NewDelete(seq uint64, docID string) Event {
	return Event{kind: KindDelete, seq: seq, docID: docID}
}

// Kind returns the event kind.
func (e *Event) Kind() Kind { return e.kind }

// Seq returns the strictly increasing sequence number assigned by the watcher.
func (e *Event) Seq() uint64 { return e.seq }

// DocID returns the affected document id.
func (e *Event) DocID() string { return e.docID }

// Document returns the document of an upsert event.
func (e *Event) Document() document.Document { return e.doc }
