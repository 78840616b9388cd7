package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/event"
)

func newTestSource(t *testing.T, path string) *JSONLSource {
	t.Helper()
	s, err := NewJSONLSource(SourceConfig{Path: path, Fields: DefaultFields()}, nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func poll(t *testing.T, s *JSONLSource) []event.Event {
	t.Helper()
	out := make(chan event.Event, 128)
	require.NoError(t, s.Poll(context.Background(), out))
	close(out)
	var evs []event.Event
	for ev := range out {
		evs = append(evs, ev)
	}
	return evs
}

func write(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestNewJSONLSource_RequiresPath(t *testing.T) {
	_, err := NewJSONLSource(SourceConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestJSONLSource_ReadsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","headline":"Markets","body":"A B C D E F","timestamp":1700000000}`+"\n"+
		`{"id":2,"headline":"Sports","text":"goal"}`+"\n")

	evs := poll(t, newTestSource(t, path))
	require.Len(t, evs, 2)

	doc := evs[0].Document()
	assert.Equal(t, "1", doc.ID())
	assert.Equal(t, "A B C D E F", doc.Content())
	assert.Equal(t, "Markets", doc.Metadata()["headline"])
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), doc.Timestamp())

	doc = evs[1].Document()
	assert.Equal(t, "2", doc.ID())
	assert.Equal(t, "goal", doc.Content())
	assert.Less(t, evs[0].Seq(), evs[1].Seq())
}

func TestJSONLSource_PartialLineWaits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"one"}`+"\n"+`{"id":"2","bo`)
	s := newTestSource(t, path)

	evs := poll(t, s)
	require.Len(t, evs, 1)

	appendTo(t, path, `dy":"two"}`+"\n")
	evs = poll(t, s)
	require.Len(t, evs, 1)
	assert.Equal(t, "2", evs[0].DocID())
}

func TestJSONLSource_UpdatesAndDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"old"}`+"\n")
	s := newTestSource(t, path)
	require.Len(t, poll(t, s), 1)

	appendTo(t, path, `{"id":"1","body":"old"}`+"\n"+`{"id":"1","body":"new"}`+"\n")
	evs := poll(t, s)
	require.Len(t, evs, 1, "unchanged duplicate is suppressed")
	doc := evs[0].Document()
	assert.Equal(t, "new", doc.Content())
	assert.Equal(t, int64(2), doc.Version())
}

func TestJSONLSource_DeletedField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"x"}`+"\n"+`{"id":"1","deleted":true}`+"\n"+`{"id":"9","deleted":true}`+"\n")

	evs := poll(t, newTestSource(t, path))
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindUpsert, evs[0].Kind())
	assert.Equal(t, event.KindDelete, evs[1].Kind())
	assert.Equal(t, "1", evs[1].DocID())
}

func TestJSONLSource_SkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, "not json\n"+
		`{"id":"1"}`+"\n"+
		`{"id":{"x":1},"body":"x"}`+"\n"+
		`{"id":"2","body":42}`+"\n"+
		"\n"+
		`{"id":"3","body":["tuple body"]}`+"\n")

	evs := poll(t, newTestSource(t, path))
	require.Len(t, evs, 1)
	doc := evs[0].Document()
	assert.Equal(t, "3", doc.ID())
	assert.Equal(t, "tuple body", doc.Content())
}

func TestJSONLSource_TruncationDeletesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"one"}`+"\n"+`{"id":"2","body":"two"}`+"\n")
	s := newTestSource(t, path)
	require.Len(t, poll(t, s), 2)

	write(t, path, `{"id":"2","body":"two"}`+"\n")
	evs := poll(t, s)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindDelete, evs[0].Kind())
	assert.Equal(t, "1", evs[0].DocID())
}

func TestJSONLSource_InPlaceRewriteRereads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"one"}`+"\n")
	s := newTestSource(t, path)
	require.Len(t, poll(t, s), 1)

	write(t, path, `{"id":"2","body":"two"}`+"\n"+`{"id":"3","body":"three"}`+"\n")
	evs := poll(t, s)
	require.Len(t, evs, 3)
	assert.Equal(t, event.KindUpsert, evs[0].Kind())
	assert.Equal(t, "2", evs[0].DocID())
	assert.Equal(t, event.KindUpsert, evs[1].Kind())
	assert.Equal(t, "3", evs[1].DocID())
	assert.Equal(t, event.KindDelete, evs[2].Kind())
	assert.Equal(t, "1", evs[2].DocID())
}

func TestJSONLSource_SameSizeRewriteRereads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"aaa"}`+"\n")
	s := newTestSource(t, path)
	require.Len(t, poll(t, s), 1)

	write(t, path, `{"id":"9","body":"aaa"}`+"\n")
	evs := poll(t, s)
	require.Len(t, evs, 2)
	assert.Equal(t, "9", evs[0].DocID())
	assert.Equal(t, event.KindDelete, evs[1].Kind())
	assert.Equal(t, "1", evs[1].DocID())
}

func TestJSONLSource_AppendKeepsOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"one"}`+"\n")
	s := newTestSource(t, path)
	require.Len(t, poll(t, s), 1)

	appendTo(t, path, `{"id":"2","body":"two"}`+"\n")
	evs := poll(t, s)
	require.Len(t, evs, 1)
	assert.Equal(t, "2", evs[0].DocID())
	assert.Empty(t, poll(t, s))
}

func TestJSONLSource_RemovedFileDeletesItsDocuments(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	write(t, a, `{"id":"1","body":"one"}`+"\n")
	write(t, b, `{"id":"2","body":"two"}`+"\n")
	write(t, filepath.Join(dir, "ignored.txt"), `{"id":"3","body":"three"}`+"\n")

	s := newTestSource(t, dir)
	require.Len(t, poll(t, s), 2)

	require.NoError(t, os.Remove(a))
	evs := poll(t, s)
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindDelete, evs[0].Kind())
	assert.Equal(t, "1", evs[0].DocID())
}

func TestJSONLSource_AnonymousRecordsKeyedByLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"headline":"h","body":"a"}`+"\n"+`{"headline":"h","body":"b"}`+"\n")

	evs := poll(t, newTestSource(t, path))
	require.Len(t, evs, 2)
	assert.NotEqual(t, evs[0].DocID(), evs[1].DocID())
}

func TestJSONLSource_RunStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	write(t, path, `{"id":"1","body":"one"}`+"\n")
	s, err := NewJSONLSource(SourceConfig{
		Path:         path,
		PollInterval: 10 * time.Millisecond,
		UseFSNotify:  true,
	}, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan event.Event, 8)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	select {
	case ev := <-out:
		assert.Equal(t, "1", ev.DocID())
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	appendTo(t, path, `{"id":"2","body":"two"}`+"\n")
	select {
	case ev := <-out:
		assert.Equal(t, "2", ev.DocID())
	case <-time.After(5 * time.Second):
		t.Fatal("appended record not detected")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestParseRecord_Errors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason string
	}{
		{"invalid json", `{`, "invalid_json"},
		{"empty id", `{"id":"","body":"x"}`, "invalid_id"},
		{"missing text", `{"id":"1"}`, "missing_text"},
		{"non-string text", `{"id":"1","body":true}`, "invalid_text"},
		{"non-bool deleted", `{"id":"1","deleted":"yes"}`, "invalid_deleted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRecord([]byte(tt.line), DefaultFields())
			require.ErrorIs(t, err, domain.ErrMalformedRecord)
			var mr *domain.MalformedRecordError
			require.ErrorAs(t, err, &mr)
			assert.Equal(t, tt.reason, mr.Reason)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := parseTimestamp("2026-03-01T10:00:00Z")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	_, ok = parseTimestamp("yesterday")
	assert.False(t, ok)
	_, ok = parseTimestamp(nil)
	assert.False(t, ok)
}
