package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kailas-cloud/streamdex/internal/domain"
	"github.com/kailas-cloud/streamdex/internal/domain/document"
	"github.com/kailas-cloud/streamdex/internal/domain/event"
	"github.com/kailas-cloud/streamdex/internal/metrics"
)

// DefaultPollInterval bounds change detection latency when no notification arrives.
const DefaultPollInterval = 500 * time.Millisecond

// Fields maps record keys onto document fields.
type Fields struct {
	ID           string
	Text         string
	FallbackText string
	Metadata     []string
	Timestamp    string
	Deleted      string
}

// DefaultFields matches news feeds of the form {"id", "headline", "body"}.
func DefaultFields() Fields {
	return Fields{
		ID:           "id",
		Text:         "body",
		FallbackText: "text",
		Metadata:     []string{"headline"},
		Timestamp:    "timestamp",
		Deleted:      "deleted",
	}
}

// SourceConfig configures a JSONLSource.
type SourceConfig struct {
	// Path is a .jsonl file or a directory of *.jsonl files.
	Path         string
	PollInterval time.Duration
	UseFSNotify  bool
	Fields       Fields
}

// fingerprintBytes is how much of a file's head is hashed to detect in-place rewrites.
const fingerprintBytes = 4096

type fileState struct {
	info   os.FileInfo
	offset int64
	ids    map[string]struct{} // ids this file currently contributes

	// Fingerprint of consumed bytes: the file head and the last consumed line.
	headLen   int64
	headSum   [sha256.Size]byte
	tailStart int64
	tailSum   [sha256.Size]byte
}

func (st *fileState) rewind() (previous map[string]struct{}) {
	previous = st.ids
	*st = fileState{info: st.info, ids: map[string]struct{}{}}
	return previous
}

// consumedUnchanged reports whether the bytes before offset still carry the
// recorded fingerprint.
func (st *fileState) consumedUnchanged(f io.ReaderAt) (bool, error) {
	head, err := hashRange(f, 0, st.headLen)
	if err != nil || head != st.headSum {
		return false, err
	}
	tail, err := hashRange(f, st.tailStart, st.offset-st.tailStart)
	if err != nil {
		return false, err
	}
	return tail == st.tailSum, nil
}

func (st *fileState) remember(f io.ReaderAt, tailStart int64, tail []byte) error {
	st.tailStart = tailStart
	st.tailSum = sha256.Sum256(tail)
	want := min(st.offset, fingerprintBytes)
	if want == st.headLen {
		return nil
	}
	sum, err := hashRange(f, 0, want)
	if err != nil {
		return err
	}
	st.headLen, st.headSum = want, sum
	return nil
}

func hashRange(f io.ReaderAt, off, n int64) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, off, n)); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// JSONLSource tails JSON Lines files and emits document change events.
// Only newline-terminated lines are consumed; a trailing partial line is read
// again on the next poll. A truncated, replaced or rewritten file is re-read
// from the start and documents it no longer contains are deleted, as are the
// documents of a removed file.
type JSONLSource struct {
	cfg     SourceConfig
	tracker *Tracker
	logger  *zap.Logger

	files map[string]*fileState
	owner map[string]string // doc id -> file that last contributed it
}

// NewJSONLSource creates a source. A nil tracker gets a fresh one.
func NewJSONLSource(cfg SourceConfig, tracker *Tracker, logger *zap.Logger) (*JSONLSource, error) {
	if cfg.Path == "" {
		return nil, errors.New("source path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	def := DefaultFields()
	if cfg.Fields.ID == "" {
		cfg.Fields.ID = def.ID
	}
	if cfg.Fields.Text == "" {
		cfg.Fields.Text = def.Text
		cfg.Fields.FallbackText = def.FallbackText
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLSource{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.With(zap.String("source", cfg.Path)),
		files:   map[string]*fileState{},
		owner:   map[string]string{},
	}, nil
}

// Tracker returns the diff tracker shared with other producers.
func (s *JSONLSource) Tracker() *Tracker { return s.tracker }

// Run polls the source until ctx is cancelled, sending events on out.
// A send blocks while out is full, which pauses reading.
func (s *JSONLSource) Run(ctx context.Context, out chan<- event.Event) error {
	var (
		wake    <-chan fsnotify.Event
		wakeErr <-chan error
	)
	if s.cfg.UseFSNotify {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
		} else {
			defer w.Close()
			if err := w.Add(s.watchDir()); err != nil {
				s.logger.Warn("Failed to watch source directory, polling only", zap.Error(err))
			} else {
				wake, wakeErr = w.Events, w.Errors
			}
		}
	}

	s.logger.Info("Source watcher started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Bool("fsnotify", wake != nil),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Poll(ctx, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Source watcher stopped")
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case err, ok := <-wakeErr:
			if !ok {
				wakeErr = nil
				continue
			}
			s.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (s *JSONLSource) watchDir() string {
	if info, err := os.Stat(s.cfg.Path); err == nil && info.IsDir() {
		return s.cfg.Path
	}
	return filepath.Dir(s.cfg.Path)
}

// Poll reads every change since the previous poll.
func (s *JSONLSource) Poll(ctx context.Context, out chan<- event.Event) error {
	paths, err := s.listFiles()
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		present[p] = struct{}{}
	}
	for _, p := range slices.Sorted(maps.Keys(s.files)) {
		if _, ok := present[p]; !ok {
			if err := s.dropFile(ctx, p, out); err != nil {
				return err
			}
		}
	}

	for _, p := range paths {
		if err := s.readFile(ctx, p, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSource) listFiles() ([]string, error) {
	info, err := os.Stat(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return []string{s.cfg.Path}, nil
	}
	paths, err := filepath.Glob(filepath.Join(s.cfg.Path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list source: %w", err)
	}
	slices.Sort(paths)
	return paths, nil
}

func (s *JSONLSource) readFile(ctx context.Context, path string, out chan<- event.Event) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return s.dropFile(ctx, path, out)
	}
	if err != nil {
		s.logger.Warn("Failed to stat source file", zap.String("file", path), zap.Error(err))
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("Failed to open source file", zap.String("file", path), zap.Error(err))
		return nil
	}
	defer f.Close()

	st := s.files[path]
	var previous map[string]struct{}
	switch {
	case st == nil:
		st = &fileState{ids: map[string]struct{}{}}
		s.files[path] = st
	case !os.SameFile(st.info, info) || info.Size() < st.offset:
		s.logger.Info("Source file truncated or replaced, re-reading", zap.String("file", path))
		previous = st.rewind()
	case st.offset > 0:
		same, err := st.consumedUnchanged(f)
		if err != nil {
			s.logger.Warn("Failed to verify source file", zap.String("file", path), zap.Error(err))
			return nil
		}
		if !same {
			s.logger.Info("Source file rewritten in place, re-reading", zap.String("file", path))
			previous = st.rewind()
		}
	}
	st.info = info

	if previous == nil && info.Size() == st.offset {
		return nil
	}

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}

	var (
		lastStart int64
		lastLine  []byte
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break // partial line: wait for the writer
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		off := st.offset
		st.offset += int64(len(line))
		lastStart, lastLine = off, line
		if err := s.handleLine(ctx, path, off, st, line, out); err != nil {
			return err
		}
	}
	if lastLine != nil {
		if err := st.remember(f, lastStart, lastLine); err != nil {
			return fmt.Errorf("fingerprint %s: %w", path, err)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(previous)) {
		if _, still := st.ids[id]; still || s.owner[id] != path {
			continue
		}
		delete(s.owner, id)
		if err := s.remove(ctx, id, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSource) handleLine(
	ctx context.Context, path string, off int64, st *fileState, line []byte, out chan<- event.Event,
) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	rec, err := parseRecord(line, s.cfg.Fields)
	if err != nil {
		reason := "unknown"
		var mr *domain.MalformedRecordError
		if errors.As(err, &mr) {
			reason = mr.Reason
		}
		metrics.IngestRecordsSkippedTotal.WithLabelValues(reason).Inc()
		s.logger.Warn("Skipping malformed record",
			zap.String("file", path),
			zap.Int64("offset", off),
			zap.Error(err),
		)
		return nil
	}

	if prev, ok := s.owner[rec.id]; ok && prev != path {
		if other := s.files[prev]; other != nil {
			delete(other.ids, rec.id)
		}
	}

	if rec.deleted {
		delete(st.ids, rec.id)
		delete(s.owner, rec.id)
		return s.remove(ctx, rec.id, out)
	}

	s.owner[rec.id] = path
	st.ids[rec.id] = struct{}{}

	if ev, ok := s.tracker.Observe(rec.doc); ok {
		return send(ctx, out, ev)
	}
	return nil
}

func (s *JSONLSource) dropFile(ctx context.Context, path string, out chan<- event.Event) error {
	st, ok := s.files[path]
	if !ok {
		return nil
	}
	s.logger.Info("Source file removed", zap.String("file", path), zap.Int("documents", len(st.ids)))
	delete(s.files, path)

	for _, id := range slices.Sorted(maps.Keys(st.ids)) {
		if s.owner[id] != path {
			continue
		}
		delete(s.owner, id)
		if err := s.remove(ctx, id, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSource) remove(ctx context.Context, id string, out chan<- event.Event) error {
	if ev, ok := s.tracker.Remove(id); ok {
		return send(ctx, out, ev)
	}
	return nil
}

func send(ctx context.Context, out chan<- event.Event, ev event.Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send event: %w", ctx.Err())
	}
}

type record struct {
	id      string
	deleted bool
	doc     document.Document
}

// parseRecord decodes one JSON line. A record without an id is keyed by the
// hash of its line, so every distinct anonymous line is its own document.
func parseRecord(line []byte, f Fields) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return record{}, domain.NewMalformedRecord("invalid_json", err.Error())
	}

	id, err := recordID(raw, f.ID, line)
	if err != nil {
		return record{}, err
	}

	if f.Deleted != "" {
		switch v := raw[f.Deleted].(type) {
		case nil:
		case bool:
			if v {
				return record{id: id, deleted: true}, nil
			}
		default:
			return record{}, domain.NewMalformedRecord("invalid_deleted", fmt.Sprintf("%s must be a boolean", f.Deleted))
		}
	}

	text, err := recordText(raw, f)
	if err != nil {
		return record{}, err
	}

	meta := make(map[string]string, len(f.Metadata))
	for _, key := range f.Metadata {
		if v, ok := raw[key]; ok && v != nil {
			meta[key] = scalarString(v)
		}
	}

	doc, err := document.New(id, text, meta)
	if err != nil {
		return record{}, domain.NewMalformedRecord("invalid_id", err.Error())
	}
	if f.Timestamp != "" {
		if ts, ok := parseTimestamp(raw[f.Timestamp]); ok {
			doc = doc.WithTimestamp(ts)
		}
	}
	return record{id: id, doc: doc}, nil
}

func recordID(raw map[string]any, field string, line []byte) (string, error) {
	switch v := raw[field].(type) {
	case nil:
		sum := sha256.Sum256(line)
		return "line-" + hex.EncodeToString(sum[:8]), nil
	case string:
		if v == "" {
			return "", domain.NewMalformedRecord("invalid_id", "empty id")
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", domain.NewMalformedRecord("invalid_id", fmt.Sprintf("%s must be a string or number", field))
	}
}

func recordText(raw map[string]any, f Fields) (string, error) {
	v, ok := raw[f.Text]
	if !ok && f.FallbackText != "" {
		v, ok = raw[f.FallbackText]
	}
	if !ok || v == nil {
		return "", domain.NewMalformedRecord("missing_text", fmt.Sprintf("no %q field", f.Text))
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []any:
		if len(t) == 1 {
			if s, ok := t[0].(string); ok {
				return s, nil
			}
		}
	}
	return "", domain.NewMalformedRecord("invalid_text", "text must be a string")
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		return ts, err == nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
	}
	return time.Time{}, false
}
