package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Sink durably persists a flushed batch. FlushBatch must be idempotent
// enough to tolerate a retried batch (events carry stable IDs).
type Sink interface {
	FlushBatch(batch []Event) error
}

// FileSink appends each flushed batch as JSON lines to a single file,
// reusing blockstore's write-ahead-log technique (open-or-create, append,
// fsync) for the event_queue durable table.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) path for append-only writes.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("events: open sink: %w", err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) FlushBatch(batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range batch {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("events: marshal event %s: %w", ev.ID, err)
		}
		data = append(data, '\n')
		if _, err := s.file.Write(data); err != nil {
			return fmt.Errorf("events: write event %s: %w", ev.ID, err)
		}
	}
	return s.file.Sync()
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReplayFileSink reads every event previously flushed to path, for startup
// recovery of the durable event log.
func ReplayFileSink(path string) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: open for replay: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("events: replay: %w", err)
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

// memSink is a durability-free Sink for tests and embedded use without a
// filesystem.
type memSink struct {
	mu      sync.Mutex
	flushed []Event
}

func newMemSink() *memSink { return &memSink{} }

func (s *memSink) FlushBatch(batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = append(s.flushed, batch...)
	return nil
}

func (s *memSink) Flushed() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.flushed...)
}
