package events

import (
	"errors"
	"testing"
	"time"
)

func newTestProcessor(t *testing.T, sink Sink) (*BatchEventProcessor, *memSink) {
	t.Helper()
	ms := newMemSink()
	if sink == nil {
		sink = ms
	}
	p := New(Config{Sink: sink, BatchSize: 10, MaxQueueSize: 100, FlushInterval: time.Hour, MaxRetries: 3})
	t.Cleanup(func() {
		if p.active {
			p.Stop()
		}
	})
	return p, ms
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	if err := p.Enqueue("tx1", "transaction.broadcast", nil, 5); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := p.Enqueue("tx1", "transaction.broadcast", nil, 5); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
}

func TestEnqueueRejectsAtCapacity(t *testing.T) {
	p := New(Config{MaxQueueSize: 2, FlushInterval: time.Hour})
	if err := p.Enqueue("a", "t", nil, 5); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := p.Enqueue("b", "t", nil, 5); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := p.Enqueue("c", "t", nil, 5); err == nil {
		t.Fatalf("expected capacity rejection")
	}
}

func TestFlushOrdersByPriorityThenFIFO(t *testing.T) {
	p, ms := newTestProcessor(t, nil)
	_ = p.Enqueue("low", "t", nil, 5)
	_ = p.Enqueue("high", "t", nil, 1)
	if err := p.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := ms.Flushed()
	if len(got) != 2 || got[0].ID != "high" || got[1].ID != "low" {
		t.Fatalf("expected high-priority event flushed first, got %+v", got)
	}
}

type failingSink struct{}

func (failingSink) FlushBatch([]Event) error { return errors.New("sink down") }

func TestFlushFailureRetriesThenFails(t *testing.T) {
	p, _ := newTestProcessor(t, failingSink{})
	p.maxRetries = 2
	_ = p.Enqueue("ev1", "t", nil, 5)

	_ = p.Flush()
	got, _ := p.Get("ev1")
	if got.Status != StatusPending || got.Retry != 1 {
		t.Fatalf("expected pending with retry 1, got %+v", got)
	}

	_ = p.Flush()
	got, _ = p.Get("ev1")
	if got.Status != StatusFailed {
		t.Fatalf("expected failed after exhausting retries, got %+v", got)
	}
}

func TestHighPriorityTriggersImmediateFlush(t *testing.T) {
	p, ms := newTestProcessor(t, nil)
	if err := p.Enqueue("urgent", "fork.detected", nil, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(ms.Flushed()) != 1 {
		t.Fatalf("expected a CRITICAL (priority 1) event to flush immediately")
	}
}

func TestCleanupPurgesOldTerminalEvents(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	_ = p.Enqueue("done", "t", nil, 5)
	_ = p.Flush()

	p.mu.Lock()
	p.events["done"].ProcessedAt = time.Now().Add(-25 * time.Hour)
	p.mu.Unlock()

	if removed := p.Cleanup(); removed != 1 {
		t.Fatalf("expected 1 event purged, got %d", removed)
	}
	if _, ok := p.Get("done"); ok {
		t.Fatalf("expected the old completed event to be gone")
	}
}

func TestStartStopFlushesOnStop(t *testing.T) {
	p, ms := newTestProcessor(t, nil)
	p.flushInterval = time.Hour
	p.Start()
	_ = p.Enqueue("ev1", "t", nil, 5)
	p.Stop()
	if len(ms.Flushed()) != 1 {
		t.Fatalf("expected Stop to flush remaining events")
	}
}
