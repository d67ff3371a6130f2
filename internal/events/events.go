// Package events implements a bounded, batching, deduplicating event
// queue: a SyncManager-style Start/Stop/background-loop shape around a
// mutex-guarded per-key map used for dedup bookkeeping.
package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is an event's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is one queued occurrence, matching the durable event_queue table.
type Event struct {
	ID          string
	Type        string
	Payload     any
	Priority    int // ascending: 1 (CRITICAL) is most urgent.
	Status      Status
	Retry       int
	CreatedAt   time.Time
	ProcessedAt time.Time
}

// Config wires a BatchEventProcessor's thresholds and durable sink.
type Config struct {
	Sink          Sink
	Logger        *logrus.Logger
	BatchSize     int           // default 50.
	MaxQueueSize  int           // default 1000.
	FlushInterval time.Duration // default 5s.
	MaxRetries    int           // default 3.
	DedupTTL      time.Duration // default 2h.
}

// BatchEventProcessor is the in-memory bounded, batching event queue.
type BatchEventProcessor struct {
	mu     sync.Mutex
	events map[string]*Event
	seen   map[string]time.Time

	sink          Sink
	logger        *logrus.Logger
	batchSize     int
	maxQueueSize  int
	flushInterval time.Duration
	maxRetries    int
	dedupTTL      time.Duration

	active bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) *BatchEventProcessor {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = newMemSink()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	maxQueue := cfg.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	dedupTTL := cfg.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = 2 * time.Hour
	}
	return &BatchEventProcessor{
		events:        make(map[string]*Event),
		seen:          make(map[string]time.Time),
		sink:          sink,
		logger:        lg,
		batchSize:     batchSize,
		maxQueueSize:  maxQueue,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
		dedupTTL:      dedupTTL,
		quit:          make(chan struct{}),
	}
}

// Start launches the periodic flush loop. Safe to call once; a second call
// is a no-op, matching SyncManager's idempotent Start.
func (p *BatchEventProcessor) Start() {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
}

func (p *BatchEventProcessor) loop() {
	defer p.wg.Done()
	t := time.NewTicker(p.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := p.Flush(); err != nil {
				p.logger.WithError(err).Warn("events: periodic flush failed")
			}
		case <-p.quit:
			return
		}
	}
}

// Stop ends the periodic flush loop and flushes whatever remains, acting
// as the queue's destructor-time flush trigger.
func (p *BatchEventProcessor) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
	if err := p.Flush(); err != nil {
		p.logger.WithError(err).Warn("events: final flush on stop failed")
	}
}

// Enqueue appends an event under id, rejecting duplicates (by id, within
// the dedup TTL) and rejecting once the queue is at maxQueueSize. Callers
// supply id themselves — typically a content hash (a transaction or block
// hash) so that rebroadcasts of the same underlying fact dedup correctly.
// A CRITICAL arrival (priority 1) triggers an immediate flush rather
// than waiting for the batch size or interval trigger.
func (p *BatchEventProcessor) Enqueue(id, eventType string, payload any, priority int) error {
	p.mu.Lock()
	p.expireSeenLocked()

	if _, dup := p.seen[id]; dup {
		p.mu.Unlock()
		return fmt.Errorf("events: duplicate event id %s", id)
	}
	if p.pendingCountLocked() >= p.maxQueueSize {
		p.mu.Unlock()
		return fmt.Errorf("events: queue at capacity (%d)", p.maxQueueSize)
	}

	now := time.Now()
	ev := &Event{
		ID:        id,
		Type:      eventType,
		Payload:   payload,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
	}
	p.events[id] = ev
	p.seen[id] = now
	highPriority := priority == 1
	p.mu.Unlock()

	if highPriority {
		if err := p.Flush(); err != nil {
			p.logger.WithError(err).Warn("events: high-priority flush failed")
		}
	}
	return nil
}

func (p *BatchEventProcessor) pendingCountLocked() int {
	n := 0
	for _, ev := range p.events {
		if ev.Status == StatusPending {
			n++
		}
	}
	return n
}

func (p *BatchEventProcessor) expireSeenLocked() {
	cutoff := time.Now().Add(-p.dedupTTL)
	for id, t := range p.seen {
		if t.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}

// Flush selects up to batchSize pending events ordered by priority
// ascending then timestamp ascending (FIFO), marks them processing, and
// hands them to the sink. On success they become completed; on failure
// each returns to pending with retry+1, or failed once retry reaches
// maxRetries.
func (p *BatchEventProcessor) Flush() error {
	p.mu.Lock()
	batch := p.selectBatchLocked()
	if len(batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	for _, ev := range batch {
		ev.Status = StatusProcessing
	}
	p.mu.Unlock()

	err := p.sink.FlushBatch(snapshot(batch))

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if err == nil {
		for _, ev := range batch {
			ev.Status = StatusCompleted
			ev.ProcessedAt = now
		}
		return nil
	}
	for _, ev := range batch {
		ev.Retry++
		if ev.Retry >= p.maxRetries {
			ev.Status = StatusFailed
			ev.ProcessedAt = now
		} else {
			ev.Status = StatusPending
		}
	}
	return fmt.Errorf("events: flush batch of %d: %w", len(batch), err)
}

func (p *BatchEventProcessor) selectBatchLocked() []*Event {
	pending := make([]*Event, 0, len(p.events))
	for _, ev := range p.events {
		if ev.Status == StatusPending {
			pending = append(pending, ev)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > p.batchSize {
		pending = pending[:p.batchSize]
	}
	return pending
}

func snapshot(events []*Event) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = *ev
	}
	return out
}

// Cleanup purges completed events older than 24h and failed events older
// than 7d, returning the number removed.
func (p *BatchEventProcessor) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, ev := range p.events {
		switch ev.Status {
		case StatusCompleted:
			if now.Sub(ev.ProcessedAt) > 24*time.Hour {
				delete(p.events, id)
				removed++
			}
		case StatusFailed:
			if now.Sub(ev.ProcessedAt) > 7*24*time.Hour {
				delete(p.events, id)
				removed++
			}
		}
	}
	return removed
}

// Get returns a copy of the event for id, if known.
func (p *BatchEventProcessor) Get(id string) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}

// PendingCount reports how many events are currently queued but not yet
// flushed.
func (p *BatchEventProcessor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingCountLocked()
}
