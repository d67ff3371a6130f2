package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueStatus is a deferred sync request's lifecycle state.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// QueueItem is a deferred sync request, matching the durable
// sync_queue_priority table. Priority is ascending: a lower value is more
// urgent, the same convention BatchEventProcessor uses for its own queue.
type QueueItem struct {
	ID        string
	Type      string
	Payload   []byte
	Peer      string
	Priority  int
	Scheduled time.Time
	CreatedAt time.Time
	Status    QueueStatus
	Retry     int
}

// PriorityQueue holds sync requests a RateLimiter denial deferred, via
// its enqueue/dequeueNext pair.
type PriorityQueue struct {
	mu          sync.Mutex
	items       map[string]*QueueItem
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// QueueConfig wires a PriorityQueue's retry policy.
type QueueConfig struct {
	MaxRetries  int           // default 3, matching max_retry_attempts.
	BackoffBase time.Duration // default 1s.
	BackoffCap  time.Duration // default 30s, matching circuit_breaker_timeout's order of magnitude.
}

func NewPriorityQueue(cfg QueueConfig) *PriorityQueue {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	return &PriorityQueue{
		items:       make(map[string]*QueueItem),
		maxRetries:  maxRetries,
		backoffBase: base,
		backoffCap:  backoffCap,
	}
}

// Enqueue stores a deferred request scheduled delay from now.
func (q *PriorityQueue) Enqueue(reqType string, payload []byte, peer string, priority int, delay time.Duration) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	item := &QueueItem{
		ID:        uuid.NewString(),
		Type:      reqType,
		Payload:   payload,
		Peer:      peer,
		Priority:  priority,
		Scheduled: now.Add(delay),
		CreatedAt: now,
		Status:    StatusPending,
	}
	q.items[item.ID] = item
	return item
}

// DequeueNext returns the highest-priority (lowest Priority value), oldest
// eligible item whose Scheduled time has passed and whose retry count is
// below the limit, atomically transitioning it to processing. Returns nil
// if nothing is eligible.
func (q *PriorityQueue) DequeueNext() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()

	var best *QueueItem
	for _, it := range q.items {
		if it.Status != StatusPending {
			continue
		}
		if it.Retry >= q.maxRetries {
			continue
		}
		if it.Scheduled.After(now) {
			continue
		}
		if best == nil {
			best = it
			continue
		}
		if it.Priority < best.Priority {
			best = it
			continue
		}
		if it.Priority == best.Priority && it.CreatedAt.Before(best.CreatedAt) {
			best = it
		}
	}
	if best == nil {
		return nil
	}
	best.Status = StatusProcessing
	cp := *best
	return &cp
}

// MarkCompleted finalizes a successfully processed item.
func (q *PriorityQueue) MarkCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		it.Status = StatusCompleted
	}
}

// MarkFailed returns the item to pending with an incremented retry count
// and an exponentially backed-off reschedule. Items that have exhausted
// their retries are marked failed instead of rescheduled.
func (q *PriorityQueue) MarkFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return
	}
	it.Retry++
	if it.Retry >= q.maxRetries {
		it.Status = StatusFailed
		return
	}
	backoff := q.backoffBase << uint(it.Retry)
	if backoff > q.backoffCap || backoff <= 0 {
		backoff = q.backoffCap
	}
	it.Status = StatusPending
	it.Scheduled = time.Now().Add(backoff)
}

// Get returns a copy of the item for id, if present.
func (q *PriorityQueue) Get(id string) (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return QueueItem{}, false
	}
	return *it, true
}
