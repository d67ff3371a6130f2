package ratelimit

import (
	"testing"
	"time"
)

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{})
	low := q.Enqueue("block_sync", nil, "p1", 5, 0)
	time.Sleep(time.Millisecond)
	high := q.Enqueue("block_sync", nil, "p1", 1, 0)

	got := q.DequeueNext()
	if got == nil || got.ID != high.ID {
		t.Fatalf("expected highest-priority item first")
	}
	q.MarkCompleted(got.ID)

	got2 := q.DequeueNext()
	if got2 == nil || got2.ID != low.ID {
		t.Fatalf("expected remaining item second")
	}
}

func TestDequeueRespectsScheduledDelay(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{})
	q.Enqueue("tx_sync", nil, "p1", 1, 50*time.Millisecond)
	if q.DequeueNext() != nil {
		t.Fatalf("item scheduled in the future should not be eligible yet")
	}
	time.Sleep(60 * time.Millisecond)
	if q.DequeueNext() == nil {
		t.Fatalf("item should be eligible once its delay elapses")
	}
}

func TestMarkFailedReschedulesWithBackoff(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{MaxRetries: 3, BackoffBase: 10 * time.Millisecond})
	item := q.Enqueue("tx_sync", nil, "p1", 1, 0)
	_ = q.DequeueNext()
	q.MarkFailed(item.ID)

	got, ok := q.Get(item.ID)
	if !ok {
		t.Fatalf("item should still exist")
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending after a retryable failure", got.Status)
	}
	if got.Retry != 1 {
		t.Fatalf("retry = %d, want 1", got.Retry)
	}
	if !got.Scheduled.After(time.Now()) {
		t.Fatalf("expected the item rescheduled into the future")
	}
}

func TestMarkFailedExhaustsRetries(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{MaxRetries: 2, BackoffBase: time.Millisecond})
	item := q.Enqueue("tx_sync", nil, "p1", 1, 0)
	q.MarkFailed(item.ID)
	q.MarkFailed(item.ID)

	got, _ := q.Get(item.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed after exhausting retries", got.Status)
	}
}
