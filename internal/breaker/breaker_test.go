package breaker

import (
	"testing"
	"time"
)

func TestOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Hour})
	for i := 0; i < 2; i++ {
		b.RecordFailure("peer1")
		if b.StateOf("peer1") != Closed {
			t.Fatalf("should remain closed before threshold")
		}
	}
	b.RecordFailure("peer1")
	if b.StateOf("peer1") != Open {
		t.Fatalf("should open at threshold")
	}
	if b.Allow("peer1") {
		t.Fatalf("open circuit should reject calls before timeout")
	}
}

func TestHalfOpenAllowsOneProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})
	b.RecordFailure("peer1")
	if b.StateOf("peer1") != Open {
		t.Fatalf("expected open after one failure at threshold 1")
	}
	time.Sleep(20 * time.Millisecond)

	if !b.Allow("peer1") {
		t.Fatalf("expected the half-open probe to be allowed")
	}
	if b.Allow("peer1") {
		t.Fatalf("a second concurrent call should be rejected while the probe is in flight")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})
	b.RecordFailure("peer1")
	time.Sleep(20 * time.Millisecond)
	if !b.Allow("peer1") {
		t.Fatalf("expected probe to be allowed")
	}
	b.RecordSuccess("peer1")
	if b.StateOf("peer1") != Closed {
		t.Fatalf("expected closed after a successful probe")
	}
	if !b.Allow("peer1") {
		t.Fatalf("closed circuit should allow calls")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})
	b.RecordFailure("peer1")
	time.Sleep(20 * time.Millisecond)
	if !b.Allow("peer1") {
		t.Fatalf("expected probe to be allowed")
	}
	b.RecordFailure("peer1")
	if b.StateOf("peer1") != Open {
		t.Fatalf("a failed probe should reopen the circuit")
	}
}
