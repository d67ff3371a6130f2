// Package breaker implements a per-peer Closed/Open/HalfOpen circuit
// breaker: a mutex-guarded per-key map with threshold-based fault flagging,
// expressed as an explicit state machine rather than RTT-based faulting.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type peerCircuit struct {
	state         State
	failures      int
	openedUntil   time.Time
	probeInFlight bool
}

// Config wires a Breaker's thresholds.
type Config struct {
	FailureThreshold int           // default 5.
	OpenTimeout      time.Duration // default 30s.
}

// Breaker tracks one circuit per peer.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*peerCircuit
	threshold int
	timeout   time.Duration
}

func New(cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*peerCircuit),
		threshold: threshold,
		timeout:   timeout,
	}
}

func (b *Breaker) circuitFor(peer string) *peerCircuit {
	c, ok := b.circuits[peer]
	if !ok {
		c = &peerCircuit{state: Closed}
		b.circuits[peer] = c
	}
	return c
}

// Allow reports whether a call to peer may proceed right now, transitioning
// Open to HalfOpen once the timeout has elapsed and admitting exactly one
// probe while HalfOpen.
func (b *Breaker) Allow(peer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(peer)

	switch c.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(c.openedUntil) {
			return false
		}
		c.state = HalfOpen
		c.probeInFlight = true
		return true
	case HalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit and resets its failure counter. A
// successful probe while HalfOpen closes the circuit the same way.
func (b *Breaker) RecordSuccess(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(peer)
	c.state = Closed
	c.failures = 0
	c.probeInFlight = false
}

// RecordFailure counts a failure, opening the circuit once the threshold is
// reached (or immediately, if the probe while HalfOpen failed).
func (b *Breaker) RecordFailure(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(peer)
	c.probeInFlight = false

	if c.state == HalfOpen {
		c.state = Open
		c.openedUntil = time.Now().Add(b.timeout)
		return
	}
	c.failures++
	if c.failures >= b.threshold {
		c.state = Open
		c.openedUntil = time.Now().Add(b.timeout)
	}
}

// StateOf returns the current state of peer's circuit (Closed if unknown).
func (b *Breaker) StateOf(peer string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[peer]
	if !ok {
		return Closed
	}
	return c.state
}
