// Package loadbalancer implements executeWithFailover: a failover selection
// loop that ranks candidates, tries them sequentially, records outcome,
// and aggregates failures if every candidate is exhausted.
package loadbalancer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"ledgersync/internal/breaker"
	"ledgersync/internal/peerregistry"
)

// Candidate is a peer considered for an operation, with the health/
// reputation weighting it is ranked by.
type Candidate struct {
	Peer       peerregistry.PeerRecord
	Health     float64 // 1.0 if the circuit is not Open, 0 if Open.
	Reputation float64 // reputation / 100.
}

func (c Candidate) score() float64 { return c.Health * c.Reputation }

// Strategy orders candidates for an attempt sequence. The zero value is
// unusable; use HealthBased, RoundRobin or LeastLatency.
type Strategy func(candidates []Candidate) []Candidate

// HealthBased orders by health×reputation descending (the default).
func HealthBased(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].score() > out[j].score() })
	return out
}

// RoundRobin preserves ActivePeers' order (reputation descending, then
// ID). It does not rotate between calls: with unchanged reputations every
// call tries the same peer first. One of the acceptable alternate
// strategies.
func RoundRobin(candidates []Candidate) []Candidate {
	return append([]Candidate(nil), candidates...)
}

// LeastLatency is an acceptable alternate strategy; since per-peer latency
// is tracked by the caller (response-time recording happens in
// ExecuteWithFailover), this orders by reputation alone as the best
// available proxy when no external latency table is supplied.
func LeastLatency(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reputation > out[j].Reputation })
	return out
}

// Config wires a LoadBalancer's collaborators.
type Config struct {
	Registry    *peerregistry.PeerRegistry
	Breaker     *breaker.Breaker
	Strategy    Strategy // defaults to HealthBased.
	MaxAttempts int      // default 3.
}

// LoadBalancer selects among active, non-open-circuit peers and executes op
// against them in order, recording outcome against both the registry and
// the breaker.
type LoadBalancer struct {
	registry    *peerregistry.PeerRegistry
	breaker     *breaker.Breaker
	strategy    Strategy
	maxAttempts int
}

func New(cfg Config) *LoadBalancer {
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = HealthBased
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LoadBalancer{
		registry:    cfg.Registry,
		breaker:     cfg.Breaker,
		strategy:    strategy,
		maxAttempts: maxAttempts,
	}
}

// Op is an operation executed against one peer; ExecuteWithFailover
// measures its response time. Ctx carries caller-side deadlines.
type Op func(ctx context.Context, peer peerregistry.PeerRecord) error

// AttemptResult records what happened on one candidate peer.
type AttemptResult struct {
	PeerID       string
	ResponseTime time.Duration
	Err          error
}

// ExecuteWithFailover tries op against up to maxAttempts candidate peers in
// strategy order, stopping at the first success. It returns the attempt
// log and, on total failure, an aggregated error.
func (lb *LoadBalancer) ExecuteWithFailover(ctx context.Context, op Op) ([]AttemptResult, error) {
	candidates := lb.rankedCandidates()
	attempts := lb.maxAttempts
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var log []AttemptResult
	for i := 0; i < attempts; i++ {
		peer := candidates[i].Peer
		start := time.Now()
		err := op(ctx, peer)
		elapsed := time.Since(start)
		log = append(log, AttemptResult{PeerID: peer.ID, ResponseTime: elapsed, Err: err})

		if err == nil {
			lb.registry.RecordSuccess(peer.ID)
			lb.breaker.RecordSuccess(peer.ID)
			return log, nil
		}
		lb.registry.RecordFailure(peer.ID)
		lb.breaker.RecordFailure(peer.ID)
	}
	return log, aggregateError(log)
}

// rankedCandidates builds the health×reputation-weighted candidate list
// from the registry's active peers, excluding anyone whose circuit is Open.
func (lb *LoadBalancer) rankedCandidates() []Candidate {
	active := lb.registry.ActivePeers()
	candidates := make([]Candidate, 0, len(active))
	for _, p := range active {
		if lb.breaker.StateOf(p.ID) == breaker.Open {
			continue
		}
		candidates = append(candidates, Candidate{
			Peer:       p,
			Health:     1,
			Reputation: float64(p.Reputation) / 100,
		})
	}
	return lb.strategy(candidates)
}

func aggregateError(log []AttemptResult) error {
	if len(log) == 0 {
		return fmt.Errorf("loadbalancer: no eligible peers")
	}
	var parts []string
	for _, a := range log {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", a.PeerID, a.Err))
		}
	}
	return fmt.Errorf("loadbalancer: all %d attempts failed: %s", len(log), strings.Join(parts, "; "))
}
