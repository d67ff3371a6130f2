package eventsync

import "sync"

// reliabilityTracker maintains each peer's successful_events /
// (successful+failed) ratio over every event recorded since it was
// created (counts are never aged out; there is no trailing window),
// independent of PeerRegistry's coarser reputation score.
type reliabilityTracker struct {
	mu      sync.Mutex
	success map[string]int
	failure map[string]int
}

func newReliabilityTracker() *reliabilityTracker {
	return &reliabilityTracker{success: make(map[string]int), failure: make(map[string]int)}
}

func (r *reliabilityTracker) recordSuccess(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success[peer]++
}

func (r *reliabilityTracker) recordFailure(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure[peer]++
}

// reliability returns peer's success ratio, defaulting to 0.8 when there
// is no data yet.
func (r *reliabilityTracker) reliability(peer string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, f := r.success[peer], r.failure[peer]
	if s+f == 0 {
		return 0.8
	}
	return float64(s) / float64(s+f)
}
