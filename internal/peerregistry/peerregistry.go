// Package peerregistry tracks the set of known peers, their reputation and
// reachability: a mutex-guarded per-peer map, a background ticker that
// walks it once per interval, and per-peer EWMA-style adjustment rather
// than a hard up/down flag.
package peerregistry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultPort maps a protocol to the port omitted from a composed URL.
var defaultPort = map[string]string{
	"http":  "80",
	"https": "443",
}

// PeerRecord is the registry's view of one peer:
// {id, url, reputation ∈ [0,100], lastSeen, metadata}.
type PeerRecord struct {
	ID         string
	URL        string
	Reputation int
	LastSeen   time.Time
	Metadata   map[string]string
}

// Config wires a PeerRegistry's durability-free state. The registry is
// in-memory only; peer records are shared but mutated only here.
type Config struct {
	Logger            *logrus.Logger
	DeadNodeThreshold time.Duration // default 90s.
	CheckInterval     time.Duration // how often the demotion sweep runs.
}

// PeerRegistry is the set of active peers with reputation, reachability and
// metadata.
type PeerRegistry struct {
	mu     sync.RWMutex
	peers  map[string]*PeerRecord
	logger *logrus.Logger

	deadThreshold time.Duration
	checkInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// New constructs a PeerRegistry and starts its background demotion sweep.
// Callers must call Stop when done.
func New(cfg Config) *PeerRegistry {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	dead := cfg.DeadNodeThreshold
	if dead <= 0 {
		dead = 90 * time.Second
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = dead / 3
		if interval <= 0 {
			interval = time.Second
		}
	}
	pr := &PeerRegistry{
		peers:         make(map[string]*PeerRecord),
		logger:        lg,
		deadThreshold: dead,
		checkInterval: interval,
		stop:          make(chan struct{}),
	}
	go pr.loop()
	return pr
}

func (pr *PeerRegistry) loop() {
	t := time.NewTicker(pr.checkInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			pr.sweepDead()
		case <-pr.stop:
			return
		}
	}
}

// sweepDead demotes peers that have missed heartbeats past deadThreshold,
// below the active threshold.
func (pr *PeerRegistry) sweepDead() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	cutoff := time.Now().Add(-pr.deadThreshold)
	for id, p := range pr.peers {
		if p.LastSeen.Before(cutoff) && p.Reputation >= 50 {
			p.Reputation = 49
			pr.logger.WithField("peer", id).Warn("peerregistry: demoting peer for missed heartbeats")
		}
	}
}

// Stop terminates the background sweep.
func (pr *PeerRegistry) Stop() {
	pr.stopOnce.Do(func() { close(pr.stop) })
}

// composeURL builds protocol://domain[:port] from metadata, omitting the
// port when it is the protocol's default.
func composeURL(metadata map[string]string) (string, error) {
	protocol := metadata["protocol"]
	domain := metadata["domain"]
	if protocol == "" || domain == "" {
		return "", fmt.Errorf("peerregistry: metadata missing protocol/domain")
	}
	port := metadata["port"]
	if port == "" || port == defaultPort[protocol] {
		return fmt.Sprintf("%s://%s", protocol, domain), nil
	}
	return fmt.Sprintf("%s://%s:%s", protocol, domain, port), nil
}

// Upsert registers or updates a peer's metadata-derived URL. New peers
// start at reputation 50 (the active threshold), matching a freshly
// discovered, unproven peer.
func (pr *PeerRegistry) Upsert(id string, metadata map[string]string) error {
	url, err := composeURL(metadata)
	if err != nil {
		return err
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p, ok := pr.peers[id]
	if !ok {
		pr.peers[id] = &PeerRecord{
			ID:         id,
			URL:        url,
			Reputation: 50,
			LastSeen:   time.Now(),
			Metadata:   cloneMeta(metadata),
		}
		return nil
	}
	p.URL = url
	p.Metadata = cloneMeta(metadata)
	return nil
}

// RecordSuccess updates lastSeen and nudges reputation up, per a successful
// exchange with the peer.
func (pr *PeerRegistry) RecordSuccess(id string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p, ok := pr.peers[id]
	if !ok {
		return
	}
	p.LastSeen = time.Now()
	if p.Reputation < 100 {
		p.Reputation++
	}
}

// RecordFailure nudges reputation down following a failed exchange, without
// touching lastSeen (a failed exchange is not a heartbeat).
func (pr *PeerRegistry) RecordFailure(id string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p, ok := pr.peers[id]
	if !ok {
		return
	}
	if p.Reputation > 0 {
		p.Reputation -= 5
		if p.Reputation < 0 {
			p.Reputation = 0
		}
	}
}

// Get returns a copy of the peer record for id, if known.
func (pr *PeerRegistry) Get(id string) (PeerRecord, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// Remove deregisters a peer entirely (e.g. after a Disconnect).
func (pr *PeerRegistry) Remove(id string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.peers, id)
}

// ActivePeers returns peers with reputation >= 50, ordered by reputation
// descending.
func (pr *PeerRegistry) ActivePeers() []PeerRecord {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]PeerRecord, 0, len(pr.peers))
	for _, p := range pr.peers {
		if p.Reputation >= 50 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TopReputation returns up to n of the highest-reputation active peers, for
// EventSync's top-N high-reputation heartbeat fan-out.
func (pr *PeerRegistry) TopReputation(n int) []PeerRecord {
	active := pr.ActivePeers()
	if n > len(active) {
		n = len(active)
	}
	return active[:n]
}

// All returns every known peer regardless of reputation, for diagnostics.
func (pr *PeerRegistry) All() []PeerRecord {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]PeerRecord, 0, len(pr.peers))
	for _, p := range pr.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
