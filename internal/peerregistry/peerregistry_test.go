package peerregistry

import (
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *PeerRegistry {
	t.Helper()
	pr := New(Config{DeadNodeThreshold: 50 * time.Millisecond, CheckInterval: 10 * time.Millisecond})
	t.Cleanup(pr.Stop)
	return pr
}

func TestUpsertComposesURL(t *testing.T) {
	pr := newTestRegistry(t)
	if err := pr.Upsert("peer1", map[string]string{"protocol": "https", "domain": "node.example.com", "port": "443"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, ok := pr.Get("peer1")
	if !ok {
		t.Fatalf("expected peer1 to be registered")
	}
	if rec.URL != "https://node.example.com" {
		t.Fatalf("url = %q, want default port omitted", rec.URL)
	}
	if rec.Reputation != 50 {
		t.Fatalf("reputation = %d, want 50 for a new peer", rec.Reputation)
	}
}

func TestUpsertKeepsNonDefaultPort(t *testing.T) {
	pr := newTestRegistry(t)
	if err := pr.Upsert("peer1", map[string]string{"protocol": "http", "domain": "10.0.0.1", "port": "9090"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, _ := pr.Get("peer1")
	if rec.URL != "http://10.0.0.1:9090" {
		t.Fatalf("url = %q, want explicit non-default port", rec.URL)
	}
}

func TestActivePeersFiltersAndSortsByReputation(t *testing.T) {
	pr := newTestRegistry(t)
	_ = pr.Upsert("a", map[string]string{"protocol": "http", "domain": "a"})
	_ = pr.Upsert("b", map[string]string{"protocol": "http", "domain": "b"})
	_ = pr.Upsert("c", map[string]string{"protocol": "http", "domain": "c"})

	for i := 0; i < 10; i++ {
		pr.RecordSuccess("b")
	}
	pr.RecordFailure("c")
	pr.RecordFailure("c")

	active := pr.ActivePeers()
	if len(active) != 2 {
		t.Fatalf("expected 2 active peers (b, a), got %d", len(active))
	}
	if active[0].ID != "b" {
		t.Fatalf("expected highest-reputation peer first, got %s", active[0].ID)
	}
}

func TestSweepDeadDemotesStalePeers(t *testing.T) {
	pr := newTestRegistry(t)
	_ = pr.Upsert("stale", map[string]string{"protocol": "http", "domain": "stale"})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		rec, _ := pr.Get("stale")
		if rec.Reputation < 50 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected stale peer to be demoted below the active threshold")
}

func TestTopReputationCaps(t *testing.T) {
	pr := newTestRegistry(t)
	for _, id := range []string{"a", "b", "c"} {
		_ = pr.Upsert(id, map[string]string{"protocol": "http", "domain": id})
	}
	top := pr.TopReputation(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(top))
	}
}
