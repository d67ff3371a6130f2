package ratelimit

import "testing"

func TestAllowWithinBudget(t *testing.T) {
	l := New(Config{Budgets: map[SyncType]int{MempoolSync: 3}})
	for i := 0; i < 3; i++ {
		if !l.Allow(MempoolSync, "peer1") {
			t.Fatalf("request %d should be allowed within budget", i)
		}
	}
	if l.Allow(MempoolSync, "peer1") {
		t.Fatalf("request beyond budget should be denied")
	}
}

func TestAllowPerKeyIsolation(t *testing.T) {
	l := New(Config{Budgets: map[SyncType]int{MempoolSync: 1}})
	if !l.Allow(MempoolSync, "peer1") {
		t.Fatalf("first peer1 request should be allowed")
	}
	if !l.Allow(MempoolSync, "peer2") {
		t.Fatalf("peer2 has its own budget")
	}
	if !l.Allow(TxSync, "peer1") {
		t.Fatalf("tx_sync has its own budget distinct from mempool_sync")
	}
}

type erroringStore struct{}

func (erroringStore) Load(string) (windowState, bool, error) { return windowState{}, false, errLoad }
func (erroringStore) Save(string, windowState) error         { return nil }

var errLoad = fmtErr("load failed")

type fmtErr string

func (e fmtErr) Error() string { return string(e) }

func TestAllowFailsOpenOnStoreError(t *testing.T) {
	l := New(Config{Store: erroringStore{}})
	if !l.Allow(BlockSync, "peer1") {
		t.Fatalf("a store error must fail open, not deny")
	}
}
