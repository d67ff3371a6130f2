package eventsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/blockstore"
	"ledgersync/internal/chainmanager"
	"ledgersync/internal/peerregistry"
	"ledgersync/internal/vmiface"
)

type allowAllConsensus struct{}

func (allowAllConsensus) Validate(*blockmodel.Block, map[string]uint64) error { return nil }
func (allowAllConsensus) CanPropose(string, map[string]uint64) bool           { return true }
func (allowAllConsensus) SignBlock(b *blockmodel.Block, _ string) (*blockmodel.Block, error) {
	return b, nil
}

type alwaysValidVerifier struct{}

func (alwaysValidVerifier) Verify(from string, message, signature []byte) bool { return true }

type noopVM struct{}

func (noopVM) Execute(bytecode []byte, ctx vmiface.Context) (blockmodel.SmartContractResult, error) {
	return blockmodel.SmartContractResult{Success: true}, nil
}

func newTestChain(t *testing.T) (*chainmanager.ChainManager, *blockstore.BlockStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := blockstore.New(blockstore.Config{WALPath: filepath.Join(dir, "blocks.wal")})
	if err != nil {
		t.Fatalf("blockstore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cm := chainmanager.New(chainmanager.Config{
		Store:         store,
		Consensus:     allowAllConsensus{},
		VM:            noopVM{},
		Verifier:      alwaysValidVerifier{},
		MaxTxPerBlock: 10,
		GasLimit:      1_000_000,
	})
	genesis, err := blockmodel.NewGenesisBlock(1000, []string{"v1"}, map[string]uint64{"v1": 100}, nil)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	cm.SeedStakeholders(map[string]uint64{"v1": 100})
	if err := cm.AddBlock(genesis); err != nil {
		t.Fatalf("add genesis: %v", err)
	}
	return cm, store
}

type fakeClient struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{fail: make(map[string]bool)}
}

func (f *fakeClient) Send(ctx context.Context, peerURL, nodeID string, ev OutboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peerURL] {
		return errTestSendFailed
	}
	f.sent = append(f.sent, peerURL)
	return nil
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var errTestSendFailed = &sendErr{}

type sendErr struct{}

func (*sendErr) Error() string { return "send failed" }

func newTestRegistry(t *testing.T) *peerregistry.PeerRegistry {
	t.Helper()
	pr := peerregistry.New(peerregistry.Config{DeadNodeThreshold: time.Hour, CheckInterval: time.Hour})
	t.Cleanup(pr.Stop)
	return pr
}

func newTestEventSync(t *testing.T, client PeerClient) (*EventSync, *peerregistry.PeerRegistry, *blockstore.BlockStore) {
	t.Helper()
	cm, store := newTestChain(t)
	reg := newTestRegistry(t)
	es := New(Config{
		NodeID:             "local",
		Registry:           reg,
		Chain:              cm,
		Store:              store,
		Client:             client,
		CascadeDelay:       time.Millisecond,
		MaxConcurrentConns: 4,
		BaseTimeout:        time.Second,
	})
	return es, reg, store
}

func TestClassifyGap(t *testing.T) {
	cases := []struct {
		delta uint64
		want  GapAction
	}{
		{1, GapImmediateCatchup},
		{10, GapImmediateCatchup},
		{11, GapBatchSync},
		{100, GapBatchSync},
		{101, GapFullSync},
	}
	for _, c := range cases {
		if got := ClassifyGap(c.delta); got != c.want {
			t.Errorf("ClassifyGap(%d) = %s, want %s", c.delta, got, c.want)
		}
	}
}

func TestCascadePropagateSendsToAllActivePeers(t *testing.T) {
	client := newFakeClient()
	es, reg, _ := newTestEventSync(t, client)
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		if err := reg.Upsert(id, map[string]string{"protocol": "http", "domain": "peer-" + id}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	es.CascadePropagate(context.Background(), OutboundEvent{ID: "ev1", Type: "test"}, "")
	if got := client.sentCount(); got != 4 {
		t.Fatalf("sent to %d peers, want 4", got)
	}
}

func TestCascadePropagateExcludesSource(t *testing.T) {
	client := newFakeClient()
	es, reg, _ := newTestEventSync(t, client)
	if err := reg.Upsert("src", map[string]string{"protocol": "http", "domain": "source"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := reg.Upsert("other", map[string]string{"protocol": "http", "domain": "other"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	es.CascadePropagate(context.Background(), OutboundEvent{ID: "ev1", Type: "test"}, "src")
	if got := client.sentCount(); got != 1 {
		t.Fatalf("sent to %d peers, want 1 (source excluded)", got)
	}
}

func TestHandleBlockReceivedSchedulesBatchSyncForModerateGap(t *testing.T) {
	es, _, _ := newTestEventSync(t, newFakeClient())
	sched := &recordingScheduler{}
	es.scheduler = sched
	es.HandleBlockReceived(context.Background(), &blockmodel.Block{Index: 50})
	if sched.action != GapBatchSync || sched.target != 50 {
		t.Fatalf("got action=%s target=%d, want batch_sync/50", sched.action, sched.target)
	}
}

func TestHandleBlockReceivedIgnoresContiguousBlock(t *testing.T) {
	es, _, store := newTestEventSync(t, newFakeClient())
	sched := &recordingScheduler{}
	es.scheduler = sched
	tip, err := store.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	es.HandleBlockReceived(context.Background(), &blockmodel.Block{Index: 1, PreviousHash: tip.Hash()})
	if sched.called {
		t.Fatalf("scheduler should not be invoked for a one-ahead block")
	}
}

type recordingScheduler struct {
	called bool
	action GapAction
	target uint64
}

func (r *recordingScheduler) ScheduleSync(action GapAction, target uint64) {
	r.called = true
	r.action = action
	r.target = target
}

func TestStartStopHeartbeatLoop(t *testing.T) {
	client := newFakeClient()
	es, reg, _ := newTestEventSync(t, client)
	es.heartbeatInterval = 5 * time.Millisecond
	if err := reg.Upsert("p1", map[string]string{"protocol": "http", "domain": "peer1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	es.Start()
	deadline := time.Now().Add(time.Second)
	for client.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	es.Stop()
	if client.sentCount() == 0 {
		t.Fatalf("expected at least one heartbeat to be sent")
	}
}
