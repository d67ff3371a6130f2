package autorecovery

import (
	"path/filepath"
	"testing"
	"time"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/blockstore"
	"ledgersync/internal/chainmanager"
	"ledgersync/internal/events"
	"ledgersync/internal/peerregistry"
	"ledgersync/internal/ratelimit"
	"ledgersync/internal/vmiface"
)

type allowAllConsensus struct{}

func (allowAllConsensus) Validate(*blockmodel.Block, map[string]uint64) error { return nil }
func (allowAllConsensus) CanPropose(string, map[string]uint64) bool           { return true }
func (allowAllConsensus) SignBlock(b *blockmodel.Block, _ string) (*blockmodel.Block, error) {
	return b, nil
}

type alwaysValidVerifier struct{}

func (alwaysValidVerifier) Verify(string, []byte, []byte) bool { return true }

type noopVM struct{}

func (noopVM) Execute([]byte, vmiface.Context) (blockmodel.SmartContractResult, error) {
	return blockmodel.SmartContractResult{Success: true}, nil
}

type fakeNetwork struct{ height uint64 }

func (f fakeNetwork) NetworkHeight() uint64 { return f.height }

func newTestChain(t *testing.T) *chainmanager.ChainManager {
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
	return cm
}

func TestCheckNoIssues(t *testing.T) {
	chain := newTestChain(t)
	registry := peerregistry.New(peerregistry.Config{})
	t.Cleanup(registry.Stop)
	if err := registry.Upsert("peer-1", map[string]string{"protocol": "http", "domain": "localhost", "port": "9001"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ar := New(Config{
		NodeID:   "node-1",
		Chain:    chain,
		Registry: registry,
		Network:  fakeNetwork{height: 0},
	})

	metrics := ar.Check()
	if len(metrics) != 5 {
		t.Fatalf("Check returned %d metrics, want 5", len(metrics))
	}
	for _, m := range metrics {
		if m.Status == StatusCritical {
			t.Errorf("metric %s unexpectedly critical: %+v", m.Name, m)
		}
	}
	if len(ar.RecoveryLog()) != 0 {
		t.Fatalf("RecoveryLog should be empty when nothing is critical")
	}
}

func TestCheckEscalatesHeightDelta(t *testing.T) {
	chain := newTestChain(t)
	registry := peerregistry.New(peerregistry.Config{})
	t.Cleanup(registry.Stop)
	if err := registry.Upsert("peer-1", map[string]string{"protocol": "http", "domain": "localhost", "port": "9001"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	queue := ratelimit.NewPriorityQueue(ratelimit.QueueConfig{})
	ar := New(Config{
		NodeID:   "node-1",
		Chain:    chain,
		Registry: registry,
		Queue:    queue,
		Network:  fakeNetwork{height: 1000},
	})

	metrics := ar.Check()
	var height Metric
	for _, m := range metrics {
		if m.Name == "height_delta" {
			height = m
		}
	}
	if height.Status != StatusCritical {
		t.Fatalf("height_delta status = %s, want critical", height.Status)
	}
	log := ar.RecoveryLog()
	if len(log) != 1 {
		t.Fatalf("RecoveryLog has %d entries, want 1", len(log))
	}
	if log[0].Type != "height_delta" {
		t.Fatalf("RecoveryLog[0].Type = %s, want height_delta", log[0].Type)
	}
}

func TestCheckEscalatesConnectivity(t *testing.T) {
	chain := newTestChain(t)
	registry := peerregistry.New(peerregistry.Config{DeadNodeThreshold: time.Hour})
	t.Cleanup(registry.Stop)
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		meta := map[string]string{"protocol": "http", "domain": id + ".local", "port": "9001"}
		if err := registry.Upsert(id, meta); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		registry.RecordFailure(string(rune('a' + i)))
	}

	ar := New(Config{NodeID: "node-1", Chain: chain, Registry: registry, Network: fakeNetwork{}})
	metrics := ar.Check()
	var conn Metric
	for _, m := range metrics {
		if m.Name == "connectivity_ratio" {
			conn = m
		}
	}
	if conn.Status != StatusCritical {
		t.Fatalf("connectivity_ratio = %s, want critical with 0/4 peers active: %+v", conn.Status, conn)
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	chain := newTestChain(t)
	registry := peerregistry.New(peerregistry.Config{})
	t.Cleanup(registry.Stop)
	sink, err := events.NewFileSink(filepath.Join(t.TempDir(), "events.log"))
	if err != nil {
		t.Fatalf("events sink: %v", err)
	}
	eventProc := events.New(events.Config{Sink: sink})

	ar := New(Config{
		NodeID:   "node-1",
		Chain:    chain,
		Registry: registry,
		Events:   eventProc,
		Network:  fakeNetwork{},
		Interval: 10 * time.Millisecond,
	})
	ar.Start()
	ar.Start() // second call must be a no-op, not a panic
	time.Sleep(25 * time.Millisecond)
	ar.Stop()
	ar.Stop() // second call must be a no-op, not a panic
}
