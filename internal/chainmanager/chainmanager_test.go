package chainmanager

import (
	"path/filepath"
	"testing"
	"time"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/blockstore"
	"ledgersync/internal/vmiface"
)

type allowAllConsensus struct{}

func (allowAllConsensus) Validate(*blockmodel.Block, map[string]uint64) error { return nil }
func (allowAllConsensus) CanPropose(string, map[string]uint64) bool          { return true }
func (allowAllConsensus) SignBlock(b *blockmodel.Block, _ string) (*blockmodel.Block, error) {
	return b, nil
}

type alwaysValidVerifier struct{}

func (alwaysValidVerifier) Verify(from string, message, signature []byte) bool { return true }

type noopVM struct{}

func (noopVM) Execute(bytecode []byte, ctx vmiface.Context) (blockmodel.SmartContractResult, error) {
	return blockmodel.SmartContractResult{Success: true}, nil
}

func newTestCM(t *testing.T) *ChainManager {
	t.Helper()
	dir := t.TempDir()
	store, err := blockstore.New(blockstore.Config{WALPath: filepath.Join(dir, "blocks.wal")})
	if err != nil {
		t.Fatalf("blockstore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cm := New(Config{
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

func TestHappyBlockPropagation(t *testing.T) {
	cm := newTestCM(t)
	cm.balances["sender1"] = 20

	tx1 := blockmodel.NewTransaction("sender1", "recipient1", 5, 1, 0, 21000, 1, nil, 2000).WithSignature([]byte("s"))
	tx2 := blockmodel.NewTransaction("sender1", "recipient2", 7, 1, 1, 21000, 1, nil, 2001).WithSignature([]byte("s"))

	if err := cm.AddTransaction(tx1); err != nil {
		t.Fatalf("add tx1: %v", err)
	}
	if err := cm.AddTransaction(tx2); err != nil {
		t.Fatalf("add tx2: %v", err)
	}

	blk, err := cm.CreateBlock("v1")
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	if blk == nil {
		t.Fatalf("expected a block")
	}
	if err := cm.AddBlock(blk); err != nil {
		t.Fatalf("add block: %v", err)
	}

	if got := cm.GetBalance("recipient1"); got != 5 {
		t.Fatalf("recipient1 balance = %d, want 5", got)
	}
	if got := cm.GetBalance("sender1"); got != 20-6-7-1 {
		t.Fatalf("sender1 balance = %d, want %d", got, 20-6-7-1)
	}
	if cm.PendingCount() != 0 {
		t.Fatalf("expected empty mempool after confirmation")
	}
}

func TestAddBlockRejectsBadContinuity(t *testing.T) {
	cm := newTestCM(t)
	bb := blockmodel.NewBlockBuilder(5, time.Now().Unix(), "bogus", nil, nil, 1_000_000, 1)
	blk, err := bb.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cm.AddBlock(blk); err == nil {
		t.Fatalf("expected rejection for bad continuity")
	}
}

func TestIsChainValid(t *testing.T) {
	cm := newTestCM(t)
	if err := cm.IsChainValid(); err != nil {
		t.Fatalf("expected valid chain: %v", err)
	}
}

func TestCreateBlockNoPendingTxReturnsNil(t *testing.T) {
	cm := newTestCM(t)
	blk, err := cm.CreateBlock("v1")
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	if blk != nil {
		t.Fatalf("expected nil block with empty mempool")
	}
}
