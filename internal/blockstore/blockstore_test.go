package blockstore

import (
	"path/filepath"
	"testing"

	"ledgersync/internal/blockmodel"
)

func tmpStore(t *testing.T) *BlockStore {
	t.Helper()
	dir := t.TempDir()
	bs, err := New(Config{WALPath: filepath.Join(dir, "blocks.wal")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

func genesisBlock(t *testing.T) *blockmodel.Block {
	t.Helper()
	blk, err := blockmodel.NewGenesisBlock(1000, nil, nil, nil)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return blk
}

func TestSaveAndGet(t *testing.T) {
	bs := tmpStore(t)
	g := genesisBlock(t)
	if err := bs.SaveBlock(g); err != nil {
		t.Fatalf("save: %v", err)
	}
	if bs.Count() != 1 {
		t.Fatalf("count = %d, want 1", bs.Count())
	}
	got, err := bs.GetByIndex(0)
	if err != nil {
		t.Fatalf("get by index: %v", err)
	}
	if got.Hash() != g.Hash() {
		t.Fatalf("hash mismatch")
	}
	byHash, err := bs.GetByHash(g.Hash())
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if byHash.Index != 0 {
		t.Fatalf("index mismatch")
	}
}

func TestReplayOnReopen(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "blocks.wal")
	bs, err := New(Config{WALPath: walPath})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	g := genesisBlock(t)
	if err := bs.SaveBlock(g); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := bs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(Config{WALPath: walPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Count() != 1 {
		t.Fatalf("count after reopen = %d, want 1", reopened.Count())
	}
}

func TestOutOfOrderSaveRejected(t *testing.T) {
	bs := tmpStore(t)
	bb := blockmodel.NewBlockBuilder(5, 2000, blockmodel.GenesisPreviousHash, nil, nil, 1_000_000, 1)
	blk, err := bb.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := bs.SaveBlock(blk); err == nil {
		t.Fatalf("expected out-of-order rejection")
	}
}
