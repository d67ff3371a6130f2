package blockmodel

import "testing"

type alwaysValidVerifier struct{}

func (alwaysValidVerifier) Verify(from string, message, signature []byte) bool { return true }

type staticBalance struct {
	balances map[string]uint64
	nonces   map[string]uint64
}

func (s staticBalance) BalanceOf(addr string) uint64     { return s.balances[addr] }
func (s staticBalance) ExpectedNonce(addr string) uint64 { return s.nonces[addr] }

func newTestTx(t *testing.T, from, to string, amount, fee, nonce uint64) *Transaction {
	t.Helper()
	tx := NewTransaction(from, to, amount, fee, nonce, 21000, 1, nil, 1000)
	tx = tx.WithSignature([]byte("sig"))
	return tx
}

func TestNewBlockHashRecomputes(t *testing.T) {
	tx1 := newTestTx(t, "alice", "bob", 5, 1, 0)
	tx2 := newTestTx(t, "alice", "carol", 7, 1, 1)

	bb := NewBlockBuilder(1, 2000, GenesisPreviousHash, []string{"v1"}, map[string]uint64{"v1": 100}, 1_000_000, 1)
	blk, err := bb.WithTransactions([]*Transaction{tx1, tx2}).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if blk.Hash() != hashOf(blk) {
		t.Fatalf("hash does not match recomputeHash")
	}
	want := merkleRootOf([]*Transaction{tx1, tx2})
	if blk.MerkleRoot != want {
		t.Fatalf("merkle root = %s, want %s", blk.MerkleRoot, want)
	}
}

func TestEmptyTxSetMerkleRoot(t *testing.T) {
	bb := NewBlockBuilder(1, 2000, GenesisPreviousHash, nil, nil, 1_000_000, 1)
	blk, err := bb.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if blk.MerkleRoot != merkleRootOf(nil) {
		t.Fatalf("empty merkle root mismatch")
	}
}

func TestAddSmartContractResultRecomputesHashAndStateRoot(t *testing.T) {
	bb := NewBlockBuilder(1, 2000, GenesisPreviousHash, nil, nil, 1_000_000, 1)
	blk, err := bb.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	before := blk.Hash()
	beforeRoot := blk.StateRoot

	updated, err := blk.AddSmartContractResult("contract1", SmartContractResult{Success: true, GasUsed: 100})
	if err != nil {
		t.Fatalf("add result: %v", err)
	}
	if updated.Hash() == before {
		t.Fatalf("hash unchanged after adding smart contract result")
	}
	if updated.StateRoot == beforeRoot {
		t.Fatalf("state root unchanged after adding smart contract result")
	}
	if blk.Hash() != before {
		t.Fatalf("original block was mutated in place")
	}
}

func TestGasUsedExceedsLimitRejected(t *testing.T) {
	tx := newTestTx(t, "alice", "bob", 5, 1, 0)
	tx.GasUsed = 2_000_000
	bb := NewBlockBuilder(1, 2000, GenesisPreviousHash, nil, nil, 1_000_000, 1)
	if _, err := bb.WithTransactions([]*Transaction{tx}).Build(); err == nil {
		t.Fatalf("expected gas-limit error")
	}
}

func TestBlockIsValid(t *testing.T) {
	tx := newTestTx(t, "alice", "bob", 5, 1, 0)
	bb := NewBlockBuilder(1, 2000, GenesisPreviousHash, nil, nil, 1_000_000, 1)
	blk, err := bb.WithTransactions([]*Transaction{tx}).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bal := staticBalance{balances: map[string]uint64{"alice": 100}, nonces: map[string]uint64{"alice": 0}}
	if err := blk.IsValid(alwaysValidVerifier{}, bal); err != nil {
		t.Fatalf("expected valid block: %v", err)
	}
}
