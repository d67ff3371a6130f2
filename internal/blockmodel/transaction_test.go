package blockmodel

import "testing"

func TestTransactionHashExcludesSignature(t *testing.T) {
	tx := NewTransaction("alice", "bob", 5, 1, 0, 21000, 1, nil, 1000)
	before := tx.Hash()
	signed := tx.WithSignature([]byte("sig-bytes"))
	if signed.Hash() != before {
		t.Fatalf("signing changed the content hash")
	}
}

func TestTransactionIsValid(t *testing.T) {
	tx := NewTransaction("alice", "bob", 5, 1, 0, 21000, 1, nil, 1000).WithSignature([]byte("sig"))
	bal := staticBalance{balances: map[string]uint64{"alice": 10}, nonces: map[string]uint64{"alice": 0}}
	if err := tx.IsValid(alwaysValidVerifier{}, bal); err != nil {
		t.Fatalf("expected valid tx: %v", err)
	}
}

func TestTransactionInsufficientBalance(t *testing.T) {
	tx := NewTransaction("alice", "bob", 50, 1, 0, 21000, 1, nil, 1000).WithSignature([]byte("sig"))
	bal := staticBalance{balances: map[string]uint64{"alice": 10}, nonces: map[string]uint64{"alice": 0}}
	if err := tx.IsValid(alwaysValidVerifier{}, bal); err == nil {
		t.Fatalf("expected insufficient-balance error")
	}
}

func TestTransactionBadNonce(t *testing.T) {
	tx := NewTransaction("alice", "bob", 5, 1, 3, 21000, 1, nil, 1000).WithSignature([]byte("sig"))
	bal := staticBalance{balances: map[string]uint64{"alice": 10}, nonces: map[string]uint64{"alice": 0}}
	if err := tx.IsValid(alwaysValidVerifier{}, bal); err == nil {
		t.Fatalf("expected nonce mismatch error")
	}
}
