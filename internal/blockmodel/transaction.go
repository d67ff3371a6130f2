// Package blockmodel implements the immutable Transaction and Block
// records, their canonical serialization, and their validity checks,
// following a Block/Transaction split with RLP-based header hashing.
package blockmodel

import (
	"fmt"
	"time"

	"ledgersync/internal/hashutil"
)

// TxStatus is the lifecycle state of a Transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// Transaction is immutable once constructed via NewTransaction.
type Transaction struct {
	HashVal   hashutil.Hash
	From      string
	To        string
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	GasLimit  uint64
	GasUsed   uint64
	GasPrice  uint64
	Data      []byte
	Signature []byte
	Status    TxStatus
	Timestamp int64
}

// txCanonicalFields mirrors Transaction's fields except Hash and Signature,
// in a fixed order, restricted to RLP-safe types (no signed ints).
type txCanonicalFields struct {
	From      string
	To        string
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	GasLimit  uint64
	GasUsed   uint64
	GasPrice  uint64
	Data      []byte
	Timestamp uint64
}

// NewTransaction builds a Transaction and computes its content hash over
// every field except Hash and Signature:
// hash = SHA256(canonical_serialize(fields except hash,signature)).
func NewTransaction(from, to string, amount, fee, nonce, gasLimit, gasPrice uint64, data []byte, timestamp int64) *Transaction {
	tx := &Transaction{
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       fee,
		Nonce:     nonce,
		GasLimit:  gasLimit,
		GasPrice:  gasPrice,
		Data:      data,
		Status:    StatusPending,
		Timestamp: timestamp,
	}
	tx.HashVal = tx.computeHash()
	return tx
}

func (tx *Transaction) computeHash() hashutil.Hash {
	fields := txCanonicalFields{
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Fee:       tx.Fee,
		Nonce:     tx.Nonce,
		GasLimit:  tx.GasLimit,
		GasUsed:   tx.GasUsed,
		GasPrice:  tx.GasPrice,
		Data:      tx.Data,
		Timestamp: uint64(tx.Timestamp),
	}
	return hashutil.Sum(canonicalBytes(fields))
}

// WithSignature returns a copy of tx carrying the given signature. Signing
// never changes the content hash: signature is excluded from it by
// construction.
func (tx *Transaction) WithSignature(sig []byte) *Transaction {
	cp := *tx
	cp.Signature = sig
	return &cp
}

// WithStatus returns a copy of tx in the given lifecycle status. Binding a
// transaction to a block (confirmed) or rejecting it (failed) never
// mutates the original in place, keeping the mempool's view consistent
// while a block is being assembled concurrently.
func (tx *Transaction) WithStatus(status TxStatus, gasUsed uint64) *Transaction {
	cp := *tx
	cp.Status = status
	cp.GasUsed = gasUsed
	return &cp
}

// Hash returns the transaction's content hash.
func (tx *Transaction) Hash() hashutil.Hash { return tx.HashVal }

// SignatureVerifier is the external Verify(from, message, signature)
// collaborator; signature and hash primitives are treated as an opaque
// Hash.sha256/Sign/Verify capability owned outside this package.
type SignatureVerifier interface {
	Verify(from string, message []byte, signature []byte) bool
}

// BalanceLookup resolves the sender's balance and expected next nonce at
// application time. ChainManager supplies the concrete implementation; this
// keeps Transaction validation free of any dependency on the chain.
type BalanceLookup interface {
	BalanceOf(addr string) uint64
	ExpectedNonce(addr string) uint64
}

// verifyIntegrity checks the parts of the validity invariant that never
// depend on chain position: the hash commits to the transaction's own
// fields, and the signature verifies under from's public key.
func (tx *Transaction) verifyIntegrity(verifier SignatureVerifier) error {
	if tx.Hash() != tx.computeHash() {
		return fmt.Errorf("transaction %s: hash mismatch", tx.HashVal)
	}
	if !verifier.Verify(tx.From, []byte(string(tx.HashVal)), tx.Signature) {
		return fmt.Errorf("transaction %s: signature verification failed", tx.HashVal)
	}
	return nil
}

// IsValidIntegrity exposes verifyIntegrity for callers that validate
// nonce/balance separately against their own position-dependent view (the
// mempool, which tracks queued-but-unconfirmed transactions per sender).
func (tx *Transaction) IsValidIntegrity(verifier SignatureVerifier) error {
	return tx.verifyIntegrity(verifier)
}

// checkNonceAndBalance checks the position-dependent half of the validity
// invariant against caller-supplied expectedNonce/availableBalance, letting
// callers
// that validate several transactions from the same sender in one block
// (Block.IsValid) apply each one's effect before checking the
// next rather than comparing every transaction against the same snapshot.
func (tx *Transaction) checkNonceAndBalance(expectedNonce, availableBalance uint64) error {
	if tx.Amount+tx.Fee > availableBalance {
		return fmt.Errorf("transaction %s: insufficient balance", tx.HashVal)
	}
	if tx.Nonce != expectedNonce {
		return fmt.Errorf("transaction %s: nonce %d, expected %d", tx.HashVal, tx.Nonce, expectedNonce)
	}
	return nil
}

// IsValid implements the transaction validity invariant in full against a
// single balance/nonce snapshot:
//
//	isValid ⇔ signature verifies under from's public key
//	        ∧ amount+fee ≤ sender_balance_at_application
//	        ∧ nonce == expected_nonce(from)
func (tx *Transaction) IsValid(verifier SignatureVerifier, bal BalanceLookup) error {
	if err := tx.verifyIntegrity(verifier); err != nil {
		return err
	}
	return tx.checkNonceAndBalance(bal.ExpectedNonce(tx.From), bal.BalanceOf(tx.From))
}

// CreatedAt returns the transaction creation time.
func (tx *Transaction) CreatedAt() time.Time {
	return time.Unix(tx.Timestamp, 0).UTC()
}
