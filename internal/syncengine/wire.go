package syncengine

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/hashutil"
)

// TxPayload is one transaction as it travels over the wire.
type TxPayload struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
	Nonce     uint64 `json:"nonce"`
	GasLimit  uint64 `json:"gas_limit"`
	GasUsed   uint64 `json:"gas_used"`
	GasPrice  uint64 `json:"gas_price"`
	Data      []byte `json:"data,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// BlockPayload is the canonical block wire format: index/height,
// timestamp, previous_hash, merkle_root, state_root, hash, nonce,
// gas_used, gas_limit, difficulty, validators, stakes, transactions and
// metadata.
type BlockPayload struct {
	Index        uint64            `json:"index"`
	Height       uint64            `json:"height"`
	Timestamp    int64             `json:"timestamp"`
	PreviousHash string            `json:"previous_hash"`
	MerkleRoot   string            `json:"merkle_root"`
	StateRoot    string            `json:"state_root"`
	Hash         string            `json:"hash"`
	Nonce        uint64            `json:"nonce"`
	GasUsed      uint64            `json:"gas_used"`
	GasLimit     uint64            `json:"gas_limit"`
	Difficulty   uint64            `json:"difficulty"`
	Validators   []string          `json:"validators"`
	Stakes       map[string]uint64 `json:"stakes"`
	Transactions []TxPayload       `json:"transactions"`
	Metadata     map[string]string `json:"metadata"`
}

// HeaderPayload is a block with its transaction list omitted but every
// hash-affecting field retained, used by light sync: a light client
// recomputes expectedHeaderHash from these fields alone, the same way a
// full node recomputes a block's hash.
type HeaderPayload struct {
	Index        uint64            `json:"index"`
	Timestamp    int64             `json:"timestamp"`
	PreviousHash string            `json:"previous_hash"`
	MerkleRoot   string            `json:"merkle_root"`
	StateRoot    string            `json:"state_root"`
	Hash         string            `json:"hash"`
	Nonce        uint64            `json:"nonce"`
	GasUsed      uint64            `json:"gas_used"`
	GasLimit     uint64            `json:"gas_limit"`
	Difficulty   uint64            `json:"difficulty"`
	Validators   []string          `json:"validators"`
	Stakes       map[string]uint64 `json:"stakes"`
}

// fingerprint gives each payload an identity for plurality voting: the
// explicit hash when present, else SHA1(height ∥ previousHash ∥ txCount
// ∥ merkleRoot).
func (p BlockPayload) fingerprint() string {
	if p.Hash != "" {
		return p.Hash
	}
	h := sha1.New()
	fmt.Fprintf(h, "%d\x00%s\x00%d\x00%s", p.Index, p.PreviousHash, len(p.Transactions), p.MerkleRoot)
	return hex.EncodeToString(h.Sum(nil))
}

func (p HeaderPayload) fingerprint() string {
	if p.Hash != "" {
		return p.Hash
	}
	h := sha1.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s", p.Index, p.PreviousHash, p.MerkleRoot)
	return hex.EncodeToString(h.Sum(nil))
}

// ToBlock reconstructs a *blockmodel.Block from its wire payload. Fields
// are trusted as received; Block.IsValid (called by ChainManager.AddBlock)
// is the actual gate that rejects a forged or malformed payload.
func (p BlockPayload) ToBlock() *blockmodel.Block {
	txs := make([]*blockmodel.Transaction, len(p.Transactions))
	for i, t := range p.Transactions {
		txs[i] = t.toTransaction()
	}
	return &blockmodel.Block{
		Index:        p.Index,
		Timestamp:    p.Timestamp,
		PreviousHash: hashutil.Hash(p.PreviousHash),
		MerkleRoot:   hashutil.Hash(p.MerkleRoot),
		StateRoot:    hashutil.Hash(p.StateRoot),
		Nonce:        p.Nonce,
		GasUsed:      p.GasUsed,
		GasLimit:     p.GasLimit,
		Difficulty:   p.Difficulty,
		Validators:   append([]string(nil), p.Validators...),
		Stakes:       copyUintMap(p.Stakes),
		Transactions: txs,
		Metadata:     copyStringMap(p.Metadata),
		HashVal:      hashutil.Hash(p.Hash),
	}
}

func (t TxPayload) toTransaction() *blockmodel.Transaction {
	tx := blockmodel.NewTransaction(t.From, t.To, t.Amount, t.Fee, t.Nonce, t.GasLimit, t.GasPrice, t.Data, t.Timestamp)
	tx = tx.WithSignature(t.Signature)
	return tx.WithStatus(blockmodel.TxStatus(t.Status), t.GasUsed)
}

// BlockFromWireJSON decodes a BlockPayload-shaped JSON body (the wire
// format inbound handlers receive over /api/sync/events) into a
// *blockmodel.Block, for callers outside this package that never see
// BlockPayload itself.
func BlockFromWireJSON(body []byte) (*blockmodel.Block, error) {
	var p BlockPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("syncengine: decode block payload: %w", err)
	}
	return p.ToBlock(), nil
}

// TransactionFromWireJSON decodes a TxPayload-shaped JSON body into a
// *blockmodel.Transaction, the same seam as BlockFromWireJSON.
func TransactionFromWireJSON(body []byte) (*blockmodel.Transaction, error) {
	var p TxPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("syncengine: decode transaction payload: %w", err)
	}
	return p.toTransaction(), nil
}

func copyUintMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
