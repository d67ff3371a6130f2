package blockmodel

import (
	"fmt"
	"sort"

	"ledgersync/internal/hashutil"
)

// SmartContractResult is the pure result the external VM collaborator
// returns: execute(bytecode, ctx) -> {success, gasUsed, stateChanges, logs}.
// This package never calls the VM; callers attach results via
// BlockBuilder.WithSmartContractResult.
type SmartContractResult struct {
	Success      bool
	GasUsed      uint64
	StateChanges map[string][]byte
	Logs         []string
}

type scResultCanonical struct {
	Success      bool
	GasUsed      uint64
	StateChanges []kv
	Logs         []string
}

func (r SmartContractResult) canonical() scResultCanonical {
	return scResultCanonical{
		Success:      r.Success,
		GasUsed:      r.GasUsed,
		StateChanges: sortedKV(r.StateChanges),
		Logs:         append([]string(nil), r.Logs...),
	}
}

// Block is immutable once built. Every field that participates in the
// block hash is set exactly once, by Build(); AddSmartContractResult and
// AddMetadata return a *new* Block with a freshly recomputed stateRoot and
// hash rather than mutating the receiver in place, keeping block mutation
// from ever retriggering itself.
type Block struct {
	Index        uint64
	Timestamp    int64
	PreviousHash hashutil.Hash
	MerkleRoot   hashutil.Hash
	StateRoot    hashutil.Hash
	Nonce        uint64
	GasUsed      uint64
	GasLimit     uint64
	Difficulty   uint64
	Validators   []string
	Stakes       map[string]uint64

	Transactions         []*Transaction
	SmartContractResults map[string]SmartContractResult
	Metadata             map[string]string

	HashVal hashutil.Hash
}

type blockHashFields struct {
	Index        uint64
	Timestamp    uint64
	PreviousHash string
	MerkleRoot   string
	StateRoot    string
	Nonce        uint64
	GasUsed      uint64
	GasLimit     uint64
	Difficulty   uint64
	Validators   []string
	Stakes       []kv
}

type contractEntry struct {
	Addr   string
	Result scResultCanonical
}

type stateRootFields struct {
	Contracts []contractEntry
	Balances  []kv
	Metadata  []kv
}

// merkleRootOf computes the root of the transaction hashes, with the empty
// set mapping to SHA256("").
func merkleRootOf(txs []*Transaction) hashutil.Hash {
	leaves := make([]hashutil.Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.Hash()
	}
	return hashutil.NewMerkleTree(leaves).Root()
}

// deltaBalances computes the naive per-address net change a set of
// transactions would apply: -(amount+fee) for the sender, +amount for the
// recipient. It feeds the state root the same way ChainManager's
// incremental balance map does, so the two never disagree.
func deltaBalances(txs []*Transaction) map[string]int64 {
	deltas := make(map[string]int64)
	for _, tx := range txs {
		deltas[tx.From] -= int64(tx.Amount + tx.Fee)
		deltas[tx.To] += int64(tx.Amount)
	}
	return deltas
}

func stateRootOf(txs []*Transaction, contracts map[string]SmartContractResult, metadata map[string]string) hashutil.Hash {
	deltas := deltaBalances(txs)
	addrs := make([]string, 0, len(deltas))
	for a := range deltas {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	balanceKV := make([]kv, 0, len(addrs))
	for _, a := range addrs {
		balanceKV = append(balanceKV, kv{Key: a, Value: []byte(fmt.Sprintf("%d", deltas[a]))})
	}

	contractAddrs := make([]string, 0, len(contracts))
	for a := range contracts {
		contractAddrs = append(contractAddrs, a)
	}
	sort.Strings(contractAddrs)
	fields := stateRootFields{Balances: balanceKV}
	for _, a := range contractAddrs {
		fields.Contracts = append(fields.Contracts, contractEntry{Addr: a, Result: contracts[a].canonical()})
	}
	metaBytes := make(map[string][]byte, len(metadata))
	for k, v := range metadata {
		metaBytes[k] = []byte(v)
	}
	fields.Metadata = sortedKV(metaBytes)

	return hashutil.Sum(canonicalBytes(fields))
}

func hashOf(b *Block) hashutil.Hash {
	fields := blockHashFields{
		Index:        b.Index,
		Timestamp:    uint64(b.Timestamp),
		PreviousHash: string(b.PreviousHash),
		MerkleRoot:   string(b.MerkleRoot),
		StateRoot:    string(b.StateRoot),
		Nonce:        b.Nonce,
		GasUsed:      b.GasUsed,
		GasLimit:     b.GasLimit,
		Difficulty:   b.Difficulty,
		Validators:   append([]string(nil), b.Validators...),
		Stakes:       sortedUintKV(b.Stakes),
	}
	return hashutil.Sum(canonicalBytes(fields))
}

// BlockBuilder constructs a Block builder-style: the VM's execution context
// is precomputed by the caller and handed in as pure results, never called
// back into from here.
type BlockBuilder struct {
	index        uint64
	timestamp    int64
	previousHash hashutil.Hash
	nonce        uint64
	gasLimit     uint64
	difficulty   uint64
	validators   []string
	stakes       map[string]uint64
	txs          []*Transaction
	scResults    map[string]SmartContractResult
	metadata     map[string]string
}

func NewBlockBuilder(index uint64, timestamp int64, previousHash hashutil.Hash, validators []string, stakes map[string]uint64, gasLimit, difficulty uint64) *BlockBuilder {
	return &BlockBuilder{
		index:        index,
		timestamp:    timestamp,
		previousHash: previousHash,
		validators:   validators,
		stakes:       stakes,
		gasLimit:     gasLimit,
		difficulty:   difficulty,
		scResults:    make(map[string]SmartContractResult),
		metadata:     make(map[string]string),
	}
}

func (bb *BlockBuilder) WithTransactions(txs []*Transaction) *BlockBuilder {
	bb.txs = txs
	return bb
}

func (bb *BlockBuilder) WithNonce(nonce uint64) *BlockBuilder {
	bb.nonce = nonce
	return bb
}

func (bb *BlockBuilder) WithSmartContractResult(addr string, result SmartContractResult) *BlockBuilder {
	bb.scResults[addr] = result
	return bb
}

func (bb *BlockBuilder) WithMetadata(key, value string) *BlockBuilder {
	bb.metadata[key] = value
	return bb
}

// Build computes merkleRoot, stateRoot and hash and returns the finished,
// immutable Block.
func (bb *BlockBuilder) Build() (*Block, error) {
	var gasUsed uint64
	for _, tx := range bb.txs {
		gasUsed += tx.GasUsed
	}
	for _, r := range bb.scResults {
		gasUsed += r.GasUsed
	}
	if gasUsed > bb.gasLimit {
		return nil, fmt.Errorf("blockmodel: gasUsed %d exceeds gasLimit %d", gasUsed, bb.gasLimit)
	}

	b := &Block{
		Index:                bb.index,
		Timestamp:            bb.timestamp,
		PreviousHash:         bb.previousHash,
		Nonce:                bb.nonce,
		GasUsed:              gasUsed,
		GasLimit:             bb.gasLimit,
		Difficulty:           bb.difficulty,
		Validators:           append([]string(nil), bb.validators...),
		Stakes:               copyStakes(bb.stakes),
		Transactions:         bb.txs,
		SmartContractResults: copyResults(bb.scResults),
		Metadata:             copyMetadata(bb.metadata),
	}
	b.MerkleRoot = merkleRootOf(b.Transactions)
	b.StateRoot = stateRootOf(b.Transactions, b.SmartContractResults, b.Metadata)
	b.HashVal = hashOf(b)
	return b, nil
}

func copyStakes(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyResults(m map[string]SmartContractResult) map[string]SmartContractResult {
	out := make(map[string]SmartContractResult, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Hash returns the block's content hash.
func (b *Block) Hash() hashutil.Hash { return b.HashVal }

// AddSmartContractResult returns a new Block with result attached for addr
// and stateRoot/hash recomputed. The receiver is left untouched.
func (b *Block) AddSmartContractResult(addr string, result SmartContractResult) (*Block, error) {
	cp := b.shallowCopy()
	cp.SmartContractResults[addr] = result
	cp.GasUsed += result.GasUsed
	if cp.GasUsed > cp.GasLimit {
		return nil, fmt.Errorf("blockmodel: gasUsed %d exceeds gasLimit %d", cp.GasUsed, cp.GasLimit)
	}
	cp.StateRoot = stateRootOf(cp.Transactions, cp.SmartContractResults, cp.Metadata)
	cp.HashVal = hashOf(cp)
	return cp, nil
}

// AddMetadata returns a new Block with key=value recorded and
// stateRoot/hash recomputed.
func (b *Block) AddMetadata(key, value string) *Block {
	cp := b.shallowCopy()
	cp.Metadata[key] = value
	cp.StateRoot = stateRootOf(cp.Transactions, cp.SmartContractResults, cp.Metadata)
	cp.HashVal = hashOf(cp)
	return cp
}

func (b *Block) shallowCopy() *Block {
	cp := *b
	cp.SmartContractResults = copyResults(b.SmartContractResults)
	cp.Metadata = copyMetadata(b.Metadata)
	cp.Validators = append([]string(nil), b.Validators...)
	cp.Stakes = copyStakes(b.Stakes)
	return &cp
}

// IsValid recomputes hash and Merkle root, checks the gas bound and
// validates every transaction against bal, the balance/nonce snapshot as of
// immediately before this block. Transactions are checked in order, each
// one's effect folded into a local view before the next is checked, so a
// block carrying several sequential transactions from the same sender
// (nonce N, N+1, N+2, ...) validates against the pre-block snapshot rather
// than needing bal to already reflect its own block.
func (b *Block) IsValid(verifier SignatureVerifier, bal BalanceLookup) error {
	if b.MerkleRoot != merkleRootOf(b.Transactions) {
		return fmt.Errorf("block %d: merkle root mismatch", b.Index)
	}
	if b.StateRoot != stateRootOf(b.Transactions, b.SmartContractResults, b.Metadata) {
		return fmt.Errorf("block %d: state root mismatch", b.Index)
	}
	if b.Hash() != hashOf(b) {
		return fmt.Errorf("block %d: hash mismatch", b.Index)
	}
	if b.GasUsed > b.GasLimit {
		return fmt.Errorf("block %d: gasUsed %d exceeds gasLimit %d", b.Index, b.GasUsed, b.GasLimit)
	}
	nonceOffset := make(map[string]uint64)
	balanceDelta := make(map[string]int64)
	for _, tx := range b.Transactions {
		if err := tx.verifyIntegrity(verifier); err != nil {
			return fmt.Errorf("block %d: %w", b.Index, err)
		}
		expectedNonce := bal.ExpectedNonce(tx.From) + nonceOffset[tx.From]
		available := int64(bal.BalanceOf(tx.From)) + balanceDelta[tx.From]
		var availableU uint64
		if available > 0 {
			availableU = uint64(available)
		}
		if err := tx.checkNonceAndBalance(expectedNonce, availableU); err != nil {
			return fmt.Errorf("block %d: %w", b.Index, err)
		}
		nonceOffset[tx.From]++
		balanceDelta[tx.From] -= int64(tx.Amount + tx.Fee)
		balanceDelta[tx.To] += int64(tx.Amount)
	}
	return nil
}
