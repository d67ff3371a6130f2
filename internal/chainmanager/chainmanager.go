// Package chainmanager implements chain assembly, validation of new blocks
// against the tip, balance/stake bookkeeping and the pending-transaction
// pool, following a SyncManager/Ledger split: a Ledger that owns state and
// applies blocks, coordinated by a thin SyncManager-style layer that
// drives high-level operations. ChainManager plays both roles here since
// they are not kept separate in this system.
package chainmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/blockstore"
	"ledgersync/internal/consensusiface"
	"ledgersync/internal/errs"
	"ledgersync/internal/hashutil"
	"ledgersync/internal/snapshot"
	"ledgersync/internal/vmiface"
)

// EventDispatcher is the loose-coupling seam to EventSync: ChainManager
// never imports eventsync directly (that would cycle back in via
// gap-fill), it only calls Dispatch, scheduling side effects only after
// releasing locks.
type EventDispatcher interface {
	Dispatch(eventType string, payload any)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, any) {}

// Config wires a ChainManager's collaborators.
type Config struct {
	Store         *blockstore.BlockStore
	Consensus     consensusiface.Consensus
	VM            vmiface.VM
	Verifier      blockmodel.SignatureVerifier
	Dispatcher    EventDispatcher
	Logger        *logrus.Logger
	MaxTxPerBlock int
	GasLimit      uint64
}

// ChainManager owns the pending-transaction pool, the incremental balance
// and stakeholder maps, and coordinates block assembly/acceptance.
type ChainManager struct {
	store      *blockstore.BlockStore
	consensus  consensusiface.Consensus
	vm         vmiface.VM
	verifier   blockmodel.SignatureVerifier
	dispatcher EventDispatcher
	logger     *logrus.Logger

	maxTxPerBlock int
	gasLimit      uint64

	// writeMu serializes addBlock/createBlock so tip.hash advances
	// monotonically: a single-writer chain lock.
	writeMu sync.Mutex

	// stateMu guards everything below; held only for in-memory mutation,
	// never across store or network I/O.
	stateMu      sync.RWMutex
	stakeholders map[string]uint64
	balances     map[string]int64
	nonces       map[string]uint64
	pending      []*blockmodel.Transaction
	pendingIdx   map[hashutil.Hash]struct{}
}

// New constructs a ChainManager. If the store is non-empty its genesis
// stakeholder distribution is not re-derived: callers are expected to seed
// stakeholders via SeedStakeholders before serving traffic, or to have
// replayed them by calling AddBlock for each historical block on a fresh
// node.
func New(cfg Config) *ChainManager {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	disp := cfg.Dispatcher
	if disp == nil {
		disp = noopDispatcher{}
	}
	maxTx := cfg.MaxTxPerBlock
	if maxTx <= 0 {
		maxTx = 500
	}
	return &ChainManager{
		store:         cfg.Store,
		consensus:     cfg.Consensus,
		vm:            cfg.VM,
		verifier:      cfg.Verifier,
		dispatcher:    disp,
		logger:        lg,
		maxTxPerBlock: maxTx,
		gasLimit:      cfg.GasLimit,
		stakeholders:  make(map[string]uint64),
		balances:      make(map[string]int64),
		nonces:        make(map[string]uint64),
		pendingIdx:    make(map[hashutil.Hash]struct{}),
	}
}

// SetDispatcher rewires the event dispatcher after construction, for
// callers whose dispatcher (e.g. EventSync) itself depends on the
// ChainManager it reports to and so cannot be built first.
func (cm *ChainManager) SetDispatcher(d EventDispatcher) {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	if d == nil {
		d = noopDispatcher{}
	}
	cm.dispatcher = d
}

// SeedStakeholders sets the initial stake distribution (from genesis).
func (cm *ChainManager) SeedStakeholders(stakes map[string]uint64) {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	for k, v := range stakes {
		cm.stakeholders[k] = v
	}
}

// BalanceOf implements blockmodel.BalanceLookup.
func (cm *ChainManager) BalanceOf(addr string) uint64 {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	return cm.nonNegBalance(addr)
}

func (cm *ChainManager) nonNegBalance(addr string) uint64 {
	if b := cm.balances[addr]; b > 0 {
		return uint64(b)
	}
	return 0
}

// ExpectedNonce implements blockmodel.BalanceLookup.
func (cm *ChainManager) ExpectedNonce(addr string) uint64 {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	return cm.nonces[addr]
}

// projectedBalance accounts for the sender's already-pending transactions,
// checking that the projected balance of from covers amount+fee.
// Caller must hold stateMu (read or write).
func (cm *ChainManager) projectedBalance(addr string) int64 {
	bal := cm.balances[addr]
	for _, tx := range cm.pending {
		if tx.From == addr {
			bal -= int64(tx.Amount + tx.Fee)
		}
		if tx.To == addr {
			bal += int64(tx.Amount)
		}
	}
	return bal
}

// AddTransaction validates tx, checks the sender's projected balance and
// queue position, appends it to the pool and fans it out via the
// dispatcher.
func (cm *ChainManager) AddTransaction(tx *blockmodel.Transaction) error {
	if err := tx.IsValidIntegrity(cm.verifier); err != nil {
		return errs.New(errs.Validation, "AddTransaction", err)
	}

	cm.stateMu.Lock()
	if _, dup := cm.pendingIdx[tx.Hash()]; dup {
		cm.stateMu.Unlock()
		return nil // already pending: treated as accepted-or-duplicate.
	}
	// The expected nonce accounts for transactions already queued from the
	// same sender, so a second transaction from one sender can queue behind
	// the first without waiting for confirmation.
	expectedNonce := cm.nonces[tx.From] + cm.pendingCountFrom(tx.From)
	if tx.Nonce != expectedNonce {
		cm.stateMu.Unlock()
		return errs.Validationf("AddTransaction", "nonce %d, expected %d", tx.Nonce, expectedNonce)
	}
	if tx.Amount+tx.Fee > cm.nonNegBalance(tx.From) {
		cm.stateMu.Unlock()
		return errs.Validationf("AddTransaction", "amount+fee %d exceeds confirmed balance", tx.Amount+tx.Fee)
	}
	projected := cm.projectedBalance(tx.From)
	if projected < int64(tx.Amount+tx.Fee) {
		cm.stateMu.Unlock()
		return errs.Validationf("AddTransaction", "projected balance %d insufficient for amount+fee %d", projected, tx.Amount+tx.Fee)
	}
	cm.pending = append(cm.pending, tx)
	cm.pendingIdx[tx.Hash()] = struct{}{}
	cm.stateMu.Unlock()

	cm.dispatcher.Dispatch("transaction.broadcast", tx)
	return nil
}

// pendingCountFrom returns the number of currently pending transactions
// sent by addr. Caller must hold stateMu.
func (cm *ChainManager) pendingCountFrom(addr string) uint64 {
	var n uint64
	for _, tx := range cm.pending {
		if tx.From == addr {
			n++
		}
	}
	return n
}

// PendingCount returns the number of transactions waiting in the mempool.
func (cm *ChainManager) PendingCount() int {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	return len(cm.pending)
}

// PurgeOlderThan removes pending transactions created before cutoff,
// used by AutoRecovery's mempool recovery, which purges txs older than
// 2h.
func (cm *ChainManager) PurgeOlderThan(cutoff time.Time) int {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	kept := cm.pending[:0]
	removed := 0
	for _, tx := range cm.pending {
		if tx.CreatedAt().Before(cutoff) {
			delete(cm.pendingIdx, tx.Hash())
			removed++
			continue
		}
		kept = append(kept, tx)
	}
	cm.pending = kept
	return removed
}

// CreateBlock selects up to maxTxPerBlock pending transactions in arrival
// order, executes any attached contract calls through the VM, and asks
// consensus to sign the resulting block. It returns (nil, nil) if
// validator may not propose or there is nothing to include.
func (cm *ChainManager) CreateBlock(validator string) (*blockmodel.Block, error) {
	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()

	cm.stateMu.RLock()
	stakesSnapshot := cloneUintMap(cm.stakeholders)
	cm.stateMu.RUnlock()

	if !cm.consensus.CanPropose(validator, stakesSnapshot) {
		return nil, nil
	}

	cm.stateMu.Lock()
	n := len(cm.pending)
	if n > cm.maxTxPerBlock {
		n = cm.maxTxPerBlock
	}
	selected := append([]*blockmodel.Transaction(nil), cm.pending[:n]...)
	cm.stateMu.Unlock()

	if len(selected) == 0 {
		return nil, nil
	}

	tip, err := cm.store.Tip()
	var index uint64
	var prevHash hashutil.Hash
	var prevTime int64
	if err != nil {
		index, prevHash, prevTime = 0, blockmodel.GenesisPreviousHash, 0
	} else {
		index, prevHash, prevTime = tip.Index+1, tip.Hash(), tip.Timestamp
	}

	ts := time.Now().Unix()
	if ts <= prevTime {
		ts = prevTime + 1
	}

	bb := blockmodel.NewBlockBuilder(index, ts, prevHash, []string{validator}, stakesSnapshot, cm.gasLimit, 1)
	bb.WithTransactions(selected)

	for _, tx := range selected {
		if len(tx.Data) == 0 {
			continue
		}
		result, execErr := cm.vm.Execute(tx.Data, vmiface.Context{
			BlockHeight: index,
			Timestamp:   ts,
			BalanceOf:   cm.BalanceOf,
			Sender:      tx.From,
			Value:       tx.Amount,
			GasLimit:    tx.GasLimit,
		})
		if execErr != nil {
			// Smart-contract failure is a first-class result, not an
			// error: the transaction still confirms, consuming its
			// declared gasLimit.
			result = blockmodel.SmartContractResult{Success: false, GasUsed: tx.GasLimit}
		}
		bb.WithSmartContractResult(tx.To, result)
	}

	blk, err := bb.Build()
	if err != nil {
		return nil, errs.New(errs.Validation, "CreateBlock", err)
	}

	signed, err := cm.consensus.SignBlock(blk, validator)
	if err != nil {
		return nil, errs.New(errs.Validation, "CreateBlock", fmt.Errorf("sign: %w", err))
	}
	return signed, nil
}

// AddBlock accepts b iff it passes every validity check relative to the
// current tip, then persists it, updates mempool/stakeholders/balances and
// dispatches "block.added".
func (cm *ChainManager) AddBlock(b *blockmodel.Block) error {
	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()

	tip, tipErr := cm.store.Tip()
	if tipErr != nil {
		if b.Index != 0 || b.PreviousHash != blockmodel.GenesisPreviousHash {
			return errs.Validationf("AddBlock", "empty chain requires genesis (index=0, previousHash=%q)", blockmodel.GenesisPreviousHash)
		}
	} else {
		if b.Index != tip.Index+1 {
			return errs.Validationf("AddBlock", "block index %d, expected %d", b.Index, tip.Index+1)
		}
		if b.PreviousHash != tip.Hash() {
			return errs.Validationf("AddBlock", "previousHash %s does not match tip hash %s", b.PreviousHash, tip.Hash())
		}
		if b.Timestamp <= tip.Timestamp {
			return errs.Validationf("AddBlock", "timestamp %d does not advance past tip timestamp %d", b.Timestamp, tip.Timestamp)
		}
	}

	if err := b.IsValid(cm.verifier, cm); err != nil {
		return errs.New(errs.Validation, "AddBlock", err)
	}

	cm.stateMu.RLock()
	stakesSnapshot := cloneUintMap(cm.stakeholders)
	cm.stateMu.RUnlock()
	if err := cm.consensus.Validate(b, stakesSnapshot); err != nil {
		return errs.New(errs.Validation, "AddBlock", err)
	}

	if err := cm.store.SaveBlock(b); err != nil {
		return errs.New(errs.Fatal, "AddBlock", err)
	}

	cm.stateMu.Lock()
	cm.applyBalances(b)
	cm.applyStakes(b)
	cm.removeFromPending(b.Transactions)
	cm.stateMu.Unlock()

	cm.dispatcher.Dispatch("block.added", b)
	return nil
}

// applyBalances folds a confirmed block's transactions into the
// incremental balance map and advances sender nonces. Caller holds
// stateMu.
func (cm *ChainManager) applyBalances(b *blockmodel.Block) {
	for _, tx := range b.Transactions {
		cm.balances[tx.From] -= int64(tx.Amount + tx.Fee)
		cm.balances[tx.To] += int64(tx.Amount)
		if tx.Nonce >= cm.nonces[tx.From] {
			cm.nonces[tx.From] = tx.Nonce + 1
		}
	}
}

// applyStakes merges a block's stake snapshot into the stakeholder map,
// updating it monotonically and removing zero stakes. Caller holds
// stateMu.
func (cm *ChainManager) applyStakes(b *blockmodel.Block) {
	for addr, amt := range b.Stakes {
		if amt == 0 {
			delete(cm.stakeholders, addr)
			continue
		}
		cm.stakeholders[addr] = amt
	}
}

// removeFromPending drops confirmed transactions from the mempool. Caller
// holds stateMu.
func (cm *ChainManager) removeFromPending(confirmed []*blockmodel.Transaction) {
	if len(confirmed) == 0 {
		return
	}
	confirmedIdx := make(map[hashutil.Hash]struct{}, len(confirmed))
	for _, tx := range confirmed {
		confirmedIdx[tx.Hash()] = struct{}{}
	}
	kept := cm.pending[:0]
	for _, tx := range cm.pending {
		if _, done := confirmedIdx[tx.Hash()]; done {
			delete(cm.pendingIdx, tx.Hash())
			continue
		}
		kept = append(kept, tx)
	}
	cm.pending = kept
}

// ReturnToPending re-admits transactions to the mempool without
// re-validating signatures, used when a reorg abandons blocks whose
// transactions deserve reconsideration.
func (cm *ChainManager) ReturnToPending(txs []*blockmodel.Transaction) {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	for _, tx := range txs {
		if _, dup := cm.pendingIdx[tx.Hash()]; dup {
			continue
		}
		reverted := tx.WithStatus(blockmodel.StatusPending, 0)
		cm.pending = append(cm.pending, reverted)
		cm.pendingIdx[reverted.Hash()] = struct{}{}
	}
}

// GetBalance conceptually folds over confirmed blocks, but returns the
// incrementally maintained cache by default to avoid an unbounded scan.
// Use VerifyBalance to force the full replay.
func (cm *ChainManager) GetBalance(addr string) int64 {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	return cm.balances[addr]
}

// VerifyBalance recomputes addr's balance via a full linear scan of the
// block store, for checking the incremental balance cache.
func (cm *ChainManager) VerifyBalance(addr string) (int64, error) {
	var bal int64
	n := cm.store.Count()
	for h := uint64(0); h < n; h++ {
		blk, err := cm.store.GetByIndex(h)
		if err != nil {
			return 0, err
		}
		for _, tx := range blk.Transactions {
			if tx.From == addr {
				bal -= int64(tx.Amount + tx.Fee)
			}
			if tx.To == addr {
				bal += int64(tx.Amount)
			}
		}
	}
	return bal, nil
}

// IsChainValid performs a linear walk: every block must be individually
// valid and link continuity must hold.
func (cm *ChainManager) IsChainValid() error {
	n := cm.store.Count()
	var prev *blockmodel.Block
	for h := uint64(0); h < n; h++ {
		blk, err := cm.store.GetByIndex(h)
		if err != nil {
			return errs.New(errs.Integrity, "IsChainValid", err)
		}
		if err := blk.IsValid(cm.verifier, cm); err != nil {
			return errs.New(errs.Validation, "IsChainValid", err)
		}
		if prev != nil {
			if blk.PreviousHash != prev.Hash() {
				return errs.Validationf("IsChainValid", "block %d previousHash does not match block %d hash", blk.Index, prev.Index)
			}
			if blk.Timestamp <= prev.Timestamp {
				return errs.Validationf("IsChainValid", "block %d timestamp does not advance past block %d", blk.Index, prev.Index)
			}
		}
		prev = blk
	}
	return nil
}

// Stakeholders returns a snapshot of the current stake distribution.
func (cm *ChainManager) Stakeholders() map[string]uint64 {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	return cloneUintMap(cm.stakeholders)
}

// AllBalances returns a snapshot of every address's non-negative balance.
func (cm *ChainManager) AllBalances() map[string]uint64 {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	out := make(map[string]uint64, len(cm.balances))
	for addr := range cm.balances {
		out[addr] = cm.nonNegBalance(addr)
	}
	return out
}

// Accounts implements snapshot.Provider.
func (cm *ChainManager) Accounts() map[string]uint64 { return cm.AllBalances() }

// Stakes implements snapshot.Provider.
func (cm *ChainManager) Stakes() map[string]uint64 { return cm.Stakeholders() }

// BlockHashAt resolves the hash of the block at height, for
// snapshot.Provider.
func (cm *ChainManager) BlockHashAt(height uint64) (hashutil.Hash, error) {
	blk, err := cm.store.GetByIndex(height)
	if err != nil {
		return "", err
	}
	return blk.Hash(), nil
}

// ApplyState implements snapshot.Applier, overwriting the in-memory
// balance and stakeholder maps from a loaded snapshot during fast sync's
// "load into state" step. It does not touch the mempool or nonces, since a
// snapshot predates any still-pending transaction; subsequent AddBlock
// calls rebuild nonces as usual.
func (cm *ChainManager) ApplyState(s snapshot.State) error {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	cm.balances = make(map[string]int64, len(s.Accounts))
	for addr, bal := range s.Accounts {
		cm.balances[addr] = int64(bal)
	}
	cm.stakeholders = cloneUintMap(s.Stakes)
	return nil
}

// Height returns the current chain height (store.Count() - 1), or an error
// if the store is empty.
func (cm *ChainManager) Height() (uint64, error) {
	n := cm.store.Count()
	if n == 0 {
		return 0, fmt.Errorf("chainmanager: empty chain")
	}
	return n - 1, nil
}

func cloneUintMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
