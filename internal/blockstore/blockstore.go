// Package blockstore implements an append-only, height-indexed block log
// using a write-ahead-log replay pattern: open-or-create a WAL file, replay
// it on start, and append one JSON line per block thereafter.
package blockstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/hashutil"
)

// Config configures a BlockStore's durable files.
type Config struct {
	WALPath    string // primary append-only log; required for durability.
	BinaryPath string // optional secondary storage; failures here are logged, not fatal.
	Logger     *logrus.Logger
}

// BlockStore is an append-only, height-indexed block log with a by-hash
// index. Guarantees: append-only at Count(); a saved block is durable (WAL
// fsynced) before SaveBlock returns; the by-hash index is updated
// atomically with the append under a single mutex.
type BlockStore struct {
	mu      sync.RWMutex
	wal     *os.File
	binPath string
	logger  *logrus.Logger

	byIndex []*blockmodel.Block
	byHash  map[hashutil.Hash]*blockmodel.Block
}

// New opens (or creates) the WAL at cfg.WALPath and replays any blocks
// already recorded there, matching ledger.go's NewLedger.
func New(cfg Config) (*BlockStore, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open wal: %w", err)
	}
	bs := &BlockStore{
		wal:     wal,
		binPath: cfg.BinaryPath,
		logger:  lg,
		byHash:  make(map[hashutil.Hash]*blockmodel.Block),
	}
	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var blk blockmodel.Block
		if err := json.Unmarshal(scanner.Bytes(), &blk); err != nil {
			_ = wal.Close()
			return nil, fmt.Errorf("blockstore: wal replay: %w", err)
		}
		bs.byIndex = append(bs.byIndex, &blk)
		bs.byHash[blk.Hash()] = &blk
	}
	if err := scanner.Err(); err != nil {
		_ = wal.Close()
		return nil, fmt.Errorf("blockstore: wal scan: %w", err)
	}
	return bs, nil
}

// SaveBlock appends b to the WAL, fsyncing before returning, then updates
// the in-memory indexes. The optional secondary binary storage write is
// best-effort: its failure is logged but never fails the save.
func (bs *BlockStore) SaveBlock(b *blockmodel.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("blockstore: marshal block %d: %w", b.Index, err)
	}
	data = append(data, '\n')

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if uint64(len(bs.byIndex)) != b.Index {
		return fmt.Errorf("blockstore: out-of-order save: have %d blocks, got index %d", len(bs.byIndex), b.Index)
	}
	if _, err := bs.wal.Write(data); err != nil {
		return fmt.Errorf("blockstore: wal write: %w", err)
	}
	if err := bs.wal.Sync(); err != nil {
		return fmt.Errorf("blockstore: wal sync: %w", err)
	}

	bs.byIndex = append(bs.byIndex, b)
	bs.byHash[b.Hash()] = b

	if bs.binPath != "" {
		if err := bs.appendBinary(data); err != nil {
			bs.logger.WithError(err).WithField("height", b.Index).Warn("blockstore: secondary binary storage append failed")
		}
	}
	return nil
}

func (bs *BlockStore) appendBinary(data []byte) error {
	f, err := os.OpenFile(bs.binPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// GetByIndex returns the block at height h.
func (bs *BlockStore) GetByIndex(h uint64) (*blockmodel.Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if h >= uint64(len(bs.byIndex)) {
		return nil, fmt.Errorf("blockstore: no block at height %d", h)
	}
	return bs.byIndex[h], nil
}

// GetByHash returns the block with the given hash.
func (bs *BlockStore) GetByHash(h hashutil.Hash) (*blockmodel.Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	blk, ok := bs.byHash[h]
	if !ok {
		return nil, fmt.Errorf("blockstore: no block with hash %s", h)
	}
	return blk, nil
}

// Count returns the number of blocks saved, i.e. the next expected height.
func (bs *BlockStore) Count() uint64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return uint64(len(bs.byIndex))
}

// Tip returns the highest saved block, or an error if the store is empty.
func (bs *BlockStore) Tip() (*blockmodel.Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if len(bs.byIndex) == 0 {
		return nil, fmt.Errorf("blockstore: empty")
	}
	return bs.byIndex[len(bs.byIndex)-1], nil
}

// Close releases the underlying WAL file handle.
func (bs *BlockStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.wal.Close()
}

// TruncateTo rewinds the store so only blocks [0, height] remain, used by
// EventSync's reorg handling to rewind mutable tip blocks. Genesis (height
// 0) is never removed by this call in practice, since callers only rewind
// to a fork height >= 1.
func (bs *BlockStore) TruncateTo(height uint64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if height+1 >= uint64(len(bs.byIndex)) {
		return nil
	}
	kept := bs.byIndex[:height+1]
	for _, blk := range bs.byIndex[height+1:] {
		delete(bs.byHash, blk.Hash())
	}
	bs.byIndex = kept

	if err := bs.rewriteWAL(); err != nil {
		return fmt.Errorf("blockstore: rewrite wal after truncate: %w", err)
	}
	return nil
}

func (bs *BlockStore) rewriteWAL() error {
	tmpPath := bs.wal.Name() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, blk := range bs.byIndex {
		if err := enc.Encode(blk); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	walName := bs.wal.Name()
	if err := bs.wal.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, walName); err != nil {
		return err
	}
	wal, err := os.OpenFile(walName, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	bs.wal = wal
	return nil
}
