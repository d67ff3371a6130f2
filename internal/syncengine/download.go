package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ledgersync/internal/peerregistry"
)

// voteTally accumulates support for each distinct fingerprint seen at one
// height across responding peers.
type voteTally struct {
	payload BlockPayload
	votes   int
}

// downloadRange fetches [start,end] in batches of batchSize, tries the
// range endpoint first and falls back to per-block GETs against one peer
// when it's unsupported, resolves per-height plurality from whichever
// peers responded, truncates at the first contiguity break, and returns the
// longest contiguous, plurality-resolved prefix.
func (e *Engine) downloadRange(ctx context.Context, start, end uint64) ([]BlockPayload, error) {
	var out []BlockPayload
	for batchStart := start; batchStart <= end; batchStart += e.batchSize {
		batchEnd := batchStart + e.batchSize - 1
		if batchEnd > end {
			batchEnd = end
		}
		batch, err := e.downloadBatch(ctx, batchStart, batchEnd)
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
		if uint64(len(batch)) < (batchEnd-batchStart+1) {
			break // contiguity broke inside this batch; stop requesting further batches.
		}
	}
	return truncateAtFirstBreak(out), nil
}

// downloadBatch resolves one [start,end] batch by polling active peers
// concurrently and voting per height.
func (e *Engine) downloadBatch(ctx context.Context, start, end uint64) ([]BlockPayload, error) {
	peers := e.registry.ActivePeers()
	if len(peers) == 0 {
		return nil, fmt.Errorf("syncengine: no active peers for batch [%d,%d]", start, end)
	}

	tallies := make(map[uint64]map[string]*voteTally)
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.parallelDownloads)

	for _, peer := range peers {
		sem <- struct{}{}
		wg.Add(1)
		go func(p peerregistry.PeerRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			payloads, ok := e.fetchBatchFromPeer(ctx, p.URL, start, end)
			if !ok {
				return
			}
			mu.Lock()
			for _, bp := range payloads {
				if tallies[bp.Index] == nil {
					tallies[bp.Index] = make(map[string]*voteTally)
				}
				fp := bp.fingerprint()
				t, exists := tallies[bp.Index][fp]
				if !exists {
					t = &voteTally{payload: bp}
					tallies[bp.Index][fp] = t
				}
				t.votes++
			}
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	var resolved []BlockPayload
	for h := start; h <= end; h++ {
		byFP, ok := tallies[h]
		if !ok {
			break
		}
		resolved = append(resolved, plurality(byFP))
	}
	return resolved, nil
}

// fetchBatchFromPeer tries the range endpoint, falling back to per-block
// GETs against the same peer when the range endpoint is unsupported (404).
func (e *Engine) fetchBatchFromPeer(ctx context.Context, peerURL string, start, end uint64) ([]BlockPayload, bool) {
	if payloads, ok, err := e.fetcher.GetBlocksRange(ctx, peerURL, start, end); err == nil && ok {
		return payloads, true
	}
	var out []BlockPayload
	for h := start; h <= end; h++ {
		bp, err := e.fetcher.GetBlock(ctx, peerURL, h)
		if err != nil {
			break
		}
		out = append(out, bp)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func plurality(byFP map[string]*voteTally) BlockPayload {
	keys := make([]string, 0, len(byFP))
	for k := range byFP {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := byFP[keys[0]]
	for _, k := range keys[1:] {
		if byFP[k].votes > best.votes {
			best = byFP[k]
		}
	}
	return best.payload
}

// truncateAtFirstBreak drops everything from the first index where
// previousHash doesn't chain to the prior payload's hash.
func truncateAtFirstBreak(payloads []BlockPayload) []BlockPayload {
	for i := 1; i < len(payloads); i++ {
		expectedPrev := payloads[i-1].Hash
		if expectedPrev == "" {
			expectedPrev = payloads[i-1].fingerprint()
		}
		if payloads[i].PreviousHash != expectedPrev {
			return payloads[:i]
		}
	}
	return payloads
}

// applyPayloads converts each payload to a Block and applies it via
// ChainManager.AddBlock, stopping at the first rejection.
func (e *Engine) applyPayloads(payloads []BlockPayload) (applied int, err error) {
	for _, bp := range payloads {
		blk := bp.ToBlock()
		if err := e.chain.AddBlock(blk); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
