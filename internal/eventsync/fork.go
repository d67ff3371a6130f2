package eventsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"ledgersync/internal/blockmodel"
	"ledgersync/internal/hashutil"
	"ledgersync/internal/syncengine"
)

// BlockFetcher pulls a single block at a given height from a peer, used to
// poll candidate chains during fork detection.
type BlockFetcher interface {
	FetchBlockAt(ctx context.Context, peerURL string, height uint64) (*blockmodel.Block, error)
}

type httpBlockFetcher struct {
	client *http.Client
}

func NewHTTPBlockFetcher(timeout time.Duration) BlockFetcher {
	return &httpBlockFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpBlockFetcher) FetchBlockAt(ctx context.Context, peerURL string, height uint64) (*blockmodel.Block, error) {
	url := fmt.Sprintf("%s/api/explorer/get_block?block_id=%d", peerURL, height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("eventsync: build fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eventsync: fetch block from %s: %w", peerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("eventsync: peer %s responded %d fetching height %d", peerURL, resp.StatusCode, height)
	}
	var payload syncengine.BlockPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("eventsync: decode block from %s: %w", peerURL, err)
	}
	return payload.ToBlock(), nil
}

// candidateTally counts how many active peers reported the same block hash
// at a contested height.
type candidateTally struct {
	hash   hashutil.Hash
	block  *blockmodel.Block
	voters []string
}

// DetectFork resolves a fork: on a previousHash mismatch at height, poll
// every active peer for their block at that height, tally by hash, and
// reorganize onto the majority chain if one peer's hash has at least
// ceil(0.51 * activePeerCount) support. Genesis (height 0) is never
// rewound.
func (es *EventSync) DetectFork(ctx context.Context, height uint64, localHash hashutil.Hash) error {
	if height == 0 {
		return fmt.Errorf("eventsync: refusing to fork-resolve genesis")
	}
	es.logger.WithField("height", height).Warn("eventsync: fork detected, polling peers")
	es.Dispatch("fork.detected", height)

	active := es.registry.ActivePeers()
	if len(active) == 0 {
		return fmt.Errorf("eventsync: no active peers to resolve fork at height %d", height)
	}

	tallies := make(map[hashutil.Hash]*candidateTally)
	for _, peer := range active {
		cctx, cancel := context.WithTimeout(ctx, es.baseTimeout)
		blk, err := es.fetcher().FetchBlockAt(cctx, peer.URL, height)
		cancel()
		if err != nil {
			es.logger.WithError(err).WithField("peer", peer.ID).Debug("eventsync: fork poll failed")
			continue
		}
		t, ok := tallies[blk.Hash()]
		if !ok {
			t = &candidateTally{hash: blk.Hash(), block: blk}
			tallies[blk.Hash()] = t
		}
		t.voters = append(t.voters, peer.ID)
	}

	threshold := int(math.Ceil(0.51 * float64(len(active))))
	var winner *candidateTally
	for _, t := range tallies {
		if len(t.voters) >= threshold && (winner == nil || len(t.voters) > len(winner.voters)) {
			winner = t
		}
	}
	if winner == nil {
		return fmt.Errorf("eventsync: no majority candidate at height %d (threshold %d of %d active)", height, threshold, len(active))
	}
	if winner.hash == localHash {
		es.logger.WithField("height", height).Info("eventsync: local chain confirmed canonical, no reorg needed")
		return nil
	}
	return es.reorganize(ctx, height, winner)
}

// reorganize truncates the local chain back to the fork point and reapplies
// the winning peer's blocks from there. Transactions that existed only in
// the abandoned branch are returned to the mempool for reconsideration
// against the new canonical chain.
func (es *EventSync) reorganize(ctx context.Context, forkHeight uint64, winner *candidateTally) error {
	if es.store == nil {
		return fmt.Errorf("eventsync: no block store configured, cannot reorganize")
	}

	var abandoned []*blockmodel.Transaction
	for h := forkHeight; h < es.store.Count(); h++ {
		blk, err := es.store.GetByIndex(h)
		if err != nil {
			break
		}
		abandoned = append(abandoned, blk.Transactions...)
	}

	if err := es.store.TruncateTo(forkHeight - 1); err != nil {
		return fmt.Errorf("eventsync: truncate to %d: %w", forkHeight-1, err)
	}
	if len(abandoned) > 0 {
		es.chain.ReturnToPending(abandoned)
	}

	sourcePeer := winner.voters[0]
	rec, ok := es.registry.Get(sourcePeer)
	if !ok {
		return fmt.Errorf("eventsync: canonical peer %s vanished from registry", sourcePeer)
	}

	height := forkHeight
	for {
		cctx, cancel := context.WithTimeout(ctx, es.baseTimeout)
		blk, err := es.fetcher().FetchBlockAt(cctx, rec.URL, height)
		cancel()
		if err != nil {
			break
		}
		if err := es.chain.AddBlock(blk); err != nil {
			es.logger.WithError(err).WithField("height", height).Warn("eventsync: reorg reapply rejected, stopping")
			break
		}
		height++
	}

	es.Dispatch("chain.reorganize", forkHeight)
	return nil
}

func (es *EventSync) fetcher() BlockFetcher {
	if es.blockFetcher == nil {
		es.blockFetcher = NewHTTPBlockFetcher(es.baseTimeout)
	}
	return es.blockFetcher
}
