package syncengine

import (
	"context"
	"fmt"

	"ledgersync/internal/hashutil"
)

// SnapshotVerifier decrypts/decompresses a snapshot body, verifies its
// stateRoot and applies it to chain state, returning the stateRoot it
// loaded. snapshot.Manager satisfies this; it is the seam so SyncEngine
// never imports snapshot's on-disk format directly.
type SnapshotVerifier interface {
	VerifyAndLoad(ctx context.Context, body []byte, expectedHeight uint64) (hashutil.Hash, error)
}

// RunFast locates the newest snapshot height <= network (a multiple of
// snapshotInterval) advertised by at least one active peer, loads it, then
// bulk-downloads the remaining blocks (snapshotHeight, network].
func (e *Engine) RunFast(ctx context.Context, network uint64) (int, error) {
	snapHeight, peerURL, ok := e.locateSnapshot(ctx, network)
	if !ok {
		local, err := e.chain.Height()
		if err != nil {
			local = 0
		}
		e.logger.WithField("local", local).Warn("syncengine: no advertised snapshot found, falling back to full download")
		return e.RunFull(ctx, local, network)
	}

	body, err := e.fetcher.GetSnapshot(ctx, peerURL, snapHeight)
	if err != nil {
		return 0, fmt.Errorf("syncengine: fetch snapshot at %d: %w", snapHeight, err)
	}
	if e.snapshots == nil {
		return 0, fmt.Errorf("syncengine: no snapshot verifier configured")
	}
	if _, err := e.snapshots.VerifyAndLoad(ctx, body, snapHeight); err != nil {
		return 0, fmt.Errorf("syncengine: snapshot verification at %d: %w", snapHeight, err)
	}

	if snapHeight >= network {
		return 0, nil
	}
	payloads, err := e.downloadRange(ctx, snapHeight+1, network)
	if err != nil {
		return 0, fmt.Errorf("syncengine: post-snapshot download: %w", err)
	}
	return e.applyPayloads(payloads)
}

// locateSnapshot walks candidate snapshot heights (multiples of
// snapshotInterval, descending from the largest <= network) and returns the
// first one any active peer advertises.
func (e *Engine) locateSnapshot(ctx context.Context, network uint64) (uint64, string, bool) {
	if e.snapshotInterval == 0 {
		return 0, "", false
	}
	top := (network / e.snapshotInterval) * e.snapshotInterval
	for h := top; h > 0; h -= e.snapshotInterval {
		for _, p := range e.registry.ActivePeers() {
			exists, err := e.fetcher.HasSnapshot(ctx, p.URL, h)
			if err == nil && exists {
				return h, p.URL, true
			}
		}
	}
	return 0, "", false
}
