package syncengine

import (
	"context"
	"fmt"
	"sort"

	"ledgersync/internal/hashutil"
)

// Checkpoint is a hard-coded trusted (height, hash, stateRoot) triple used
// to bootstrap without replaying history.
type Checkpoint struct {
	Height    uint64
	Hash      hashutil.Hash
	StateRoot hashutil.Hash
}

// bestCheckpoint selects the highest trusted checkpoint with height <=
// network.
func bestCheckpoint(checkpoints []Checkpoint, network uint64) (Checkpoint, bool) {
	candidates := make([]Checkpoint, 0, len(checkpoints))
	for _, c := range checkpoints {
		if c.Height <= network {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return Checkpoint{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Height > candidates[j].Height })
	return candidates[0], true
}

// RunCheckpoint trusts cp's hash and stateRoot as the chain's state at
// cp.Height, then bulk-downloads blocks from there to network.
func (e *Engine) RunCheckpoint(ctx context.Context, network uint64, cp Checkpoint) (int, error) {
	e.logger.WithField("checkpoint_height", cp.Height).Info("syncengine: trusting checkpoint, skipping history replay")
	if cp.Height >= network {
		return 0, nil
	}
	payloads, err := e.downloadRange(ctx, cp.Height+1, network)
	if err != nil {
		return 0, fmt.Errorf("syncengine: checkpoint download: %w", err)
	}
	return e.applyPayloads(payloads)
}
