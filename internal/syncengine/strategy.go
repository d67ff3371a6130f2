// Package syncengine implements strategy selection and bulk download:
// full, fast/snapshot, light/header-only and checkpoint sync. Bulk block
// download fans out in parallel over HTTP to PeerRegistry's active peers;
// light sync fetches headers from the single best-reputation peer.
package syncengine

// Strategy names the chosen sync approach for an attempt.
type Strategy string

const (
	StrategyCheckpoint Strategy = "checkpoint"
	StrategyFull       Strategy = "full"
	StrategyFast       Strategy = "fast"
	StrategyLight      Strategy = "light"
)

// ChooseStrategy is a pure function of (local height, network height,
// whether any trusted checkpoint exists). Light is never chosen
// automatically; callers request it explicitly via RunLight.
func ChooseStrategy(local, network uint64, hasCheckpoints bool, fastThreshold uint64) Strategy {
	if local == 0 && hasCheckpoints {
		return StrategyCheckpoint
	}
	delta := uint64(0)
	if network > local {
		delta = network - local
	}
	if delta < 100 {
		return StrategyFull
	}
	if delta < fastThreshold {
		return StrategyFast
	}
	if hasCheckpoints {
		return StrategyCheckpoint
	}
	return StrategyFast
}
