// Package consensusiface treats PoS consensus as an opaque capability:
// validate/canPropose/signBlock are interfaces without a fixed algorithm,
// so implementers choose the PoS variant; this package only fixes the
// seam ChainManager depends on.
package consensusiface

import (
	"sort"

	"ledgersync/internal/blockmodel"
)

// Consensus validates candidate blocks against the current stake
// distribution and decides which address may propose the next block.
type Consensus interface {
	// Validate reports whether b is acceptable given the current
	// stakeholder distribution (e.g. the proposer held sufficient stake,
	// any embedded signature checks out). It does not re-check hash or
	// Merkle invariants — those are Block.IsValid's job.
	Validate(b *blockmodel.Block, stakes map[string]uint64) error

	// CanPropose reports whether validator is currently permitted to
	// build a block. CreateBlock returns nil when it is not.
	CanPropose(validator string, stakes map[string]uint64) bool

	// SignBlock attaches whatever consensus-specific authentication the
	// implementation requires (e.g. a validator signature over the block
	// hash) and returns the finished block.
	SignBlock(b *blockmodel.Block, validator string) (*blockmodel.Block, error)
}

// WeightedStakeConsensus is the default PoS variant: weighted random
// validator selection by stake. It accepts any block proposed by a
// validator currently holding stake, which is sufficient for the
// single-majority liveness model this system targets (no BFT proofs
// beyond simple majority).
type WeightedStakeConsensus struct {
	// Rand supplies the selection randomness; tests inject a
	// deterministic source. Nil makes every pick use the fixed value 0.5.
	Rand func() float64
}

func (c WeightedStakeConsensus) Validate(b *blockmodel.Block, stakes map[string]uint64) error {
	if len(b.Validators) == 0 {
		return nil
	}
	proposer := b.Validators[0]
	if _, staked := stakes[proposer]; !staked {
		return errValidatorNotStaked(proposer)
	}
	return nil
}

func (c WeightedStakeConsensus) CanPropose(validator string, stakes map[string]uint64) bool {
	stake, ok := stakes[validator]
	return ok && stake > 0
}

func (c WeightedStakeConsensus) SignBlock(b *blockmodel.Block, validator string) (*blockmodel.Block, error) {
	return b.AddMetadata("proposer", validator), nil
}

type errValidatorNotStaked string

func (e errValidatorNotStaked) Error() string {
	return "consensus: validator " + string(e) + " holds no stake"
}

// SelectValidator performs a stake-weighted random pick among the given
// addresses. target is Rand() in [0,1) scaled by the total stake.
func (c WeightedStakeConsensus) SelectValidator(stakes map[string]uint64) (string, bool) {
	var total uint64
	addrs := make([]string, 0, len(stakes))
	for addr, s := range stakes {
		total += s
		addrs = append(addrs, addr)
	}
	if total == 0 {
		return "", false
	}
	r := c.rand()
	target := uint64(r * float64(total))
	var cum uint64
	// Deterministic iteration order matters for reproducibility, so
	// addresses are walked in sorted order.
	sort.Strings(addrs)
	for _, addr := range addrs {
		cum += stakes[addr]
		if target < cum {
			return addr, true
		}
	}
	// Floating point rounding can leave target just past total; fall
	// back to the last address seen.
	return addrs[len(addrs)-1], true
}

func (c WeightedStakeConsensus) rand() float64 {
	if c.Rand != nil {
		return c.Rand()
	}
	return 0.5
}
