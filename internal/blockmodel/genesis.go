package blockmodel

// GenesisPreviousHash is the fixed previousHash of the genesis block.
const GenesisPreviousHash = "0"

// NewGenesisBlock builds the index-0 block carrying the initial stake
// distribution. It carries no transactions, following a dedicated
// constructor separate from general block assembly.
func NewGenesisBlock(timestamp int64, validators []string, initialStakes map[string]uint64, metadata map[string]string) (*Block, error) {
	bb := NewBlockBuilder(0, timestamp, GenesisPreviousHash, validators, initialStakes, 0, 0)
	for k, v := range metadata {
		bb.WithMetadata(k, v)
	}
	return bb.Build()
}
