// Package snapshot implements the build/verify/load state-snapshot manager:
// a gzip-the-JSON compression technique paired with a restore path,
// generalized into a versioned, retained, optionally encrypted snapshot
// set.
package snapshot

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"ledgersync/internal/hashutil"
)

// State is a Snapshot's "state" half: accounts, contracts, validators,
// governance and height. Contracts and governance are carried as opaque
// string blobs: the VM and on-chain governance are both external
// collaborators out of scope here, so this package never interprets
// their contents, only commits to and restores them verbatim.
type State struct {
	Height     uint64
	Accounts   map[string]uint64
	Stakes     map[string]uint64
	Contracts  map[string]string
	Validators []string
	Governance map[string]string
}

// Counts summarizes a State for the metadata sidecar.
type Counts struct {
	Accounts   int
	Contracts  int
	Validators int
	Governance int
}

func countsOf(s State) Counts {
	return Counts{
		Accounts:   len(s.Accounts),
		Contracts:  len(s.Contracts),
		Validators: len(s.Validators),
		Governance: len(s.Governance),
	}
}

// Metadata is a Snapshot's "metadata" half, persisted separately from
// the (possibly compressed/encrypted) body for fast listing.
type Metadata struct {
	Version    int
	Height     uint64
	BlockHash  hashutil.Hash
	StateRoot  hashutil.Hash
	Timestamp  time.Time
	Counts     Counts
	Compressed bool
	Encrypted  bool
}

// CurrentVersion is the on-disk snapshot format version.
const CurrentVersion = 1

// kv gives map[string]T a canonical, sorted-key RLP encoding, mirroring
// blockmodel's canonical.go technique so a snapshot's state root is
// computed the same deterministic way a block's state root is.
type kv struct {
	Key   string
	Value string
}

func sortedStringKV(m map[string]string) []kv {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kv, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv{Key: k, Value: m[k]})
	}
	return out
}

func sortedUintKV(m map[string]uint64) []kv {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kv, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv{Key: k, Value: formatUint(m[k])})
	}
	return out
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

type stateRootFields struct {
	Height     uint64
	Accounts   []kv
	Stakes     []kv
	Contracts  []kv
	Validators []string
	Governance []kv
}

// stateRoot computes the canonical commitment to s, the same technique
// (sorted-key RLP over an ordered struct) blockmodel uses for a block's
// own state root.
func stateRoot(s State) hashutil.Hash {
	fields := stateRootFields{
		Height:     s.Height,
		Accounts:   sortedUintKV(s.Accounts),
		Stakes:     sortedUintKV(s.Stakes),
		Contracts:  sortedStringKV(s.Contracts),
		Validators: append([]string(nil), s.Validators...),
		Governance: sortedStringKV(s.Governance),
	}
	b, err := rlp.EncodeToBytes(fields)
	if err != nil {
		panic("snapshot: canonical encode: " + err.Error())
	}
	return hashutil.Sum(b)
}
