package blockmodel

import (
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// canonicalBytes is the single code path that defines "canonical
// serialization" for this package: lexicographically sorted map keys,
// deterministic field order, fed through RLP (the same technique the
// teacher uses for block-header hashing) so that hash, Merkle-leaf and
// state-root computation can never disagree about byte layout.
func canonicalBytes(v any) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		// Only occurs for programmer error (unsupported field type); the
		// canonical shapes below are restricted to rlp-safe types.
		panic("blockmodel: canonical encode: " + err.Error())
	}
	return b
}

// kv is a sorted (key, value) pair used to give map[string]T a canonical,
// order-stable RLP encoding.
type kv struct {
	Key   string
	Value []byte
}

func sortedKV(m map[string][]byte) []kv {
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
		var vb [8]byte
		v := m[k]
		for i := 7; i >= 0; i-- {
			vb[i] = byte(v)
			v >>= 8
		}
		out = append(out, kv{Key: k, Value: vb[:]})
	}
	return out
}
