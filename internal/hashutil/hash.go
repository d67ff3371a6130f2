// Package hashutil provides the SHA-256 and Merkle-tree primitives shared by
// the block, transaction and snapshot models. It is deliberately small and
// dependency-light so a light client can import it without pulling in the
// rest of the node.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash is a hex-encoded SHA-256 digest.
type Hash string

// Sum returns the hex-encoded SHA-256 digest of b.
func Sum(b []byte) Hash {
	d := sha256.Sum256(b)
	return Hash(hex.EncodeToString(d[:]))
}

// SumStrings hashes the UTF-8 bytes of s.
func SumStrings(s string) Hash {
	return Sum([]byte(s))
}

// EmptyHash is the digest of the empty byte string, used as the Merkle root
// of a block with no transactions.
var EmptyHash = Sum(nil)
