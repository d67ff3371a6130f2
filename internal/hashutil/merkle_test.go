package hashutil

import "testing"

func TestMerkleEmptyRoot(t *testing.T) {
	tree := NewMerkleTree(nil)
	if tree.Root() != EmptyHash {
		t.Fatalf("empty root = %s, want %s", tree.Root(), EmptyHash)
	}
}

func TestMerkleProofRoundTrip(t *testing.T) {
	leaves := []Hash{
		SumStrings("tx1"),
		SumStrings("tx2"),
		SumStrings("tx3"),
	}
	tree := NewMerkleTree(leaves)
	root := tree.Root()

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("proof(%d): %v", i, err)
		}
		if !VerifyProof(leaf, proof, root) {
			t.Fatalf("verify failed for leaf %d", i)
		}
		if len(proof) > 0 {
			bad := append([]ProofStep(nil), proof...)
			bad[0].Sibling = SumStrings("tampered")
			if VerifyProof(leaf, bad, root) {
				t.Fatalf("tampered proof unexpectedly verified for leaf %d", i)
			}
		}
	}
}

func TestMerkleOddLevelDuplicatesLast(t *testing.T) {
	leaves := []Hash{SumStrings("a"), SumStrings("b"), SumStrings("c")}
	tree := NewMerkleTree(leaves)
	want := hashPair(hashPair(leaves[0], leaves[1]), hashPair(leaves[2], leaves[2]))
	if tree.Root() != want {
		t.Fatalf("root = %s, want %s", tree.Root(), want)
	}
}
