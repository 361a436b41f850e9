package core

import "testing"

func TestActionMerkleRoundTrip(t *testing.T) {
	cases := [][][]byte{
		{[]byte("a")},
		{[]byte("a"), []byte("b")},
		{[]byte("a"), []byte("b"), []byte("c")},
		{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")},
	}
	for _, leaves := range cases {
		root, err := ActionMerkleRoot(leaves)
		if err != nil {
			t.Fatalf("ActionMerkleRoot: %v", err)
		}
		for i := range leaves {
			proof, proofRoot, err := ActionMerkleProof(leaves, uint32(i))
			if err != nil {
				t.Fatalf("ActionMerkleProof(%d): %v", i, err)
			}
			if proofRoot != root {
				t.Fatalf("proof root mismatch at leaf %d", i)
			}
			if !VerifyActionMerklePath(root, leaves[i], proof, uint32(i)) {
				t.Fatalf("verify failed for leaf %d of %d", i, len(leaves))
			}
		}
	}
}

func TestReconstructActionMerkleRootMatchesFullTree(t *testing.T) {
	digests := [][]byte{[]byte("x"), []byte("y"), []byte("z")}
	want, err := ActionMerkleRoot(digests)
	if err != nil {
		t.Fatalf("ActionMerkleRoot: %v", err)
	}
	got, err := ReconstructActionMerkleRoot(digests)
	if err != nil {
		t.Fatalf("ReconstructActionMerkleRoot: %v", err)
	}
	if got != want {
		t.Fatalf("reconstructed root %x != %x", got, want)
	}
}

func TestVerifyActionMerklePathRejectsTamperedProof(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	root, err := ActionMerkleRoot(leaves)
	if err != nil {
		t.Fatalf("ActionMerkleRoot: %v", err)
	}
	proof, _, err := ActionMerkleProof(leaves, 1)
	if err != nil {
		t.Fatalf("ActionMerkleProof: %v", err)
	}
	proof[0][0] ^= 0xFF
	if VerifyActionMerklePath(root, leaves[1], proof, 1) {
		t.Fatalf("expected tampered proof to fail verification")
	}
}
