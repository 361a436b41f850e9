package core

import (
	"bytes"
	"crypto/sha256"
	"errors"
)

// BuildActionMerkleTree returns the level-by-level nodes of the action
// Merkle tree for a block, given the ordered digests of its actions. The
// last level holds the single root hash committed to by the header.
func BuildActionMerkleTree(digests [][]byte) ([][][32]byte, error) {
	if len(digests) == 0 {
		return nil, errors.New("no action digests")
	}

	level := make([][32]byte, len(digests))
	for i, d := range digests {
		level[i] = sha256.Sum256(d)
	}

	tree := [][][32]byte{level}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = sha256.Sum256(append(level[i][:], level[i+1][:]...))
		}
		tree = append(tree, next)
		level = next
	}
	return tree, nil
}

// ActionMerkleRoot hashes the action digests of a block into its
// action-Merkle-root, the value carried in Header.ActionMRoot.
func ActionMerkleRoot(digests [][]byte) (Hash, error) {
	tree, err := BuildActionMerkleTree(digests)
	if err != nil {
		return Hash{}, err
	}
	return Hash(tree[len(tree)-1][0]), nil
}

// ActionMerkleProof returns the Merkle path for the action at index, along
// with the tree's root hash.
func ActionMerkleProof(digests [][]byte, index uint32) ([][]byte, Hash, error) {
	if len(digests) == 0 {
		return nil, Hash{}, errors.New("no action digests")
	}
	if int(index) >= len(digests) {
		return nil, Hash{}, errors.New("index out of range")
	}

	tree, err := BuildActionMerkleTree(digests)
	if err != nil {
		return nil, Hash{}, err
	}

	proof := make([][]byte, 0, len(tree)-1)
	idx := int(index)
	for i := 0; i < len(tree)-1; i++ {
		level := tree[i]
		if idx%2 == 0 {
			// The last node of an odd level is paired with itself, matching
			// the duplication BuildActionMerkleTree applies.
			sib := idx + 1
			if sib >= len(level) {
				sib = idx
			}
			proof = append(proof, level[sib][:])
		} else {
			proof = append(proof, level[idx-1][:])
		}
		idx /= 2
	}
	root := tree[len(tree)-1][0]
	return proof, Hash(root), nil
}

// VerifyActionMerklePath reconstructs the root from the given leaf digest
// and proof and checks it matches root. onpacket/onreceipt do not use it;
// they fold the full action_digests array with ReconstructActionMerkleRoot.
func VerifyActionMerklePath(root Hash, leaf []byte, proof [][]byte, index uint32) bool {
	h := sha256.Sum256(leaf)
	hash := h[:]
	for _, p := range proof {
		if index%2 == 0 {
			hash = sha256Concat(hash, p)
		} else {
			hash = sha256Concat(p, hash)
		}
		index /= 2
	}
	return bytes.Equal(hash, root[:])
}

// ReconstructActionMerkleRoot folds the full action_digests array supplied
// by an icp_action into a single root, the form onpacket/onreceipt use when
// the relay forwards every digest rather than a leaf-specific proof.
func ReconstructActionMerkleRoot(digests [][]byte) (Hash, error) {
	return ActionMerkleRoot(digests)
}

func sha256Concat(a, b []byte) []byte {
	sum := sha256.Sum256(append(append([]byte{}, a...), b...))
	return sum[:]
}
