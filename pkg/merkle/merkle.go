// Package merkle builds binary Merkle trees over ordered hex leaf hashes and
// produces compact inclusion proofs.
//
// The tree shape is fixed: leaves pair left-to-right, a level with an odd
// node count duplicates its last node, and a parent is SHA-256(left || right).
// A tree of one leaf has that leaf as its root. Proof verification is a pure
// function so any holder of a leaf hash, a path and a claimed root can check
// inclusion without the rest of the tree.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProofStep is one level of an inclusion proof: the sibling hash to combine
// with, and whether that sibling sits to the left of the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Root computes the Merkle root of the given hex leaf hashes.
func Root(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", fmt.Errorf("merkle: no leaves")
	}
	level, err := decodeLeaves(leaves)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

// BuildProof returns the inclusion proof for the leaf at index, ordered from
// the leaf level up to (but excluding) the root. Proof length is O(log n).
func BuildProof(leaves []string, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(leaves))
	}
	level, err := decodeLeaves(leaves)
	if err != nil {
		return nil, err
	}

	var path []ProofStep
	idx := index
	for len(level) > 1 {
		var sibling []byte
		var left bool
		if idx%2 == 0 {
			// Sibling to the right; the last node of an odd level is its own sibling.
			if idx+1 < len(level) {
				sibling = level[idx+1]
			} else {
				sibling = level[idx]
			}
			left = false
		} else {
			sibling = level[idx-1]
			left = true
		}
		path = append(path, ProofStep{Hash: hex.EncodeToString(sibling), Left: left})
		level = nextLevel(level)
		idx /= 2
	}
	return path, nil
}

// VerifyProof recomputes the root from a leaf hash and its proof path and
// reports whether it matches the claimed root.
func VerifyProof(leafHash string, path []ProofStep, root string) bool {
	current, err := hex.DecodeString(leafHash)
	if err != nil {
		return false
	}
	for _, step := range path {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		if step.Left {
			current = hashPair(sibling, current)
		} else {
			current = hashPair(current, sibling)
		}
	}
	return hex.EncodeToString(current) == root
}

func decodeLeaves(leaves []string) ([][]byte, error) {
	level := make([][]byte, 0, len(leaves))
	for i, h := range leaves {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %d is not valid hex: %w", i, err)
		}
		level = append(level, b)
	}
	return level, nil
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(left, right))
	}
	return next
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	sum := h.Sum(nil)
	return sum
}
