package vaultcore

import (
	"crypto/sha256"
	"fmt"
	"math/bits"
)

// Tags for the domain-separated hashes of the commitment tree, following
// the BIP-340 tagged hash construction.
const (
	tagVaultLeaf   = "VaultLeaf"
	tagVaultBranch = "VaultBranch"
)

// maxProofSteps bounds the height of any proof this package will fold. A
// proof longer than this cannot belong to any tree we could have built.
const maxProofSteps = 64

// ProofStep is a single level of a Merkle inclusion proof: the sibling
// hash at that level and which side of the running hash it sits on.
type ProofStep struct {
	Sibling [HashSize]byte
	// Right is true when the sibling is the right-hand child at this
	// level, i.e. the running hash is folded as H(running || sibling).
	Right bool
}

// MerkleProof is the ordered list of steps from a leaf up to the root.
// Levels at which the target node was the promoted lone node contribute
// no step, so a proof may be shorter than the tree height.
type MerkleProof struct {
	Steps []ProofStep
}

// Validate performs a structural check of the proof against the size of
// the tree it claims to belong to. It returns ErrMalformedProof when the
// proof is longer than any path in a tree with leafCount leaves. A proof
// that passes Validate may still fail verification; that outcome is the
// ordinary boolean result of VerifyMerkleProof.
func (p *MerkleProof) Validate(leafCount int) error {
	if p == nil {
		return fmt.Errorf("nil proof: %w", ErrMalformedProof)
	}
	if leafCount < 1 {
		return fmt.Errorf("leaf count %d: %w", leafCount, ErrInvalidInput)
	}
	if max := treeHeight(leafCount); len(p.Steps) > max {
		return fmt.Errorf("proof has %d steps, tree height is %d: %w",
			len(p.Steps), max, ErrMalformedProof)
	}
	return nil
}

// CommitmentTree is a Merkle tree over an ordered sequence of opaque leaf
// commitments. All levels are retained so that inclusion proofs can be
// read off directly.
type CommitmentTree struct {
	// levels[0] holds the leaf hashes; each subsequent level is built by
	// pairing adjacent nodes left-to-right. An odd trailing node is
	// promoted unchanged to the next level rather than duplicated, since
	// duplication would let two distinct leaf sequences share a root.
	levels [][][HashSize]byte
}

// BuildCommitmentTree hashes each leaf and folds the hashes bottom-up
// into a commitment tree. The leaf order is significant and preserved.
func BuildCommitmentTree(leaves [][]byte) (*CommitmentTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("empty leaf sequence: %w", ErrInvalidInput)
	}

	level := make([][HashSize]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = leafHash(leaf)
	}

	levels := [][][HashSize]byte{level}
	for len(level) > 1 {
		next := make([][HashSize]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, branchHash(level[i], level[i+1]))
			} else {
				// Lone odd node: promote unmodified.
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}

	tree := &CommitmentTree{levels: levels}
	log.Tracef("Built commitment tree: %d leaves, root %x",
		len(leaves), tree.Root())

	return tree, nil
}

// Root returns the single committed value published externally.
func (t *CommitmentTree) Root() [HashSize]byte {
	return t.levels[len(t.levels)-1][0]
}

// LeafCount returns the number of leaves the tree was built over.
func (t *CommitmentTree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the inclusion proof for the leaf at the given index,
// reading the required sibling at each level. At levels where the target
// node is the promoted lone node no step is emitted.
func (t *CommitmentTree) Proof(index int) (*MerkleProof, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d): %w",
			index, t.LeafCount(), ErrInvalidInput)
	}

	var steps []ProofStep
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			steps = append(steps, ProofStep{
				Sibling: level[sibling],
				Right:   sibling > pos,
			})
		}
		pos >>= 1
	}

	return &MerkleProof{Steps: steps}, nil
}

// VerifyMerkleProof recomputes the root from the leaf and the proof and
// compares it to the expected root. A failed verification is an expected,
// non-exceptional outcome, so the result is a plain boolean: false covers
// both a wrong leaf/proof pairing and a structurally impossible proof.
func VerifyMerkleProof(leaf []byte, proof *MerkleProof, root [HashSize]byte) bool {
	if proof == nil || len(proof.Steps) > maxProofSteps {
		return false
	}

	running := leafHash(leaf)
	for _, step := range proof.Steps {
		if step.Right {
			running = branchHash(running, step.Sibling)
		} else {
			running = branchHash(step.Sibling, running)
		}
	}

	return running == root
}

// treeHeight returns ceil(log2(leafCount)), the maximum number of proof
// steps for a tree of the given size.
func treeHeight(leafCount int) int {
	if leafCount <= 1 {
		return 0
	}
	return bits.Len(uint(leafCount - 1))
}

// leafHash commits a single opaque leaf with leaf domain separation.
func leafHash(leaf []byte) [HashSize]byte {
	return taggedHash(tagVaultLeaf, leaf)
}

// branchHash commits an ordered pair of child hashes with branch domain
// separation. The children are NOT sorted: proofs record explicit sides,
// and sorting here would erase the positional information they rely on.
func branchHash(left, right [HashSize]byte) [HashSize]byte {
	return taggedHash(tagVaultBranch, left[:], right[:])
}

// taggedHash computes a tagged hash as per BIP-340:
// SHA256(SHA256(tag) || SHA256(tag) || data...).
func taggedHash(tag string, chunks ...[]byte) [HashSize]byte {
	tagHash := sha256.Sum256([]byte(tag))

	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	for _, c := range chunks {
		h.Write(c)
	}

	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
