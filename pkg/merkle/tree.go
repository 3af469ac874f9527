// Package merkle implements the incremental hash tree backing the ledger
// and the per-peer shadow trees. Hashing follows the RFC 6962 scheme:
// leaf hashes are domain-separated from interior node hashes so a leaf can
// never be confused with a subtree root.
//
// A tree stores only its frontier, the roots of the complete subtrees in
// the binary decomposition of the leaf count, so serialized state and
// per-append cost grow logarithmically with ledger size.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

var (
	ErrIndexOutOfRange  = errors.New("merkle: leaf index out of range")
	ErrNoRecordedAppend = errors.New("merkle: no leaf appended to this tree instance")
)

// Tree is an append-only Merkle tree. Appending a leaf never invalidates
// previously issued roots; older roots remain consistent prefixes of
// newer ones.
type Tree struct {
	size int
	// frontier holds the complete-subtree roots, largest subtree first,
	// one entry per set bit of size.
	frontier [][]byte
	// lastPath is the sibling path of the newest leaf, recorded while
	// the frontier is merged during its append.
	lastPath  [][]byte
	pathValid bool
}

func NewTree() *Tree {
	return &Tree{}
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return t.size
}

// Append adds one leaf's raw content and returns the new root.
func (t *Tree) Append(content []byte) string {
	return t.AppendLeafHash(LeafHash(content))
}

// AppendLeafHash adds a precomputed leaf hash, used when mirroring a
// peer's tree from its history feed.
func (t *Tree) AppendLeafHash(h []byte) string {
	node := make([]byte, len(h))
	copy(node, h)
	var path [][]byte
	// One merge per trailing set bit of size: each complete subtree of
	// matching height absorbs the new node and becomes its sibling in
	// the new leaf's proof path.
	for n := t.size; n&1 == 1; n >>= 1 {
		left := t.frontier[len(t.frontier)-1]
		t.frontier = t.frontier[:len(t.frontier)-1]
		path = append(path, left)
		node = nodeHash(left, node)
	}
	// The surviving frontier nodes complete the path, nearest first.
	for i := len(t.frontier) - 1; i >= 0; i-- {
		path = append(path, t.frontier[i])
	}
	t.frontier = append(t.frontier, node)
	t.size++
	t.lastPath = path
	t.pathValid = true
	return t.Root()
}

// Root returns the hex root over the current leaf sequence. The empty
// tree's root is the hash of the empty string.
func (t *Tree) Root() string {
	return hex.EncodeToString(t.rootHash())
}

func (t *Tree) rootHash() []byte {
	if t.size == 0 {
		sum := sha256.Sum256(nil)
		return sum[:]
	}
	h := t.frontier[len(t.frontier)-1]
	for i := len(t.frontier) - 2; i >= 0; i-- {
		h = nodeHash(t.frontier[i], h)
	}
	return h
}

// Proof is an inclusion proof: the sibling hashes from the leaf to the
// root, ordered leaf-first.
type Proof struct {
	LeafIndex int      `json:"leaf-index"`
	TreeSize  int      `json:"tree-size"`
	Path      []string `json:"path"`
}

// LatestProof returns the inclusion proof for the most recently appended
// leaf under the current root. Only the newest leaf's path is held; a
// tree restored with Parse records no path until its next append.
func (t *Tree) LatestProof() (Proof, error) {
	if !t.pathValid {
		return Proof{}, ErrNoRecordedAppend
	}
	hexPath := make([]string, len(t.lastPath))
	for i, h := range t.lastPath {
		hexPath[i] = hex.EncodeToString(h)
	}
	return Proof{LeafIndex: t.size - 1, TreeSize: t.size, Path: hexPath}, nil
}

// VerifyInclusion checks a proof against a leaf's content and an expected
// hex root.
func VerifyInclusion(content []byte, proof Proof, root string) error {
	if proof.LeafIndex < 0 || proof.LeafIndex >= proof.TreeSize {
		return ErrIndexOutOfRange
	}
	computed, err := rollupProof(LeafHash(content), proof)
	if err != nil {
		return err
	}
	if hex.EncodeToString(computed) != root {
		return errors.New("merkle: inclusion proof does not match root")
	}
	return nil
}

func rollupProof(leaf []byte, proof Proof) ([]byte, error) {
	index := proof.LeafIndex
	size := proof.TreeSize
	// Determine left/right orientation per level by replaying the range
	// splits from the root down, then fold from the leaf up.
	type frame struct{ leafOnLeft bool }
	var frames []frame
	lo, hi := 0, size
	for hi-lo > 1 {
		k := largestPowerOfTwoBelow(hi - lo)
		if index < lo+k {
			frames = append(frames, frame{leafOnLeft: true})
			hi = lo + k
		} else {
			frames = append(frames, frame{leafOnLeft: false})
			lo = lo + k
		}
	}
	if len(frames) != len(proof.Path) {
		return nil, errors.New("merkle: proof length mismatch")
	}
	h := leaf
	for i := len(frames) - 1; i >= 0; i-- {
		sib, err := hex.DecodeString(proof.Path[len(frames)-1-i])
		if err != nil {
			return nil, fmt.Errorf("merkle: malformed proof node: %w", err)
		}
		if frames[i].leafOnLeft {
			h = nodeHash(h, sib)
		} else {
			h = nodeHash(sib, h)
		}
	}
	return h, nil
}

// treeState is the serialized form stored in pkd_merkle_state and in each
// peer's shadow tree column.
type treeState struct {
	Size     int      `json:"size"`
	Frontier []string `json:"frontier"`
}

// Serialize encodes the tree's frontier for storage.
func (t *Tree) Serialize() ([]byte, error) {
	st := treeState{Size: t.size, Frontier: make([]string, len(t.frontier))}
	for i, h := range t.frontier {
		st.Frontier[i] = hex.EncodeToString(h)
	}
	return json.Marshal(st)
}

// Parse restores a tree from its serialized state. An empty or nil blob
// yields an empty tree.
func Parse(raw []byte) (*Tree, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return NewTree(), nil
	}
	var st treeState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("merkle: parse tree state: %w", err)
	}
	if st.Size < 0 || len(st.Frontier) != bits.OnesCount(uint(st.Size)) {
		return nil, errors.New("merkle: corrupt tree state")
	}
	t := NewTree()
	t.size = st.Size
	for _, fh := range st.Frontier {
		h, err := hex.DecodeString(fh)
		if err != nil {
			return nil, fmt.Errorf("merkle: corrupt frontier hash: %w", err)
		}
		t.frontier = append(t.frontier, h)
	}
	return t, nil
}

// LeafHash computes a domain-separated leaf hash.
func LeafHash(content []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(content)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

func largestPowerOfTwoBelow(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}
