package chain

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MaxTreeDepth is the fixed maximum depth of a block's transaction tree,
// giving it a fixed capacity of 2^MaxTreeDepth transactions.
const MaxTreeDepth = 8

// MaxTreeCapacity is the number of transactions a single Tree can ever hold.
const MaxTreeCapacity = 1 << MaxTreeDepth

// Tree is the fixed-capacity Merkle-like tree that aggregates a block's
// transactions.
type Tree struct {
	Root     *TreeNode `json:"root"`
	Depth    int       `json:"depth"`
	MaxDepth int       `json:"max_depth"`
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{Root: &TreeNode{}, Depth: 0, MaxDepth: MaxTreeDepth}
}

// AddTransaction finds the first leaf slot in walk order that can accept tx.
// If the tree is full but has not yet reached MaxDepth, it grows by one
// level (a new root plus a fully-expanded sibling branch) and retries.
// Returns false if the tree is already at MaxDepth and full.
func (t *Tree) AddTransaction(tx *Transaction) bool {
	for _, node := range Walk(t.Root) {
		if node.AddTransaction(tx) {
			return true
		}
	}
	if t.Depth < t.MaxDepth {
		t.addRoot()
		return t.AddTransaction(tx)
	}
	return false
}

// addRoot grows the tree by one level: a new root node whose two children
// are the old root and a freshly expanded, empty sibling branch of the same
// depth.
func (t *Tree) addRoot() {
	if t.Depth >= t.MaxDepth {
		return
	}
	newRoot := &TreeNode{}
	newRoot.AddChild(t.Root)
	newRoot.AddChild(branch(t.Depth))
	t.Root = newRoot
	t.Depth++
}

// branch returns a fully-expanded, empty subtree of the given depth.
func branch(depth int) *TreeNode {
	if depth <= 0 {
		return &TreeNode{}
	}
	n := &TreeNode{}
	n.AddChild(branch(depth - 1))
	n.AddChild(branch(depth - 1))
	return n
}

// IsPresent reports whether a transaction with the same hash as tx is
// already present in the tree.
func (t *Tree) IsPresent(tx *Transaction) bool {
	for _, node := range Walk(t.Root) {
		if node.Data != nil && node.Data.Hash() == tx.Hash() {
			return true
		}
	}
	return false
}

// ToJSON returns the canonical JSON representation of the tree.
func (t *Tree) ToJSON() ([]byte, error) {
	return marshalSorted(t)
}

// TreeFromJSON parses a Tree from its canonical JSON representation.
func TreeFromJSON(data []byte) (*Tree, error) {
	var dto struct {
		Root     json.RawMessage `json:"root"`
		Depth    int             `json:"depth"`
		MaxDepth int             `json:"max_depth"`
	}
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, errors.Wrap(err, "decoding tree")
	}
	root, err := nodeFromJSON(dto.Root)
	if err != nil {
		return nil, errors.Wrap(err, "decoding tree root")
	}
	return &Tree{Root: root, Depth: dto.Depth, MaxDepth: dto.MaxDepth}, nil
}
