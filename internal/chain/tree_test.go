package chain

import "testing"

func TestTreeAddTransactionFillsSiblingsBeforeGrowing(t *testing.T) {
	tree := NewTree()
	tx1 := NewTransaction("a", "b", 1, DefaultMagic, "tx1", "")
	tx2 := NewTransaction("a", "b", 1, DefaultMagic, "tx2", "")

	if !tree.AddTransaction(tx1) {
		t.Fatalf("expected first transaction to be added")
	}
	if tree.Depth != 0 {
		t.Fatalf("expected depth 0 after first insert, got %d", tree.Depth)
	}
	if !tree.AddTransaction(tx2) {
		t.Fatalf("expected second transaction to be added")
	}
	if tree.Depth != 1 {
		t.Fatalf("expected depth 1 after second insert, got %d", tree.Depth)
	}
	if !tree.IsPresent(tx1) || !tree.IsPresent(tx2) {
		t.Fatalf("expected both transactions present in tree")
	}
}

func TestTreeRejectsBeyondCapacity(t *testing.T) {
	tree := &Tree{Root: &TreeNode{}, Depth: 0, MaxDepth: 1}
	tx1 := NewTransaction("a", "b", 1, DefaultMagic, "tx1", "")
	tx2 := NewTransaction("a", "b", 1, DefaultMagic, "tx2", "")
	tx3 := NewTransaction("a", "b", 1, DefaultMagic, "tx3", "")

	if !tree.AddTransaction(tx1) || !tree.AddTransaction(tx2) {
		t.Fatalf("expected first two transactions to fill the depth-1 tree")
	}
	if tree.AddTransaction(tx3) {
		t.Fatalf("expected third transaction to be rejected at capacity")
	}
}

func TestTreeJSONRoundTrip(t *testing.T) {
	tree := NewTree()
	tx := NewTransaction("a", "b", 1, DefaultMagic, "tx1", "sig")
	tree.AddTransaction(tx)

	data, err := tree.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	parsed, err := TreeFromJSON(data)
	if err != nil {
		t.Fatalf("TreeFromJSON: %v", err)
	}
	if parsed.Root.Hash() != tree.Root.Hash() {
		t.Fatalf("round-tripped tree hash mismatch")
	}
	if !parsed.IsPresent(tx) {
		t.Fatalf("expected transaction present after round trip")
	}
}

func TestTreeMaxCapacityMatchesMaxDepth(t *testing.T) {
	if MaxTreeCapacity != 1<<MaxTreeDepth {
		t.Fatalf("MaxTreeCapacity inconsistent with MaxTreeDepth")
	}
}
