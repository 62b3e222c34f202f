package chain

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// BaseTarget is the initial proof-of-work target: 2^120 - 1, the literal
// used by the reference implementation.
var BaseTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 120), big.NewInt(1))

// Block is a single block in the chain: a header (index, prevhash,
// timestamp, target), a transaction tree, and a proof-of-work nonce.
type Block struct {
	Index     int64
	PrevHash  *big.Int
	Timestamp float64
	TransTree *Tree
	Proof     string
	Target    *big.Int
}

// NewBlock constructs a block. If target is nil, BaseTarget is used; if
// timestamp is zero, the current time is used.
func NewBlock(index int64, prevHash *big.Int, timestamp float64, tree *Tree, proof string, target *big.Int) *Block {
	if tree == nil {
		tree = NewTree()
	}
	if target == nil {
		target = new(big.Int).Set(BaseTarget)
	}
	if timestamp == 0 {
		timestamp = float64(time.Now().UTC().UnixNano()) / 1e9
	}
	return &Block{
		Index:     index,
		PrevHash:  prevHash,
		Timestamp: timestamp,
		TransTree: tree,
		Proof:     proof,
		Target:    target,
	}
}

// AddTransaction adds tx to the block's transaction tree.
func (b *Block) AddTransaction(tx *Transaction) bool {
	return b.TransTree.AddTransaction(tx)
}

// GetTransactions returns the block's transactions in tree walk order.
func (b *Block) GetTransactions() []*Transaction {
	var out []*Transaction
	for _, node := range Walk(b.TransTree.Root) {
		if node.Data != nil {
			out = append(out, node.Data)
		}
	}
	return out
}

// GetTransaction returns the transaction with the given index if present in
// this block, or nil otherwise.
func (b *Block) GetTransaction(index string) *Transaction {
	for _, tx := range b.GetTransactions() {
		if tx.Index == index {
			return tx
		}
	}
	return nil
}

// ClearTree resets the block's transaction tree to an empty one, but only if
// the block has not yet been mined (Proof == ""). Returns false otherwise.
func (b *Block) ClearTree() bool {
	if b.Proof != "" {
		return false
	}
	b.TransTree = NewTree()
	return true
}

// header returns the canonical, sorted-key JSON representation of the
// block header (everything that the proof-of-work commits to, except the
// proof itself): index, prevhash, the tree root hash, timestamp and target.
func (b *Block) header() []byte {
	m := map[string]interface{}{
		"index":      b.Index,
		"prevhash":   json.RawMessage(b.PrevHash.String()),
		"trans_tree": b.TransTree.Root.Hash(),
		"timestamp":  b.Timestamp,
		"target":     json.RawMessage(b.Target.String()),
	}
	data, _ := marshalSortedValue(m)
	return data
}

// Hash returns this block's hash: the MD5 digest of the header JSON
// concatenated with the mined proof, interpreted as a little-endian
// unsigned integer.
func (b *Block) Hash() *big.Int {
	return b.hashWithProof(b.Proof)
}

// hashWithProof computes the block hash using an explicit proof string
// instead of the block's own Proof field, used by ValidateProof when
// testing a candidate nonce before it is committed to the block.
func (b *Block) hashWithProof(proof string) *big.Int {
	data := append(b.header(), []byte(proof)...)
	sum := md5Sum(data)
	// interpret as little-endian: reverse the digest bytes before
	// treating them as a big-endian big.Int.
	reversed := make([]byte, len(sum))
	for i, c := range sum {
		reversed[len(sum)-1-i] = c
	}
	return new(big.Int).SetBytes(reversed)
}

// ValidateProof reports whether the given proof (or, if proof=="", the
// block's own Proof field) yields a block hash strictly less than Target.
func (b *Block) ValidateProof(proof string) bool {
	if proof == "" {
		proof = b.Proof
	}
	h := b.hashWithProof(proof)
	return h.Cmp(b.Target) < 0
}

// ToJSON returns the canonical JSON representation of the block.
func (b *Block) ToJSON() ([]byte, error) {
	treeJSON, err := b.TransTree.ToJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encoding transaction tree")
	}
	m := map[string]interface{}{
		"index":      b.Index,
		"prevhash":   json.RawMessage(b.PrevHash.String()),
		"timestamp":  b.Timestamp,
		"trans_tree": json.RawMessage(treeJSON),
		"proof":      b.Proof,
		"target":     json.RawMessage(b.Target.String()),
	}
	return marshalSortedValue(m)
}

// BlockFromJSON parses a Block from its canonical JSON representation.
func BlockFromJSON(data []byte) (*Block, error) {
	var dto struct {
		Index     int64           `json:"index"`
		PrevHash  json.Number     `json:"prevhash"`
		Timestamp float64         `json:"timestamp"`
		TransTree json.RawMessage `json:"trans_tree"`
		Proof     string          `json:"proof"`
		Target    json.Number     `json:"target"`
	}
	dec := json.NewDecoder(jsonReader(data))
	dec.UseNumber()
	if err := dec.Decode(&dto); err != nil {
		return nil, errors.Wrap(err, "decoding block")
	}
	tree, err := TreeFromJSON(dto.TransTree)
	if err != nil {
		return nil, errors.Wrap(err, "decoding block transaction tree")
	}
	prevHash, ok := new(big.Int).SetString(string(dto.PrevHash), 10)
	if !ok {
		return nil, errors.New("decoding block: bad prevhash")
	}
	target, ok := new(big.Int).SetString(string(dto.Target), 10)
	if !ok {
		return nil, errors.New("decoding block: bad target")
	}
	return &Block{
		Index:     dto.Index,
		PrevHash:  prevHash,
		Timestamp: dto.Timestamp,
		TransTree: tree,
		Proof:     dto.Proof,
		Target:    target,
	}, nil
}
