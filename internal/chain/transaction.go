// Package chain implements FumbleChain's core data model: transactions, the
// fixed-depth Merkle tree that aggregates them, and the blocks that carry
// that tree plus a proof-of-work nonce.
package chain

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// DefaultMagic is used by callers that do not otherwise know the network
// magic (e.g. tests, or a transaction constructed before a chain is known).
const DefaultMagic = 0xdeadbeef

// Transaction is a signed value transfer record. Src == "0" denotes a
// coinbase transaction.
type Transaction struct {
	Index     string  `json:"index"`
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	Qty       float64 `json:"qty"`
	Signature string  `json:"signature"`
	Magic     uint32  `json:"magic"`
}

// NewTransaction builds a transaction. If index is empty a random UUID is
// assigned, matching the reference implementation's "assign if absent" rule.
func NewTransaction(src, dst string, qty float64, magic uint32, index, signature string) *Transaction {
	if index == "" {
		index = uuid.NewString()
	}
	return &Transaction{
		Index:     index,
		Src:       src,
		Dst:       dst,
		Qty:       qty,
		Signature: signature,
		Magic:     magic,
	}
}

// hashable is the canonical, sorted-key JSON representation of a
// Transaction used for hashing: identical to Transaction but without the
// Signature field, since the hash must be stable across signing.
type hashable struct {
	Index string  `json:"index"`
	Src   string  `json:"src"`
	Dst   string  `json:"dst"`
	Qty   float64 `json:"qty"`
	Magic uint32  `json:"magic"`
}

// Hash returns the hex-encoded MD5 hash of the transaction's canonical JSON
// representation, excluding the signature.
func (t *Transaction) Hash() string {
	data, _ := marshalSorted(hashable{
		Index: t.Index,
		Src:   t.Src,
		Dst:   t.Dst,
		Qty:   t.Qty,
		Magic: t.Magic,
	})
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// AddSignature attaches sig to the transaction. Returns false if the
// transaction was already signed (a transaction may only be signed once).
func (t *Transaction) AddSignature(sig string) bool {
	if t.Signature != "" {
		return false
	}
	t.Signature = sig
	return true
}

// ToJSON returns the canonical (sorted-key) JSON representation of t.
func (t *Transaction) ToJSON() ([]byte, error) {
	return marshalSorted(t)
}

// FromJSON parses a Transaction from its canonical JSON representation.
func FromJSON(data []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalSorted re-marshals v through a generic map so that object keys are
// emitted in sorted order, matching Python's json.dumps(..., sort_keys=True)
// used throughout the reference implementation.
func marshalSorted(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSortedValue(generic)
}

func marshalSortedValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSortedValue(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSortedValue(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
