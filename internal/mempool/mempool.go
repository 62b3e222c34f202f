// Package mempool implements FumbleChain's transaction pool: a small,
// mutex-guarded, qty-ordered sequence of not-yet-mined transactions.
//
// The reference implementation's Python pool is a plain list re-sorted on
// every insert; the teacher's domain/mempool uses a priority structure
// because UTXO/fee-based eviction demands one. FumbleChain has neither
// concern (spec §9: acceptable for N up to a few hundred), so the naive
// form is kept, but the single-writer mutex discipline is grounded on the
// teacher's sync.RWMutex usage in domain/mempool/mempool.go.
package mempool

import (
	"sort"
	"sync"

	"github.com/kudelskisecurity/fumblechain/internal/chain"
	"github.com/kudelskisecurity/fumblechain/internal/wallet"
)

// Pool is a transaction pool: an ordered sequence of transactions with
// unique Index values, kept sorted ascending by Qty.
type Pool struct {
	mu  sync.RWMutex
	txs []*chain.Transaction
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// AddTransaction validates and inserts trans into the pool. Rejects
// signature-invalid or duplicate-index transactions. Returns true if
// accepted.
func (p *Pool) AddTransaction(trans *chain.Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(trans)
}

func (p *Pool) addLocked(trans *chain.Transaction) bool {
	if !wallet.VerifyTransaction(trans) {
		return false
	}
	for _, tx := range p.txs {
		if tx.Index == trans.Index {
			return false
		}
	}
	p.txs = append(p.txs, trans)
	sort.SliceStable(p.txs, func(i, j int) bool { return p.txs[i].Qty < p.txs[j].Qty })
	return true
}

// PullTransaction removes and returns the highest-qty transaction (the last
// element of the sorted pool). Returns nil if the pool is empty.
func (p *Pool) PullTransaction() *chain.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txs) == 0 {
		return nil
	}
	tx := p.txs[len(p.txs)-1]
	p.txs = p.txs[:len(p.txs)-1]
	return tx
}

// ImportTransactions adds every transaction carried by block to the pool.
// Returns false as soon as any rejection occurs; the pool may then hold a
// partial result, matching the reference implementation's behavior.
func (p *Pool) ImportTransactions(block *chain.Block) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range block.GetTransactions() {
		if !p.addLocked(tx) {
			return false
		}
	}
	return true
}

// RemoveTransaction removes every pool entry whose Index matches tx.Index.
func (p *Pool) RemoveTransaction(tx *chain.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.txs[:0]
	for _, t := range p.txs {
		if t.Index != tx.Index {
			out = append(out, t)
		}
	}
	p.txs = out
}

// Transactions returns a snapshot slice of the pool's current contents, in
// ascending qty order.
func (p *Pool) Transactions() []*chain.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*chain.Transaction, len(p.txs))
	copy(out, p.txs)
	return out
}

// Len returns the number of transactions currently in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Contains reports whether a transaction with the given index is in the
// pool.
func (p *Pool) Contains(index string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.txs {
		if t.Index == index {
			return true
		}
	}
	return false
}
