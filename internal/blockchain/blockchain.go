// Package blockchain implements FumbleChain's consensus rules: the ordered
// chain of blocks, target retargeting, fork resolution, replay prevention,
// balance accounting, and persistence.
//
// Grounded on the teacher's blockdag/dag.go "single writer, RWMutex-guarded
// chain state" discipline and model/blockchain.py's validation order.
package blockchain

import (
	"encoding/json"
	"math"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kudelskisecurity/fumblechain/internal/chain"
	"github.com/kudelskisecurity/fumblechain/internal/logger"
	"github.com/kudelskisecurity/fumblechain/internal/mempool"
	"github.com/kudelskisecurity/fumblechain/internal/wallet"
)

var log, _ = logger.Get(logger.SubsystemTags.Chain)

// Consensus parameters, named exactly as spec.md §4.6 names them.
var (
	// MaxTarget is the maximum allowed proof-of-work target: 2^126.
	MaxTarget = new(big.Int).Lsh(big.NewInt(1), 126)
)

const (
	// TargetWindow is the number of blocks between target recomputations.
	TargetWindow = 10
	// BlockIntervalSeconds is the target time between blocks.
	BlockIntervalSeconds = 6
	// secureConfirmations is the number of trailing blocks ignored by
	// SecureWalletBalance.
	secureConfirmations = 6
)

// ErrNotFound is returned by BlocksSince when the given hash is absent from
// the chain, distinct from a query that legitimately returns an empty (but
// present) result. The other lookups report absence with a bool.
var ErrNotFound = errors.New("not found")

// Blockchain is an ordered list of blocks plus the pending transaction
// pool, guarded by a single RWMutex: discard/add-transaction take the write
// lock, balance and chain queries take the read lock, matching spec §5's
// mutual-exclusion requirement.
type Blockchain struct {
	mu         sync.RWMutex
	blocks     []*chain.Block
	pool       *mempool.Pool
	magic      uint32
	ctfWallets []string
}

// New returns a fresh Blockchain containing only the genesis block
// (index 0, prevhash 0).
func New(magic uint32, ctfWallets []string) *Blockchain {
	genesis := chain.NewBlock(0, big.NewInt(0), 0, nil, "", nil)
	return &Blockchain{
		blocks:     []*chain.Block{genesis},
		pool:       mempool.New(),
		magic:      magic,
		ctfWallets: ctfWallets,
	}
}

// Magic returns the network magic this chain was constructed with.
func (bc *Blockchain) Magic() uint32 {
	return bc.magic
}

// Pool returns the chain's pending transaction pool.
func (bc *Blockchain) Pool() *mempool.Pool {
	return bc.pool
}

// isCTFWallet reports whether addr is configured to have infinite balance.
func (bc *Blockchain) isCTFWallet(addr string) bool {
	if addr == "0" {
		return true
	}
	for _, w := range bc.ctfWallets {
		if w == addr {
			return true
		}
	}
	return false
}

// Target returns the proof-of-work target the next block must satisfy, per
// spec §4.6's retargeting rule. Must be called with bc.mu held (read or
// write).
func (bc *Blockchain) Target() *big.Int {
	tip := bc.blocks[len(bc.blocks)-1]
	height := tip.Index + 1
	if height < TargetWindow {
		return new(big.Int).Set(chain.BaseTarget)
	}
	if height%TargetWindow != 0 {
		return new(big.Int).Set(tip.Target)
	}

	start := height - TargetWindow
	window := bc.blocks[start:height]
	first := window[0]
	last := window[len(window)-1]
	duration := last.Timestamp - first.Timestamp
	expected := float64(TargetWindow * BlockIntervalSeconds)

	if duration == 0 {
		// The retargeting formula divides by duration; spec §9 requires
		// guarding this case explicitly rather than crashing or producing
		// +Inf. We keep the previous target unchanged.
		log.Warnf("retargeting window has zero duration, keeping previous target")
		return new(big.Int).Set(tip.Target)
	}

	correction := 1 - (duration-expected)/duration
	targetF := new(big.Float).SetInt(tip.Target)
	targetF.Quo(targetF, big.NewFloat(correction))
	newTarget, _ := targetF.Int(nil)

	if newTarget.Sign() < 1 {
		newTarget = big.NewInt(1)
	}
	if newTarget.Cmp(MaxTarget) > 0 {
		newTarget = new(big.Int).Set(MaxTarget)
	}
	return newTarget
}

// BlockFromIndex returns the block with the given index, or the tip if
// index == -1. Returns false if no such block exists.
func (bc *Blockchain) BlockFromIndex(index int64) (*chain.Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blockFromIndexLocked(index)
}

func (bc *Blockchain) blockFromIndexLocked(index int64) (*chain.Block, bool) {
	if index == -1 {
		return bc.blocks[len(bc.blocks)-1], true
	}
	for _, b := range bc.blocks {
		if b.Index == index {
			return b, true
		}
	}
	return nil, false
}

// BlockFromHash returns the block with the given hash, or false if none
// exists.
func (bc *Blockchain) BlockFromHash(h *big.Int) (*chain.Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blockFromHashLocked(h)
}

func (bc *Blockchain) blockFromHashLocked(h *big.Int) (*chain.Block, bool) {
	for _, b := range bc.blocks {
		if b.Hash().Cmp(h) == 0 {
			return b, true
		}
	}
	return nil, false
}

// BlocksSince returns the blocks added after the block with the given hash.
// Returns an empty (non-nil) slice if that block is the current tip, and
// ErrNotFound if no block with that hash exists in the chain.
func (bc *Blockchain) BlocksSince(h *big.Int) ([]*chain.Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for i, b := range bc.blocks {
		if b.Hash().Cmp(h) == 0 {
			return append([]*chain.Block{}, bc.blocks[i+1:]...), nil
		}
	}
	return nil, ErrNotFound
}

// GetTransaction returns the transaction with the given index if it appears
// in any block of the chain, or nil otherwise.
func (bc *Blockchain) GetTransaction(index string) *chain.Transaction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for _, b := range bc.blocks {
		if tx := b.GetTransaction(index); tx != nil {
			return tx
		}
	}
	return nil
}

// Length returns the number of blocks in the chain.
func (bc *Blockchain) Length() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.blocks)
}

// Blocks returns a snapshot copy of the chain.
func (bc *Blockchain) Blocks() []*chain.Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	out := make([]*chain.Block, len(bc.blocks))
	copy(out, bc.blocks)
	return out
}

// updateBalance is the shared helper for WalletBalance/SecureWalletBalance:
// applies tx's effect on addr's running balance, unless balance is already
// infinite (CTF wallets / coinbase source never go negative or get summed).
func updateBalance(addr string, balance float64, found bool, tx *chain.Transaction) (float64, bool) {
	switch addr {
	case tx.Src:
		if !math.IsInf(balance, 1) {
			balance -= tx.Qty
		}
		found = true
	case tx.Dst:
		if !math.IsInf(balance, 1) {
			balance += tx.Qty
		}
		found = true
	}
	return balance, found
}

// WalletBalance returns the balance for addr: the sum over every chain and
// pool transaction of +qty when addr is the destination and -qty when addr
// is the source. Returns (0, false) if addr never appears.
func (bc *Blockchain) WalletBalance(addr string) (float64, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.walletBalanceLocked(addr)
}

func (bc *Blockchain) walletBalanceLocked(addr string) (float64, bool) {
	if bc.isCTFWallet(addr) {
		return math.Inf(1), true
	}
	var balance float64
	var found bool
	for _, b := range bc.blocks {
		for _, tx := range b.GetTransactions() {
			if tx.Src == addr || tx.Dst == addr {
				balance, found = updateBalance(addr, balance, found, tx)
			}
		}
	}
	for _, tx := range bc.pool.Transactions() {
		if tx.Src == addr || tx.Dst == addr {
			balance, found = updateBalance(addr, balance, found, tx)
		}
	}
	return balance, found
}

// SecureWalletBalance is WalletBalance computed over chain[:-6] only (the
// last 6 blocks and the entire pool are excluded), per the 6-confirmation
// rule.
func (bc *Blockchain) SecureWalletBalance(addr string) (float64, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.isCTFWallet(addr) {
		return math.Inf(1), true
	}
	var balance float64
	var found bool
	n := len(bc.blocks) - secureConfirmations
	if n < 0 {
		n = 0
	}
	for _, b := range bc.blocks[:n] {
		for _, tx := range b.GetTransactions() {
			if tx.Src == addr || tx.Dst == addr {
				balance, found = updateBalance(addr, balance, found, tx)
			}
		}
	}
	return balance, found
}

// AddTransaction validates trans and, if accepted, enqueues it into the
// transaction pool. Rejects non-finite or non-positive qty, insufficient
// balance, invalid signature, or duplicate index.
func (bc *Blockchain) AddTransaction(trans *chain.Transaction) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if math.IsNaN(trans.Qty) || math.IsInf(trans.Qty, 0) || trans.Qty <= 0 {
		return false
	}
	balance, found := bc.walletBalanceLocked(trans.Src)
	if !found || balance < trans.Qty {
		return false
	}
	return bc.pool.AddTransaction(trans)
}

// isValidCoinbaseTransaction reports whether tx is a well-formed coinbase:
// src == "0", qty == 1.
func isValidCoinbaseTransaction(tx *chain.Transaction) bool {
	if tx == nil {
		return false
	}
	if tx.Src != "0" {
		return false
	}
	if tx.Qty != 1 {
		return false
	}
	return true
}

// isValidBlockLocked runs the structural validity checks of spec §4.6 step 1.
// Must be called with bc.mu held.
func (bc *Blockchain) isValidBlockLocked(block *chain.Block) bool {
	tip := bc.blocks[len(bc.blocks)-1]

	if !block.ValidateProof("") {
		log.Debugf("block rejected: invalid proof")
		return false
	}
	if block.PrevHash.Cmp(tip.Hash()) != 0 {
		log.Debugf("block rejected: prevhash mismatch")
		return false
	}
	if block.Index != tip.Index+1 {
		log.Debugf("block rejected: index mismatch")
		return false
	}
	if block.Target.Cmp(bc.Target()) != 0 {
		log.Debugf("block rejected: target mismatch")
		return false
	}

	txs := block.GetTransactions()
	if len(txs) == 0 || !isValidCoinbaseTransaction(txs[0]) {
		log.Debugf("block rejected: invalid coinbase")
		return false
	}
	for i, tx := range txs {
		if i == 0 {
			continue
		}
		if !wallet.VerifyTransaction(tx) {
			log.Debugf("block rejected: invalid signature for tx %s", tx.Index)
			return false
		}
	}
	return true
}

// isBlockTxsReplayFreeLocked reports whether none of block's transaction indexes
// already appear anywhere in the chain.
func (bc *Blockchain) isBlockTxsReplayFreeLocked(block *chain.Block) bool {
	indexes := make(map[string]bool)
	for _, tx := range block.GetTransactions() {
		indexes[tx.Index] = true
	}
	for _, b := range bc.blocks {
		for _, tx := range b.GetTransactions() {
			if indexes[tx.Index] {
				return false
			}
		}
	}
	return true
}

// isBlockTxsPositive reports whether every transaction in block has a
// finite, positive qty.
func isBlockTxsPositive(block *chain.Block) bool {
	for _, tx := range block.GetTransactions() {
		if math.IsNaN(tx.Qty) || math.IsInf(tx.Qty, 0) || tx.Qty <= 0 {
			return false
		}
	}
	return true
}

// isBlockTxsBalancedLocked simulates applying block's transactions against
// chain balances and reports whether no source balance goes negative.
// Transactions also present in the pool are not double-counted.
func (bc *Blockchain) isBlockTxsBalancedLocked(block *chain.Block) bool {
	balances := make(map[string]float64)
	haveBalance := make(map[string]bool)
	seen := make(map[string]bool)
	for _, tx := range bc.pool.Transactions() {
		seen[tx.Index] = true
	}

	for _, tx := range block.GetTransactions() {
		if seen[tx.Index] {
			continue
		}
		seen[tx.Index] = true

		src := tx.Src
		if !haveBalance[src] {
			bal, found := bc.walletBalanceLocked(src)
			if !found {
				return false
			}
			balances[src] = bal
			haveBalance[src] = true
		}
		if bc.isCTFWallet(src) {
			continue
		}
		balances[src] -= tx.Qty
		if balances[src] < 0 {
			return false
		}
	}
	return true
}

// DiscardBlock attempts to add a new block to the chain, performing all the
// validity, fork-resolution, replay, and balance checks of spec §4.6.
// Returns true if the block was added.
func (bc *Blockchain) DiscardBlock(newBlock *chain.Block) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tip := bc.blocks[len(bc.blocks)-1]
	accepted := false
	if newBlock.Index == tip.Index && len(bc.blocks) > 1 {
		if newBlock.Timestamp > tip.Timestamp {
			return false
		}
		if newBlock.Hash().Cmp(tip.Hash()) > 0 {
			return false
		}
		bc.blocks = bc.blocks[:len(bc.blocks)-1]
		defer func() {
			if !accepted {
				bc.blocks = append(bc.blocks, tip)
			}
		}()
	}

	if !bc.isValidBlockLocked(newBlock) {
		return false
	}

	if !bc.isBlockTxsReplayFreeLocked(newBlock) {
		log.Debugf("block rejected: replayed transaction")
		return false
	}
	if !isBlockTxsPositive(newBlock) {
		log.Debugf("block rejected: non-positive transaction quantity")
		return false
	}
	if !bc.isBlockTxsBalancedLocked(newBlock) {
		log.Debugf("block rejected: negative wallet balance")
		return false
	}

	for _, tx := range newBlock.GetTransactions() {
		bc.pool.RemoveTransaction(tx)
	}
	bc.blocks = append(bc.blocks, newBlock)
	accepted = true
	return true
}

// PopBlock removes the current tip from the chain.
func (bc *Blockchain) PopBlock() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.blocks) > 0 {
		bc.blocks = bc.blocks[:len(bc.blocks)-1]
	}
}

// NewBlockTemplate builds a template block at tip.Index+1, pre-filled with
// the given coinbase transaction followed by as many pool transactions
// (highest qty first) as the transaction tree can hold.
func (bc *Blockchain) NewBlockTemplate(coinbase *chain.Transaction) *chain.Block {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tip := bc.blocks[len(bc.blocks)-1]
	b := chain.NewBlock(tip.Index+1, tip.Hash(), 0, nil, "", bc.Target())

	if !isValidCoinbaseTransaction(coinbase) {
		log.Debugf("new block template: invalid coinbase transaction")
	}
	if coinbase != nil {
		b.AddTransaction(coinbase)
	}

	txs := bc.pool.Transactions()
	for i := len(txs) - 1; i >= 0; i-- {
		if !b.AddTransaction(txs[i]) {
			break
		}
	}
	return b
}

// document is the canonical on-disk representation of a Blockchain: the
// ordered list of blocks and the network magic. The pool is never
// persisted.
type document struct {
	Chain []*chain.Block `json:"chain"`
	Magic uint32         `json:"magic"`
}

func (d *document) MarshalJSON() ([]byte, error) {
	blockDocs := make([]json.RawMessage, len(d.Chain))
	for i, b := range d.Chain {
		data, err := b.ToJSON()
		if err != nil {
			return nil, err
		}
		blockDocs[i] = data
	}
	return json.Marshal(struct {
		Chain []json.RawMessage `json:"chain"`
		Magic uint32            `json:"magic"`
	}{Chain: blockDocs, Magic: d.Magic})
}

// ToJSON returns the canonical JSON document for this chain: { "chain":
// [...], "magic": N }. The pool is not included.
func (bc *Blockchain) ToJSON() ([]byte, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	doc := &document{Chain: bc.blocks, Magic: bc.magic}
	return doc.MarshalJSON()
}

// FromJSON parses a Blockchain from its canonical JSON document.
func FromJSON(data []byte, ctfWallets []string) (*Blockchain, error) {
	var raw struct {
		Chain []json.RawMessage `json:"chain"`
		Magic uint32            `json:"magic"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decoding blockchain")
	}
	blocks := make([]*chain.Block, len(raw.Chain))
	for i, bdata := range raw.Chain {
		b, err := chain.BlockFromJSON(bdata)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding block %d", i)
		}
		blocks[i] = b
	}
	return &Blockchain{
		blocks:     blocks,
		pool:       mempool.New(),
		magic:      raw.Magic,
		ctfWallets: ctfWallets,
	}, nil
}

// SaveToFile writes the chain's canonical JSON document to path.
func (bc *Blockchain) SaveToFile(path string) error {
	data, err := bc.ToJSON()
	if err != nil {
		return errors.Wrap(err, "encoding blockchain")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing blockchain file")
	}
	return nil
}

// LoadFromFile reads and parses the chain document at path.
func LoadFromFile(path string, ctfWallets []string) (*Blockchain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading blockchain file")
	}
	bc, err := FromJSON(data, ctfWallets)
	if err != nil {
		return nil, errors.Wrap(err, "parsing blockchain file")
	}
	return bc, nil
}

// now is a seam for tests; production code always uses the wall clock.
var now = func() float64 { return float64(time.Now().UTC().UnixNano()) / 1e9 }
