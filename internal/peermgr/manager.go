// Package peermgr implements FumbleChain's peer manager: the connection
// table, the block/tx hand-off queues, and the periodic synchronization,
// catch-up and persistence timers, grounded on the teacher's
// netadapter.go registry maps (connectionIDs/idsToConnections/idsToRouters
// ↔ this package's nodes map) and on the reference implementation's
// LoopingCall-per-concern structure, translated to one goroutine per
// time.Ticker, matching the teacher's one-goroutine-per-timer idiom.
package peermgr

import (
	"math/big"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kudelskisecurity/fumblechain/internal/blockchain"
	"github.com/kudelskisecurity/fumblechain/internal/chain"
	"github.com/kudelskisecurity/fumblechain/internal/logger"
	"github.com/kudelskisecurity/fumblechain/internal/peerconn"
	"github.com/kudelskisecurity/fumblechain/internal/util/panics"
	"github.com/kudelskisecurity/fumblechain/internal/wire"
)

var log, _ = logger.Get(logger.SubsystemTags.PeerMgr)

// Tuning intervals, named exactly as spec.md §4.9 names them.
const (
	BlockchainSynchronizeInterval = 5 * time.Second
	CatchupSynchronizeInterval    = 600 * time.Second
	BlockchainSaveInterval        = 300 * time.Second
)

type blockJob struct {
	block *chain.Block
	from  *peerconn.PeerConn
}

type txJob struct {
	tx   *chain.Transaction
	from *peerconn.PeerConn
}

// Manager owns the connection table, the chain, and every background
// timer. It implements peerconn.ConnHost.
type Manager struct {
	selfID string
	chain  *blockchain.Blockchain
	spawn  func(func())

	mu    sync.RWMutex
	nodes map[string]*peerconn.PeerConn

	blockq chan blockJob
	txq    chan txJob

	catchUpCh chan struct{}

	savePath string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Manager. selfID is this node's own "host:port" identity
// (used to reject self-connections), chain is the node's blockchain, and
// savePath is where the chain is periodically persisted.
func New(selfID string, bc *blockchain.Blockchain, savePath string) *Manager {
	m := &Manager{
		selfID:    selfID,
		chain:     bc,
		nodes:     make(map[string]*peerconn.PeerConn),
		blockq:    make(chan blockJob, 256),
		txq:       make(chan txJob, 256),
		catchUpCh: make(chan struct{}, 1),
		savePath:  savePath,
		stopCh:    make(chan struct{}),
	}
	m.spawn = panics.GoroutineWrapperFunc(log)
	return m
}

// Run starts the manager's background timers: synchronize, catch-up, and
// persistence. It blocks until Stop is called.
func (m *Manager) Run() {
	m.spawn(m.synchronizeLoop)
	m.spawn(m.catchUpLoop)
	m.spawn(m.persistLoop)
	<-m.stopCh
}

// Stop halts the manager's background timers and persists the chain one
// final time.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if err := m.chain.SaveToFile(m.savePath); err != nil {
			log.Errorf("final save failed: %v", err)
		}
	})
}

// Announce implements peerconn.ConnHost: called once a connection's peer ID
// becomes known (on receipt of its version message), inserting it into the
// connection table. Returns false if the MaxPeers cap is reached and this
// is a not-yet-tracked connection, in which case the caller must close it.
func (m *Manager) Announce(pc *peerconn.PeerConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := pc.ID()
	if _, already := m.nodes[id]; !already && len(m.nodes) >= peerconn.MaxPeers {
		return false
	}
	m.nodes[id] = pc
	return true
}

// Unregister implements peerconn.ConnHost: removes pc from the table.
func (m *Manager) Unregister(pc *peerconn.PeerConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := pc.ID()
	if id != "" && m.nodes[id] == pc {
		delete(m.nodes, id)
	}
}

// Magic implements peerconn.ConnHost.
func (m *Manager) Magic() uint32 { return m.chain.Magic() }

// SelfID implements peerconn.ConnHost.
func (m *Manager) SelfID() string { return m.selfID }

// EnqueueBlock implements peerconn.ConnHost.
func (m *Manager) EnqueueBlock(block *chain.Block, from *peerconn.PeerConn) {
	select {
	case m.blockq <- blockJob{block: block, from: from}:
	default:
		log.Warnf("blockq full, dropping block from %s", from.ID())
	}
}

// EnqueueTx implements peerconn.ConnHost.
func (m *Manager) EnqueueTx(tx *chain.Transaction, from *peerconn.PeerConn) {
	select {
	case m.txq <- txJob{tx: tx, from: from}:
	default:
		log.Warnf("txq full, dropping transaction from %s", from.ID())
	}
}

// ActivePeers implements peerconn.ConnHost: a snapshot of the connection
// table excluding the given id.
func (m *Manager) ActivePeers(excludeID string) []peerconn.PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]peerconn.PeerInfo, 0, len(m.nodes))
	for id, pc := range m.nodes {
		if id == excludeID {
			continue
		}
		out = append(out, pc.Info())
	}
	return out
}

// TipHash implements peerconn.ConnHost.
func (m *Manager) TipHash() string {
	tip, ok := m.chain.BlockFromIndex(-1)
	if !ok {
		return ""
	}
	return tip.Hash().String()
}

// ChainLength implements peerconn.ConnHost.
func (m *Manager) ChainLength() int { return m.chain.Length() }

// BlockByHash implements peerconn.ConnHost.
func (m *Manager) BlockByHash(hash string) (*chain.Block, bool) {
	h, ok := new(big.Int).SetString(hash, 10)
	if !ok {
		return nil, false
	}
	return m.chain.BlockFromHash(h)
}

// BlocksSince implements peerconn.ConnHost.
func (m *Manager) BlocksSince(hash string) ([]*chain.Block, bool) {
	h, ok := new(big.Int).SetString(hash, 10)
	if !ok {
		return nil, false
	}
	blocks, err := m.chain.BlocksSince(h)
	if err != nil {
		return nil, false
	}
	return blocks, true
}

// DiscardBlock implements peerconn.ConnHost.
func (m *Manager) DiscardBlock(b *chain.Block) bool { return m.chain.DiscardBlock(b) }

// PopTipIfHashMatches implements peerconn.ConnHost.
func (m *Manager) PopTipIfHashMatches(hash string) bool {
	tip, ok := m.chain.BlockFromIndex(-1)
	if !ok || tip.Hash().String() != hash {
		return false
	}
	m.chain.PopBlock()
	return true
}

// TriggerCatchUp implements peerconn.ConnHost: schedules an immediate
// catch-up round without blocking if one is already pending.
func (m *Manager) TriggerCatchUp() {
	select {
	case m.catchUpCh <- struct{}{}:
	default:
	}
}

// ConnectTo implements peerconn.ConnHost: dials host:port unless id is
// already connected, is ourselves, or the manager is at MaxPeers.
func (m *Manager) ConnectTo(id, host string, port int) {
	if id == m.selfID || id == "" {
		return
	}
	m.mu.RLock()
	_, exists := m.nodes[id]
	atCap := len(m.nodes) >= peerconn.MaxPeers
	m.mu.RUnlock()
	if exists || atCap {
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		log.Debugf("connect_to %s failed: %v", addr, err)
		return
	}
	pc := peerconn.New(conn, m, true, log, m.spawn)
	m.mu.Lock()
	m.nodes[id] = pc
	m.mu.Unlock()
	pc.Start()
}

// Accept wraps an accepted connection into a started PeerConn. The
// connection joins the node table only once its version arrives and
// Announce accepts it.
func (m *Manager) Accept(conn net.Conn) {
	pc := peerconn.New(conn, m, false, log, m.spawn)
	pc.Start()
}

// BroadcastBlock sends block to every active peer.
func (m *Manager) BroadcastBlock(block *chain.Block) {
	for _, pc := range m.snapshot() {
		if err := pc.SendBlock(block); err != nil {
			log.Debugf("broadcast block to %s failed: %v", pc.ID(), err)
		}
	}
}

// BroadcastTx sends tx to every active peer.
func (m *Manager) BroadcastTx(tx *chain.Transaction) {
	for _, pc := range m.snapshot() {
		if err := pc.SendTx(tx); err != nil {
			log.Debugf("broadcast tx to %s failed: %v", pc.ID(), err)
		}
	}
}

// BroadcastRaw sends an arbitrary pre-built message to every active peer.
func (m *Manager) BroadcastRaw(msg wire.Message) {
	for _, pc := range m.snapshot() {
		if err := pc.SendRaw(msg); err != nil {
			log.Debugf("broadcast raw to %s failed: %v", pc.ID(), err)
		}
	}
}

func (m *Manager) snapshot() []*peerconn.PeerConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*peerconn.PeerConn, 0, len(m.nodes))
	for _, pc := range m.nodes {
		out = append(out, pc)
	}
	return out
}

func (m *Manager) randomPeer() *peerconn.PeerConn {
	peers := m.snapshot()
	if len(peers) == 0 {
		return nil
	}
	return peers[rand.Intn(len(peers))]
}

// synchronizeLoop drains txq and blockq every BlockchainSynchronizeInterval.
func (m *Manager) synchronizeLoop() {
	ticker := time.NewTicker(BlockchainSynchronizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.drainQueues()
		}
	}
}

func (m *Manager) drainQueues() {
	for {
		select {
		case job := <-m.txq:
			if m.chain.AddTransaction(job.tx) {
				m.BroadcastTx(job.tx)
			}
			continue
		default:
		}
		break
	}

	for {
		select {
		case job := <-m.blockq:
			m.handleIncomingBlock(job)
			continue
		default:
		}
		break
	}
}

func (m *Manager) handleIncomingBlock(job blockJob) {
	tip, ok := m.chain.BlockFromIndex(-1)
	if ok && job.block.Hash().Cmp(tip.Hash()) == 0 {
		return
	}
	if m.chain.DiscardBlock(job.block) {
		m.BroadcastBlock(job.block)
		return
	}
	if tip != nil && job.block.Index > tip.Index+1 {
		m.TriggerCatchUp()
		return
	}
	if job.from != nil {
		reject := wire.Reject{BlockHash: job.block.Hash().String()}
		if err := job.from.SendRaw(reject); err != nil {
			log.Debugf("reject send to %s failed: %v", job.from.ID(), err)
		}
	}
}

// catchUpLoop sends getblocks(tip) to a random peer every
// CatchupSynchronizeInterval or when TriggerCatchUp fires.
func (m *Manager) catchUpLoop() {
	ticker := time.NewTicker(CatchupSynchronizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.catchUp()
		case <-m.catchUpCh:
			m.catchUp()
		}
	}
}

func (m *Manager) catchUp() {
	peer := m.randomPeer()
	if peer == nil {
		return
	}
	tip, ok := m.chain.BlockFromIndex(-1)
	if !ok {
		return
	}
	if err := peer.SendGetBlocks(tip.Hash()); err != nil {
		log.Debugf("catch-up getblocks to %s failed: %v", peer.ID(), err)
	}
}

// persistLoop saves the chain to disk every BlockchainSaveInterval.
func (m *Manager) persistLoop() {
	ticker := time.NewTicker(BlockchainSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.chain.SaveToFile(m.savePath); err != nil {
				log.Errorf("periodic save failed: %v", err)
			}
		}
	}
}
