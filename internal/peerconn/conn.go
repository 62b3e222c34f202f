package peerconn

import (
	"bufio"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kudelskisecurity/fumblechain/internal/chain"
	"github.com/kudelskisecurity/fumblechain/internal/logger"
	"github.com/kudelskisecurity/fumblechain/internal/wire"
)

// ConnHost is the narrow interface a PeerConn uses to reach back into its
// owning manager: enqueueing, lookups, and the chain operations the
// protocol needs (DiscardBlock, PopTipIfHashMatches), never the concrete
// manager type or the chain directly, per the cyclic-reference-avoidance
// design note.
type ConnHost interface {
	Magic() uint32
	SelfID() string
	EnqueueBlock(block *chain.Block, from *PeerConn)
	EnqueueTx(tx *chain.Transaction, from *PeerConn)
	ConnectTo(id, host string, port int)
	Announce(pc *PeerConn) bool
	ActivePeers(excludeID string) []PeerInfo
	TriggerCatchUp()
	TipHash() string
	ChainLength() int
	BlockByHash(hash string) (*chain.Block, bool)
	BlocksSince(hash string) ([]*chain.Block, bool)
	DiscardBlock(b *chain.Block) bool
	PopTipIfHashMatches(hash string) bool
	Unregister(pc *PeerConn)
}

type rejectRecord struct {
	at   time.Time
	kind string
	hash string
}

// PeerConn is a single peer connection and its protocol state machine.
type PeerConn struct {
	conn     net.Conn
	host     ConnHost
	log      *logger.Logger
	spawn    func(func())
	outbound bool

	reader *bufio.Reader

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	remoteHost string
	remotePort int
	id         string
	lastSeen   time.Time

	heartbeatTicker *time.Ticker
	getaddrTicker   *time.Ticker

	rejectMu sync.Mutex
	rejects  []rejectRecord

	done chan struct{}
}

// New wraps an established net.Conn into a PeerConn. outbound is true if we
// dialed the connection, false if we accepted it.
func New(conn net.Conn, host ConnHost, outbound bool, log *logger.Logger, spawn func(func())) *PeerConn {
	return &PeerConn{
		conn:     conn,
		host:     host,
		log:      log,
		spawn:    spawn,
		outbound: outbound,
		reader:   bufio.NewReader(conn),
		state:    StateNew,
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}
}

// Start sends the initial version handshake message and spawns the receive
// loop. Must be called once per connection.
func (pc *PeerConn) Start() {
	pc.setState(StateVersionSent)
	port := pc.selfListenPort()
	if err := pc.send(wire.Version{Port: port}); err != nil {
		pc.log.Debugf("peer %s: failed to send version: %v", pc.remote(), err)
		pc.Close()
		return
	}
	pc.spawn(pc.receiveLoop)
}

func (pc *PeerConn) selfListenPort() int {
	// The manager's own listen port is encoded in its SelfID as
	// "host:port"; parse it out. If parsing fails, 0 is sent, matching a
	// node that does not expose a reachable listening address.
	id := pc.host.SelfID()
	_, portStr, err := net.SplitHostPort(id)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func (pc *PeerConn) remote() string {
	return pc.conn.RemoteAddr().String()
}

func (pc *PeerConn) setState(s State) {
	pc.mu.Lock()
	pc.state = s
	pc.mu.Unlock()
}

// State returns the connection's current state.
func (pc *PeerConn) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// ID returns this peer's "host:port" identity, empty until the version
// handshake completes.
func (pc *PeerConn) ID() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.id
}

// LastSeen returns the last time any message was received from this peer.
func (pc *PeerConn) LastSeen() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastSeen
}

// Info returns a PeerInfo snapshot of this connection, suitable for an addr
// response.
func (pc *PeerConn) Info() PeerInfo {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return PeerInfo{ID: pc.id, Host: pc.remoteHost, Port: pc.remotePort, LastSeen: pc.lastSeen}
}

func (pc *PeerConn) touch() {
	pc.mu.Lock()
	pc.lastSeen = time.Now()
	pc.mu.Unlock()
}

// send encodes and writes msg as a single netstring frame, recording
// reject-memory entries for outbound getblocks sends (block sends go
// through sendBlock).
func (pc *PeerConn) send(msg wire.Message) error {
	data, err := wire.Encode(pc.host.Magic(), msg)
	if err != nil {
		return err
	}
	pc.recordOutbound(msg)
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_, err = pc.conn.Write(data)
	return err
}

func (pc *PeerConn) sendBlock(b *chain.Block) error {
	data, err := wire.EncodeBlock(pc.host.Magic(), b)
	if err != nil {
		return err
	}
	pc.recordReject("block", b.Hash().String())
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_, err = pc.conn.Write(data)
	return err
}

func (pc *PeerConn) sendTx(tx *chain.Transaction) error {
	data, err := wire.EncodeTx(pc.host.Magic(), tx)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_, err = pc.conn.Write(data)
	return err
}

// recordOutbound records reject-memory entries for getblocks sends (block
// sends are recorded by sendBlock, which carries the actual hash).
func (pc *PeerConn) recordOutbound(msg wire.Message) {
	if gb, ok := msg.(wire.GetBlocks); ok {
		pc.recordReject("getblocks", gb.TopBlockHash)
	}
}

// recordReject appends a reject-memory entry: something we sent this peer
// that they might legitimately reject.
func (pc *PeerConn) recordReject(kind, hash string) {
	pc.rejectMu.Lock()
	defer pc.rejectMu.Unlock()
	pc.rejects = append(pc.rejects, rejectRecord{at: time.Now(), kind: kind, hash: hash})
}

// pruneRejects drops entries older than RejectStateDuration. Must be called
// with rejectMu held.
func (pc *PeerConn) pruneRejectsLocked() {
	cutoff := time.Now().Add(-RejectStateDuration)
	out := pc.rejects[:0]
	for _, r := range pc.rejects {
		if r.at.After(cutoff) {
			out = append(out, r)
		}
	}
	pc.rejects = out
}

// isGenuineReject prunes expired entries and reports whether hash matches
// some remembered outbound send.
func (pc *PeerConn) isGenuineReject(hash string) bool {
	pc.rejectMu.Lock()
	defer pc.rejectMu.Unlock()
	pc.pruneRejectsLocked()
	for _, r := range pc.rejects {
		if r.hash == hash {
			return true
		}
	}
	return false
}

// Close tears down the connection: stops timers, closes the socket, and
// unregisters from the manager.
func (pc *PeerConn) Close() {
	pc.mu.Lock()
	if pc.state == StateClosed {
		pc.mu.Unlock()
		return
	}
	pc.state = StateClosed
	pc.mu.Unlock()

	close(pc.done)
	if pc.heartbeatTicker != nil {
		pc.heartbeatTicker.Stop()
	}
	if pc.getaddrTicker != nil {
		pc.getaddrTicker.Stop()
	}
	pc.conn.Close()
	pc.host.Unregister(pc)
}

// receiveLoop reads and dispatches frames until the connection closes or a
// frame is unparseable.
func (pc *PeerConn) receiveLoop() {
	defer pc.Close()
	for {
		select {
		case <-pc.done:
			return
		default:
		}
		frame, err := wire.ReadNetstring(pc.reader)
		if err != nil {
			pc.log.Debugf("peer %s: frame read failed: %v", pc.remote(), err)
			return
		}
		cmd, msg, err := wire.Decode(pc.host.Magic(), frame)
		if err != nil {
			pc.log.Debugf("peer %s: decode failed, disconnecting: %v", pc.remote(), err)
			return
		}
		pc.touch()
		pc.handle(cmd, msg)
	}
}

func (pc *PeerConn) handle(cmd string, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Version:
		pc.onVersion(m)
	case wire.Verack:
		pc.onVerack()
	case wire.Ping:
		pc.onPing()
	case wire.Pong:
		// lastSeen already updated by receiveLoop's touch().
	case wire.GetAddr:
		pc.onGetAddr()
	case wire.Addr:
		pc.onAddr(m)
	case wire.GetBlocks:
		pc.onGetBlocks(m)
	case wire.Inv:
		pc.onInv(m)
	case wire.Block:
		pc.onBlock(m)
	case wire.Tx:
		pc.onTx(m)
	case wire.Reject:
		pc.onReject(m)
	default:
		pc.log.Debugf("peer %s: unhandled command %s", pc.remote(), cmd)
	}
}

func (pc *PeerConn) onVersion(m wire.Version) {
	host, _, _ := net.SplitHostPort(pc.remote())
	pc.mu.Lock()
	pc.remoteHost = host
	pc.remotePort = m.Port
	pc.id = net.JoinHostPort(host, strconv.Itoa(m.Port))
	pc.mu.Unlock()

	if !pc.host.Announce(pc) {
		pc.log.Debugf("peer %s: rejected, manager at capacity", pc.remote())
		pc.Close()
		return
	}

	if err := pc.send(wire.Verack{}); err != nil {
		pc.log.Debugf("peer %s: failed to send verack: %v", pc.remote(), err)
		pc.Close()
		return
	}
	pc.setState(StateVerified)

	if !pc.outbound {
		pc.heartbeatTicker = time.NewTicker(Heartbeat)
		pc.spawn(func() { pc.heartbeatLoop() })
	}
	pc.getaddrTicker = time.NewTicker(GetAddrInterval)
	pc.spawn(func() { pc.getaddrLoop() })
}

func (pc *PeerConn) heartbeatLoop() {
	for {
		select {
		case <-pc.done:
			return
		case <-pc.heartbeatTicker.C:
			if err := pc.send(wire.Ping{}); err != nil {
				pc.log.Debugf("peer %s: ping failed: %v", pc.remote(), err)
				pc.Close()
				return
			}
		}
	}
}

func (pc *PeerConn) getaddrLoop() {
	for {
		select {
		case <-pc.done:
			return
		case <-pc.getaddrTicker.C:
			if err := pc.send(wire.GetAddr{}); err != nil {
				pc.log.Debugf("peer %s: getaddr failed: %v", pc.remote(), err)
				pc.Close()
				return
			}
		}
	}
}

func (pc *PeerConn) onVerack() {
	pc.setState(StateActive)
	if err := pc.send(wire.GetAddr{}); err != nil {
		pc.log.Debugf("peer %s: getaddr (post-verack) failed: %v", pc.remote(), err)
		pc.Close()
		return
	}
	pc.host.TriggerCatchUp()
}

func (pc *PeerConn) onPing() {
	if err := pc.send(wire.Pong{}); err != nil {
		pc.log.Debugf("peer %s: pong failed: %v", pc.remote(), err)
		pc.Close()
	}
}

func (pc *PeerConn) onGetAddr() {
	peers := pc.host.ActivePeers(pc.ID())
	entries := make([]wire.AddrEntry, 0, len(peers))
	cutoff := time.Now().Add(-PeerTimeout)
	for _, p := range peers {
		if p.LastSeen.Before(cutoff) {
			continue
		}
		entries = append(entries, wire.AddrEntry{Host: p.Host, Port: p.Port, ID: p.ID})
	}
	if err := pc.send(wire.NewAddr(entries)); err != nil {
		pc.log.Debugf("peer %s: addr reply failed: %v", pc.remote(), err)
		pc.Close()
	}
}

func (pc *PeerConn) onAddr(m wire.Addr) {
	self := pc.host.SelfID()
	for _, a := range m.Addresses {
		if a.ID == self {
			continue
		}
		pc.host.ConnectTo(a.ID, a.Host, a.Port)
	}
}

func (pc *PeerConn) onGetBlocks(m wire.GetBlocks) {
	blocks, known := pc.host.BlocksSince(m.TopBlockHash)
	if !known {
		if err := pc.send(wire.Reject{BlockHash: m.TopBlockHash}); err != nil {
			pc.log.Debugf("peer %s: reject reply failed: %v", pc.remote(), err)
			pc.Close()
		}
		return
	}
	entries := make([]wire.InvEntry, 0, len(blocks))
	for _, b := range blocks {
		data, err := b.ToJSON()
		if err != nil {
			continue
		}
		entries = append(entries, wire.InvEntry{Type: wire.InvTypeBlock, Object: data})
	}
	if err := pc.send(wire.NewInv(entries)); err != nil {
		pc.log.Debugf("peer %s: inv reply failed: %v", pc.remote(), err)
		pc.Close()
	}
}

func (pc *PeerConn) onInv(m wire.Inv) {
	for _, entry := range m.Objects {
		if entry.Type != wire.InvTypeBlock {
			continue
		}
		b, err := chain.BlockFromJSON(entry.Object)
		if err != nil {
			pc.log.Debugf("peer %s: inv carried unparseable block: %v", pc.remote(), err)
			break
		}
		if !pc.host.DiscardBlock(b) {
			break
		}
	}
}

func (pc *PeerConn) onBlock(m wire.Block) {
	b, err := chain.BlockFromJSON(m.Block)
	if err != nil {
		pc.log.Debugf("peer %s: unparseable block: %v", pc.remote(), err)
		return
	}
	pc.host.EnqueueBlock(b, pc)
}

func (pc *PeerConn) onTx(m wire.Tx) {
	tx, err := chain.FromJSON(m.Tx)
	if err != nil {
		pc.log.Debugf("peer %s: unparseable transaction: %v", pc.remote(), err)
		return
	}
	pc.host.EnqueueTx(tx, pc)
}

func (pc *PeerConn) onReject(m wire.Reject) {
	genuine := pc.isGenuineReject(m.BlockHash)
	if !genuine {
		pc.log.Warnf("peer %s: unauthenticated reject for %s, ignoring", pc.remote(), m.BlockHash)
		return
	}
	if pc.host.ChainLength() > 1 && pc.host.TipHash() == m.BlockHash {
		pc.host.PopTipIfHashMatches(m.BlockHash)
	}
	pc.host.TriggerCatchUp()
}

// SendBlock broadcasts a block to this peer.
func (pc *PeerConn) SendBlock(b *chain.Block) error { return pc.sendBlock(b) }

// SendTx broadcasts a transaction to this peer.
func (pc *PeerConn) SendTx(tx *chain.Transaction) error { return pc.sendTx(tx) }

// SendGetBlocks sends a getblocks request for everything after tipHash.
func (pc *PeerConn) SendGetBlocks(tipHash *big.Int) error {
	return pc.send(wire.GetBlocks{TopBlockHash: tipHash.String()})
}

// SendRaw sends an arbitrary pre-built message.
func (pc *PeerConn) SendRaw(msg wire.Message) error { return pc.send(msg) }
