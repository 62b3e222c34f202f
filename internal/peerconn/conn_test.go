package peerconn

import (
	"bufio"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kudelskisecurity/fumblechain/internal/chain"
	"github.com/kudelskisecurity/fumblechain/internal/logger"
	"github.com/kudelskisecurity/fumblechain/internal/util/panics"
	"github.com/kudelskisecurity/fumblechain/internal/wire"
)

type fakeHost struct {
	mu             sync.Mutex
	selfID         string
	magic          uint32
	announced      []*PeerConn
	announceResult bool
	unregistered   []*PeerConn
	activePeers    []PeerInfo
	discardResult  bool
	catchUpCh      chan struct{}
	poppedHashes   []string
	tipHash        string
	chainLen       int
}

func newFakeHost() *fakeHost {
	return &fakeHost{selfID: "127.0.0.1:9000", magic: 0xdeadbeef, announceResult: true, catchUpCh: make(chan struct{}, 8)}
}

func (h *fakeHost) Magic() uint32  { return h.magic }
func (h *fakeHost) SelfID() string { return h.selfID }

func (h *fakeHost) EnqueueBlock(b *chain.Block, from *PeerConn)       {}
func (h *fakeHost) EnqueueTx(tx *chain.Transaction, from *PeerConn)   {}
func (h *fakeHost) ConnectTo(id, host string, port int)               {}
func (h *fakeHost) BlockByHash(hash string) (*chain.Block, bool)       { return nil, false }
func (h *fakeHost) BlocksSince(hash string) ([]*chain.Block, bool)     { return nil, false }

func (h *fakeHost) Announce(pc *PeerConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.announced = append(h.announced, pc)
	return h.announceResult
}

func (h *fakeHost) ActivePeers(excludeID string) []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activePeers
}

func (h *fakeHost) TriggerCatchUp() {
	select {
	case h.catchUpCh <- struct{}{}:
	default:
	}
}

func (h *fakeHost) TipHash() string  { return h.tipHash }
func (h *fakeHost) ChainLength() int { return h.chainLen }

func (h *fakeHost) DiscardBlock(b *chain.Block) bool { return h.discardResult }

func (h *fakeHost) PopTipIfHashMatches(hash string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.poppedHashes = append(h.poppedHashes, hash)
	return true
}

func (h *fakeHost) Unregister(pc *PeerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregistered = append(h.unregistered, pc)
}

func (h *fakeHost) announceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.announced)
}

var testLog, _ = logger.Get("TEST")
var testSpawn = panics.GoroutineWrapperFunc(testLog)

func readMessage(t *testing.T, r *bufio.Reader, magic uint32) (string, wire.Message) {
	t.Helper()
	frame, err := wire.ReadNetstring(r)
	if err != nil {
		t.Fatalf("ReadNetstring: %v", err)
	}
	cmd, msg, err := wire.Decode(magic, frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return cmd, msg
}

func writeMessage(t *testing.T, conn net.Conn, magic uint32, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(magic, msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNew:         "new",
		StateVersionSent: "version_sent",
		StateVerified:    "verified",
		StateActive:      "active",
		StateClosed:      "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestPeerConnHandshakeInbound(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	host := newFakeHost()
	pc := New(serverConn, host, false, testLog, testSpawn)
	go pc.Start()
	defer pc.Close()

	clientReader := bufio.NewReader(clientConn)

	// Start sends version first even on the inbound side (outbound=false);
	// net.Pipe is unbuffered, so it runs in its own goroutine until the
	// client reads that frame.
	cmd, _ := readMessage(t, clientReader, host.magic)
	if cmd != wire.CmdVersion {
		t.Fatalf("expected version first from the inbound side, got %s", cmd)
	}

	writeMessage(t, clientConn, host.magic, wire.Version{Port: 9001})

	cmd, msg := readMessage(t, clientReader, host.magic)
	if cmd != wire.CmdVerack {
		t.Fatalf("expected verack in response to version, got %s", cmd)
	}
	if _, ok := msg.(wire.Verack); !ok {
		t.Fatalf("expected a Verack message, got %T", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if host.announceCount() > 0 && pc.State() == StateVerified {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if host.announceCount() == 0 {
		t.Fatalf("expected Announce to be called after the version handshake")
	}
	if pc.State() != StateVerified {
		t.Fatalf("expected state verified, got %s", pc.State())
	}
}

func TestPeerConnClosedOnAnnounceRejection(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	host := newFakeHost()
	host.announceResult = false
	pc := New(serverConn, host, false, testLog, testSpawn)
	go pc.Start()

	// Consume the version Start sends first, so the pipe is free for ours.
	readMessage(t, bufio.NewReader(clientConn), host.magic)
	writeMessage(t, clientConn, host.magic, wire.Version{Port: 9001})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pc.State() == StateClosed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pc.State() != StateClosed {
		t.Fatalf("expected connection to be closed once Announce rejects at capacity")
	}
}

func TestOnRejectAuthenticatesAgainstSentBlocks(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	host := newFakeHost()
	host.chainLen = 2
	pc := New(serverConn, host, true, testLog, testSpawn)

	b := chain.NewBlock(1, big.NewInt(0), 1000, nil, "proof", chain.BaseTarget)
	host.tipHash = b.Hash().String()

	go func() {
		_ = pc.SendBlock(b)
	}()
	// Drain the block frame the pipe requires a reader on the other end.
	br := bufio.NewReader(clientConn)
	if _, err := wire.ReadNetstring(br); err != nil {
		t.Fatalf("ReadNetstring: %v", err)
	}

	pc.onReject(wire.Reject{BlockHash: b.Hash().String()})

	if len(host.poppedHashes) != 1 || host.poppedHashes[0] != b.Hash().String() {
		t.Fatalf("expected a genuine reject to pop the matching tip hash, got %v", host.poppedHashes)
	}
	select {
	case <-host.catchUpCh:
	default:
		t.Fatalf("expected a genuine reject to trigger a catch-up")
	}
}

func TestOnRejectIgnoresUnauthenticatedHash(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	host := newFakeHost()
	host.chainLen = 2
	host.tipHash = "999999"
	pc := New(serverConn, host, true, testLog, testSpawn)

	pc.onReject(wire.Reject{BlockHash: "not-something-we-sent"})

	if len(host.poppedHashes) != 0 {
		t.Fatalf("expected an unauthenticated reject to be ignored, got %v", host.poppedHashes)
	}
}
