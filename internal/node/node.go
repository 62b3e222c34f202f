// Package node wires together a FumbleChain node's subsystems: the
// blockchain and the peer manager (the HTTP API is built and served by
// cmd/fumblenoded on top of them), mirroring kaspad.go's
// top-level wiring function (construct subsystems in dependency order,
// spawn each long-running loop, shut down in reverse order) and the
// reference implementation's net/p2p.py P2p class (one struct gluing
// factory + API + chain + save ticker).
package node

import (
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/kudelskisecurity/fumblechain/internal/blockchain"
	"github.com/kudelskisecurity/fumblechain/internal/logger"
	"github.com/kudelskisecurity/fumblechain/internal/peermgr"
	"github.com/kudelskisecurity/fumblechain/internal/util/panics"
)

var log, _ = logger.Get(logger.SubsystemTags.Node)

// Config collects everything needed to boot a Node.
type Config struct {
	ListenAddr     string
	InitialPeers   []string // host:port
	Magic          uint32
	BlockchainFile string
	CTFWalletAddrs []string
}

// Node is a running FumbleChain node: it owns the blockchain, the peer
// manager, and the listening socket.
type Node struct {
	cfg     Config
	Chain   *blockchain.Blockchain
	PeerMgr *peermgr.Manager

	listener net.Listener
	spawn    func(func())

	started, shutdown int32
}

// New constructs a Node: loads the chain from cfg.BlockchainFile if it
// exists, otherwise starts a fresh genesis chain.
func New(cfg Config) (*Node, error) {
	bc, err := loadOrInit(cfg.BlockchainFile, cfg.Magic, cfg.CTFWalletAddrs)
	if err != nil {
		return nil, errors.Wrap(err, "initializing blockchain")
	}

	mgr := peermgr.New(cfg.ListenAddr, bc, cfg.BlockchainFile)

	return &Node{
		cfg:     cfg,
		Chain:   bc,
		PeerMgr: mgr,
		spawn:   panics.GoroutineWrapperFunc(log),
	}, nil
}

func loadOrInit(path string, magic uint32, ctfWallets []string) (*blockchain.Blockchain, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			bc, err := blockchain.LoadFromFile(path, ctfWallets)
			if err != nil {
				return nil, errors.Wrap(err, "loading existing chain file")
			}
			log.Infof("loaded chain from %s (%d blocks)", path, bc.Length())
			return bc, nil
		}
	}
	log.Infof("no chain file found, starting from genesis")
	return blockchain.New(magic, ctfWallets), nil
}

// Start begins listening for inbound connections, dials the configured
// initial peers, and starts the peer manager's background timers. It does
// not block.
func (n *Node) Start() error {
	if !atomic.CompareAndSwapInt32(&n.started, 0, 1) {
		return nil
	}

	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "starting listener")
	}
	n.listener = ln
	log.Infof("listening on %s", n.cfg.ListenAddr)

	n.spawn(n.acceptLoop)
	n.spawn(n.PeerMgr.Run)

	for _, addr := range n.cfg.InitialPeers {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			log.Warnf("ignoring malformed initial peer %q: %v", addr, err)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Warnf("ignoring malformed initial peer %q: %v", addr, err)
			continue
		}
		n.PeerMgr.ConnectTo(addr, host, port)
	}

	return nil
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&n.shutdown) == 1 {
				return
			}
			log.Errorf("accept failed: %v", err)
			return
		}
		n.PeerMgr.Accept(conn)
	}
}

// Stop shuts the node down: closes the listener, stops the peer manager
// (which persists the chain one final time).
func (n *Node) Stop() error {
	if !atomic.CompareAndSwapInt32(&n.shutdown, 0, 1) {
		return nil
	}
	log.Warnf("node shutting down")
	if n.listener != nil {
		if err := n.listener.Close(); err != nil {
			log.Errorf("error closing listener: %v", err)
		}
	}
	n.PeerMgr.Stop()
	return nil
}
