// Command fumblenoded is the FumbleChain daemon: it boots a node (loading
// its chain from disk or starting from genesis), serves peers over TCP and
// the HTTP/JSON API, and runs until interrupted.
//
// Mirrors kaspad.go's top-level wiring: construct subsystems in dependency
// order, start them, block on an interrupt signal, shut down in reverse
// order.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kudelskisecurity/fumblechain/internal/api"
	"github.com/kudelskisecurity/fumblechain/internal/config"
	"github.com/kudelskisecurity/fumblechain/internal/logger"
	"github.com/kudelskisecurity/fumblechain/internal/node"
)

var log, _ = logger.Get(logger.SubsystemTags.Node)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fumblenoded: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}
	logger.SetLogLevels(cfg.VerbosityLevel())

	n, err := node.New(node.Config{
		ListenAddr:     net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.ListenPort)),
		InitialPeers:   cfg.Peers,
		Magic:          cfg.Magic,
		BlockchainFile: cfg.BlockchainFile,
		CTFWalletAddrs: cfg.CTFWalletAddresses,
	})
	if err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		return err
	}

	apiServer := api.New(n.Chain, n.PeerMgr)
	apiAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.APIPort))
	go func() {
		if err := apiServer.ListenAndServe(apiAddr); err != nil {
			log.Errorf("API server stopped: %v", err)
		}
	}()

	if cfg.Explorer {
		log.Warnf("explorer requested on port %d but is out of scope for this node; ignoring", cfg.ExplorerPort)
	}

	log.Infof("fumblenoded started: peers on %d, api on %d, magic=%#x", cfg.ListenPort, cfg.APIPort, cfg.Magic)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	log.Warnf("shutdown signal received")
	return n.Stop()
}
