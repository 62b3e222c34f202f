// Package config implements the daemon's CLI configuration, grounded on
// the teacher's cmd/addsubnetwork/config.go go-flags parsing pattern
// (flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)).
package config

import (
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const (
	defaultListenPort     = 8333
	defaultAPIPort        = 8080
	defaultExplorerPort   = 8090
	defaultMagic          = 0xdeadbeef
	defaultBlockchainFile = "blockchain.json"
	envCTFWallets         = "CTF_WALLET_ADDRESSES"
	envBlockchainFile     = "FUMBLECHAIN_BLOCKCHAIN_FILE"
)

// Config is the fully-resolved daemon configuration: CLI flags plus
// environment overrides (§6.5).
type Config struct {
	ListenPort     int      `short:"p" long:"port" description:"TCP port to listen for peer connections on" default:"8333"`
	Peers          []string `long:"peer" description:"host:port of an initial peer to connect to; may be given multiple times"`
	APIPort        int      `long:"apiport" description:"TCP port to serve the HTTP/JSON API on" default:"8080"`
	Explorer       bool     `long:"explorer" description:"enable the block explorer web UI"`
	ExplorerPort   int      `long:"explorerport" description:"TCP port to serve the block explorer on" default:"8090"`
	Magic          uint32   `long:"magic" description:"network magic identifying this chain"`
	BlockchainFile string   `long:"blockchain-file" description:"path to the chain's persisted JSON document"`
	Verbose        []bool   `short:"v" long:"verbose" description:"increase logging verbosity; may be repeated"`

	CTFWalletAddresses []string
}

// Parse reads CLI flags from args (normally os.Args[1:]), applies
// environment overrides, and returns a fully-resolved Config.
func Parse(args []string) (*Config, error) {
	cfg := &Config{
		ListenPort:     defaultListenPort,
		APIPort:        defaultAPIPort,
		ExplorerPort:   defaultExplorerPort,
		Magic:          defaultMagic,
		BlockchainFile: defaultBlockchainFile,
	}

	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if path := os.Getenv(envBlockchainFile); path != "" {
		cfg.BlockchainFile = path
	}
	if raw := os.Getenv(envCTFWallets); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				cfg.CTFWalletAddresses = append(cfg.CTFWalletAddresses, addr)
			}
		}
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return nil, errors.Errorf("invalid port %d", cfg.ListenPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return nil, errors.Errorf("invalid API port %d", cfg.APIPort)
	}

	return cfg, nil
}

// VerbosityLevel maps the repeated -v flag to a logger level name, the way
// most go-flags CLIs in the pack treat repeated boolean flags.
func (c *Config) VerbosityLevel() string {
	switch len(c.Verbose) {
	case 0:
		return "info"
	case 1:
		return "debug"
	default:
		return "trace"
	}
}
