package config

import (
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenPort != defaultListenPort {
		t.Fatalf("expected default listen port %d, got %d", defaultListenPort, cfg.ListenPort)
	}
	if cfg.APIPort != defaultAPIPort {
		t.Fatalf("expected default API port %d, got %d", defaultAPIPort, cfg.APIPort)
	}
	if cfg.Magic != defaultMagic {
		t.Fatalf("expected default magic %#x, got %#x", uint32(defaultMagic), cfg.Magic)
	}
	if cfg.BlockchainFile != defaultBlockchainFile {
		t.Fatalf("expected default blockchain file %q, got %q", defaultBlockchainFile, cfg.BlockchainFile)
	}
}

func TestParseRepeatedPeerFlag(t *testing.T) {
	cfg, err := Parse([]string{"--peer", "1.2.3.4:8333", "--peer", "5.6.7.8:8333"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}
}

func TestParseVerbosityLevel(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.VerbosityLevel() != "info" {
		t.Fatalf("expected default verbosity info, got %s", cfg.VerbosityLevel())
	}

	cfg, err = Parse([]string{"-v"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.VerbosityLevel() != "debug" {
		t.Fatalf("expected debug verbosity with one -v, got %s", cfg.VerbosityLevel())
	}

	cfg, err = Parse([]string{"-v", "-v"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.VerbosityLevel() != "trace" {
		t.Fatalf("expected trace verbosity with two -v, got %s", cfg.VerbosityLevel())
	}
}

func TestParseRejectsInvalidPort(t *testing.T) {
	if _, err := Parse([]string{"--port", "0"}); err == nil {
		t.Fatalf("expected an error for port 0")
	}
	if _, err := Parse([]string{"--port", "70000"}); err == nil {
		t.Fatalf("expected an error for an out-of-range port")
	}
}

func TestParseCTFWalletsFromEnv(t *testing.T) {
	t.Setenv("CTF_WALLET_ADDRESSES", " addr1 , addr2,addr3 ")
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"addr1", "addr2", "addr3"}
	if len(cfg.CTFWalletAddresses) != len(want) {
		t.Fatalf("expected %d CTF wallets, got %d", len(want), len(cfg.CTFWalletAddresses))
	}
	for i, addr := range want {
		if cfg.CTFWalletAddresses[i] != addr {
			t.Fatalf("expected %q at index %d, got %q", addr, i, cfg.CTFWalletAddresses[i])
		}
	}
}

func TestParseBlockchainFileFromEnv(t *testing.T) {
	t.Setenv("FUMBLECHAIN_BLOCKCHAIN_FILE", "/tmp/custom-chain.json")
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BlockchainFile != "/tmp/custom-chain.json" {
		t.Fatalf("expected env override to take effect, got %q", cfg.BlockchainFile)
	}
}

