// Package wallet implements the basic wallet functionality used to sign and
// verify FumbleChain transactions: keypair ownership, signing, and address
// derivation on top of internal/cryptoutil.
package wallet

import (
	"crypto/rsa"
	"encoding/hex"
	"os"

	"github.com/pkg/errors"

	"github.com/kudelskisecurity/fumblechain/internal/chain"
	"github.com/kudelskisecurity/fumblechain/internal/cryptoutil"
)

// Wallet represents a FumbleChain wallet: an RSA keypair plus the derived
// public address.
type Wallet struct {
	skey *rsa.PrivateKey
	pkey *rsa.PublicKey
}

// New generates a fresh wallet with a new keypair.
func New() (*Wallet, error) {
	skey, pkey, err := cryptoutil.GenerateKeypair()
	if err != nil {
		return nil, errors.Wrap(err, "generating wallet keys")
	}
	return &Wallet{skey: skey, pkey: pkey}, nil
}

// LoadKeys loads a wallet from a PEM-encoded private key file.
func LoadKeys(filename string) (*Wallet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "reading key file")
	}
	return LoadKeysFromBytes(data)
}

// LoadKeysFromBytes loads a wallet from PEM-encoded private key bytes.
func LoadKeysFromBytes(pemBytes []byte) (*Wallet, error) {
	skey, err := cryptoutil.LoadPrivateKey(pemBytes)
	if err != nil {
		return nil, errors.Wrap(err, "loading private key")
	}
	return &Wallet{skey: skey, pkey: &skey.PublicKey}, nil
}

// Address returns this wallet's public address.
func (w *Wallet) Address() (string, error) {
	return cryptoutil.AddressFromPublicKey(w.pkey)
}

// SaveKey writes this wallet's private key to filename in PEM form.
func (w *Wallet) SaveKey(filename string) error {
	pemBytes, err := cryptoutil.SerializePrivateKey(w.skey)
	if err != nil {
		return errors.Wrap(err, "serializing private key")
	}
	return os.WriteFile(filename, pemBytes, 0600)
}

// Sign signs a transaction hash (pre-hashed digest) and returns the raw
// signature bytes.
func (w *Wallet) Sign(digest []byte) ([]byte, error) {
	return cryptoutil.Sign(digest, w.skey)
}

// Verify reports whether sig is valid for digest under this wallet's public
// key, or under pkey if non-nil.
func (w *Wallet) Verify(sig, digest []byte, pkey *rsa.PublicKey) bool {
	if pkey == nil {
		pkey = w.pkey
	}
	return cryptoutil.Verify(sig, digest, pkey)
}

// SignTransaction signs tx with this wallet's private key and attaches the
// hex-encoded signature to it. Returns false if tx was already signed.
func (w *Wallet) SignTransaction(tx *chain.Transaction) (bool, error) {
	digest, err := hex.DecodeString(tx.Hash())
	if err != nil {
		return false, errors.Wrap(err, "decoding transaction hash")
	}
	sig, err := w.Sign(digest)
	if err != nil {
		return false, errors.Wrap(err, "signing transaction")
	}
	return tx.AddSignature(hex.EncodeToString(sig)), nil
}

// VerifyTransaction reports whether tx carries a valid signature for its
// own hash, verified against the public key recovered from tx.Src.
func VerifyTransaction(tx *chain.Transaction) bool {
	if tx.Signature == "" {
		return false
	}
	sig, err := hex.DecodeString(tx.Signature)
	if err != nil {
		return false
	}
	digest, err := hex.DecodeString(tx.Hash())
	if err != nil {
		return false
	}
	pkey, err := cryptoutil.PublicKeyFromAddress(tx.Src)
	if err != nil {
		return false
	}
	return cryptoutil.Verify(sig, digest, pkey)
}
