// Package cryptoutil implements the pluggable wallet-crypto capability used
// by the rest of FumbleChain: keypair generation, signing, verification and
// address derivation.
//
// The reference instantiation below intentionally uses weak parameters
// (1024-bit RSA, public exponent 3, MD5 pre-hashed PKCS#1 v1.5 signatures).
// This is not a bug: FumbleChain is a teaching tool and several of its
// lessons rely on these exact choices being exploitable. Do not "fix" this.
package cryptoutil

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"

	"github.com/pkg/errors"
)

const (
	keyBits        = 1024
	publicExponent = 3
)

// md5HashFunc identifies the pre-hashed digest algorithm fed to
// rsa.SignPKCS1v15/VerifyPKCS1v15. FumbleChain pre-hashes with MD5 rather
// than letting the RSA layer hash the message itself.
const md5HashFunc = crypto.MD5

// GenerateKeypair creates a new RSA keypair using the FumbleChain reference
// parameters: 1024-bit modulus, public exponent 3.
//
// crypto/rsa.GenerateKey only ever produces e=65537 keys, so the primes are
// generated by hand here, rejecting any candidate for which gcd(e, p-1) != 1
// (necessary for e=3 to have a modular inverse).
func GenerateKeypair() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	e := big.NewInt(publicExponent)
	halfBits := keyBits / 2

	var p, q *big.Int
	for {
		var err error
		p, err = coprimePrime(halfBits, e)
		if err != nil {
			return nil, nil, errors.Wrap(err, "generating prime p")
		}
		q, err = coprimePrime(keyBits-halfBits, e)
		if err != nil {
			return nil, nil, errors.Wrap(err, "generating prime q")
		}
		if p.Cmp(q) != 0 {
			break
		}
	}

	n := new(big.Int).Mul(p, q)
	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
	qMinus1 := new(big.Int).Sub(q, big.NewInt(1))
	phi := new(big.Int).Mul(pMinus1, qMinus1)

	d := new(big.Int).ModInverse(e, phi)
	if d == nil {
		return nil, nil, errors.New("public exponent has no inverse mod phi(n)")
	}

	skey := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(publicExponent)},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	skey.Precompute()
	return skey, &skey.PublicKey, nil
}

// coprimePrime generates a random prime of the given bit length for which
// gcd(e, prime-1) == 1.
func coprimePrime(bits int, e *big.Int) (*big.Int, error) {
	one := big.NewInt(1)
	for {
		p, err := rand.Prime(rand.Reader, bits)
		if err != nil {
			return nil, err
		}
		pMinus1 := new(big.Int).Sub(p, one)
		if new(big.Int).GCD(nil, nil, pMinus1, e).Cmp(one) == 0 {
			return p, nil
		}
	}
}

// Sign signs the given pre-hashed digest with skey using PKCS#1 v1.5 padding
// over an MD5 digest, per the FumbleChain protocol.
func Sign(digest []byte, skey *rsa.PrivateKey) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, skey, md5HashFunc, digest)
	if err != nil {
		return nil, errors.Wrap(err, "signing")
	}
	return sig, nil
}

// Verify reports whether sig is a valid PKCS#1 v1.5/MD5 signature over
// digest under pkey.
func Verify(sig, digest []byte, pkey *rsa.PublicKey) bool {
	err := rsa.VerifyPKCS1v15(pkey, md5HashFunc, digest, sig)
	return err == nil
}

// HashMD5 returns the raw MD5 digest of data, suitable for use as the
// pre-hashed input to Sign/Verify.
func HashMD5(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// AddressFromPublicKey returns the FumbleChain wallet address for pkey: a
// base64-encoded PEM SubjectPublicKeyInfo block.
func AddressFromPublicKey(pkey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pkey)
	if err != nil {
		return "", errors.Wrap(err, "marshaling public key")
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(block)), nil
}

// PublicKeyFromAddress parses a wallet address back into an RSA public key.
func PublicKeyFromAddress(address string) (*rsa.PublicKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(address)
	if err != nil {
		return nil, errors.Wrap(err, "decoding address")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("address is not a valid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing public key")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("address does not encode an RSA public key")
	}
	return rsaPub, nil
}

// SerializePrivateKey returns skey in PKCS#8 PEM form.
func SerializePrivateKey(skey *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(skey)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling private key")
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// LoadPrivateKey parses a PKCS#8 PEM-encoded private key.
func LoadPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("not a valid PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an RSA private key")
	}
	return rsaKey, nil
}
