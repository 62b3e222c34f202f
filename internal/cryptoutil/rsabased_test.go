package cryptoutil

import (
	"testing"
)

func TestGenerateKeypairUsesPublicExponentThree(t *testing.T) {
	skey, pkey, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if pkey.E != 3 {
		t.Fatalf("expected public exponent 3, got %d", pkey.E)
	}
	if skey.N.BitLen() < 1020 || skey.N.BitLen() > 1024 {
		t.Fatalf("expected ~1024-bit modulus, got %d bits", skey.N.BitLen())
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	skey, pkey, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	digest := HashMD5([]byte("hello fumblechain"))

	sig, err := Sign(digest, skey)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(sig, digest, pkey) {
		t.Fatalf("expected signature to verify")
	}

	otherDigest := HashMD5([]byte("tampered"))
	if Verify(sig, otherDigest, pkey) {
		t.Fatalf("expected signature over different digest to fail verification")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	_, pkey, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	addr, err := AddressFromPublicKey(pkey)
	if err != nil {
		t.Fatalf("AddressFromPublicKey: %v", err)
	}
	recovered, err := PublicKeyFromAddress(addr)
	if err != nil {
		t.Fatalf("PublicKeyFromAddress: %v", err)
	}
	if recovered.N.Cmp(pkey.N) != 0 || recovered.E != pkey.E {
		t.Fatalf("recovered public key does not match original")
	}
}

func TestPrivateKeySerializationRoundTrip(t *testing.T) {
	skey, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	pemBytes, err := SerializePrivateKey(skey)
	if err != nil {
		t.Fatalf("SerializePrivateKey: %v", err)
	}
	loaded, err := LoadPrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	if loaded.D.Cmp(skey.D) != 0 {
		t.Fatalf("loaded private exponent does not match original")
	}
}
