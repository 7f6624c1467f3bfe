package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ErrInvalidKey is returned for malformed key material.
var ErrInvalidKey = errors.New("invalid key")

// SecpPublicKey returns the 33-byte compressed public key for a secp256k1
// secret scalar.
func SecpPublicKey(secret []byte) ([]byte, error) {
	key, err := secpKey(secret)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return key.PubKey().SerializeCompressed(), nil
}

// SignECDSA signs a 32-byte hash with RFC6979 nonces and returns the
// low-S DER encoding.
func SignECDSA(secret, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	key, err := secpKey(secret)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return ecdsa.Sign(key, hash).Serialize(), nil
}

// VerifyECDSA checks a DER or 64-byte compact (r||s) signature over hash.
// It returns false on any parse error.
func VerifyECDSA(pubKey, hash, sig []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false
	}

	var parsed *ecdsa.Signature
	if len(sig) == 64 {
		var r, s secp256k1.ModNScalar
		if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
			return false
		}
		if r.IsZero() || s.IsZero() {
			return false
		}
		parsed = ecdsa.NewSignature(&r, &s)
	} else {
		parsed, err = ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
	}
	return parsed.Verify(hash, pub)
}

// Ed25519PublicKey returns the public key for a 32-byte Ed25519 seed.
func Ed25519PublicKey(seed []byte) ([]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer zero(priv)
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, priv[32:])
	return pub, nil
}

// SignEd25519 signs msg with the key expanded from seed.
func SignEd25519(seed, msg []byte) ([]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer zero(priv)
	return ed25519.Sign(priv, msg), nil
}

// VerifyEd25519 checks an Ed25519 signature.
func VerifyEd25519(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func secpKey(secret []byte) (*secp256k1.PrivateKey, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: secp256k1 secret must be 32 bytes, got %d", ErrInvalidKey, len(secret))
	}
	var s secp256k1.ModNScalar
	overflow := s.SetByteSlice(secret)
	if overflow || s.IsZero() {
		s.Zero()
		return nil, fmt.Errorf("%w: secp256k1 secret out of range", ErrInvalidKey)
	}
	key := secp256k1.NewPrivateKey(&s)
	s.Zero()
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
