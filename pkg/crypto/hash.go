// Package crypto provides the hash and signature primitives shared by the
// chain adapters and the security layer.
package crypto

import (
	"crypto/sha256"
	"crypto/sha512"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// SHA256 returns the single SHA-256 digest of data.
func SHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// DoubleSHA256 returns SHA-256(SHA-256(data)).
func DoubleSHA256(data []byte) []byte {
	return chainhash.DoubleHashB(data)
}

// Hash160 returns RIPEMD-160(SHA-256(data)), the hash behind P2WPKH and
// XRP account IDs.
func Hash160(data []byte) []byte {
	return btcutil.Hash160(data)
}

// Keccak256 returns the legacy Keccak-256 digest used by Ethereum and Monero.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// SHA512Half returns the first 32 bytes of SHA-512(data).
func SHA512Half(data ...[]byte) []byte {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)[:32]
}

// Fingerprint returns the BLAKE3-256 digest of data. Key IDs and snapshot
// checksums are derived from it.
func Fingerprint(data []byte) [32]byte {
	return blake3.Sum256(data)
}
