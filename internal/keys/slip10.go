package keys

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
)

var ed25519Curve = []byte("ed25519 seed")

// DeriveEd25519 derives a SLIP-0010 Ed25519 private key (the 32-byte seed
// fed to ed25519.NewKeyFromSeed) along a fully hardened path.
func DeriveEd25519(seed []byte, path Path) ([]byte, error) {
	if !path.AllHardened() {
		return nil, fmt.Errorf("%w: ed25519 derivation requires hardened indices, got %s", ErrInvalidPath, path)
	}

	mac := hmac.New(sha512.New, ed25519Curve)
	mac.Write(seed)
	I := mac.Sum(nil)
	key, chainCode := I[:32], I[32:]

	data := make([]byte, 1+32+4)
	defer zero(data)
	for _, idx := range path {
		data[0] = 0
		copy(data[1:33], key)
		binary.BigEndian.PutUint32(data[33:], idx)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write(data)
		next := mac.Sum(nil)
		zero(I)
		I = next
		key, chainCode = I[:32], I[32:]
	}

	out := make([]byte, 32)
	copy(out, key)
	zero(I)
	return out, nil
}
