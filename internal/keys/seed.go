package keys

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// SeedSize is the length of a BIP-39 seed in bytes.
const SeedSize = 64

// SeedFromMnemonic derives the 64-byte BIP-39 seed. The caller must zero
// the result when done.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	m := NormalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(m) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.NewSeedWithErrorChecking(m, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	return seed, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
