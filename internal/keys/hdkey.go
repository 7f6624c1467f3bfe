package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tyler-smith/go-bip32"
)

// Hardened is the offset of hardened child indices.
const Hardened = bip32.FirstHardenedChild

// ErrInvalidPath is returned for malformed derivation paths.
var ErrInvalidPath = errors.New("invalid derivation path")

// Path is a BIP-32 derivation path.
type Path []uint32

// ParsePath parses a path such as m/84'/0'/0'/0/0. Both ' and h mark
// hardened indices.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q must start with m", ErrInvalidPath, s)
	}
	path := make(Path, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h") || strings.HasSuffix(p, "H")
		if hardened {
			p = p[:len(p)-1]
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n >= uint64(Hardened) {
			return nil, fmt.Errorf("%w: bad index %q in %q", ErrInvalidPath, p, s)
		}
		idx := uint32(n)
		if hardened {
			idx += Hardened
		}
		path = append(path, idx)
	}
	return path, nil
}

func (p Path) String() string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, idx := range p {
		sb.WriteByte('/')
		if idx >= Hardened {
			sb.WriteString(strconv.FormatUint(uint64(idx-Hardened), 10))
			sb.WriteByte('\'')
		} else {
			sb.WriteString(strconv.FormatUint(uint64(idx), 10))
		}
	}
	return sb.String()
}

// AllHardened reports whether every index is hardened, as SLIP-10 Ed25519
// derivation requires.
func (p Path) AllHardened() bool {
	for _, idx := range p {
		if idx < Hardened {
			return false
		}
	}
	return true
}

// HDKey is a BIP-32 secp256k1 extended key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master HD key from a BIP-39 seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// DeriveChild derives a child key at the given index.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath derives a key along path, wiping each intermediate key.
func (k *HDKey) DerivePath(path Path) (*HDKey, error) {
	current := k
	for _, idx := range path {
		child, err := current.DeriveChild(idx)
		if current != k {
			current.Zero()
		}
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// PrivateKeyBytes returns the raw 32-byte private key, or nil for a
// public-only key. The slice aliases the key; use Zero to wipe it.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	// bip32 Key.Key is 33 bytes with a leading 0x00 for private keys.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}

// PublicKeyBytes returns the compressed 33-byte public key.
func (k *HDKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Key
}

// IsPrivate returns true if this key contains a private key.
func (k *HDKey) IsPrivate() bool {
	return k.key.IsPrivate
}

// Depth returns the derivation depth (0 for master).
func (k *HDKey) Depth() uint8 {
	return k.key.Depth
}

// Neuter returns a public-key-only copy.
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}

// Zero wipes the private key and chain code.
func (k *HDKey) Zero() {
	if k == nil || k.key == nil {
		return
	}
	zero(k.key.Key)
	zero(k.key.ChainCode)
}
