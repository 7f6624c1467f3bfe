package keys

import (
	"fmt"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Derivation purposes.
const (
	PurposeBIP44 = 44
	PurposeBIP84 = 84
)

// Derived is key material derived for one chain account.
type Derived struct {
	Chain     chain.Chain
	Path      Path
	Key       *chain.SigningKey
	PublicKey []byte
}

// Zero wipes the secret key.
func (d *Derived) Zero() {
	if d != nil {
		d.Key.Zero()
	}
}

// PathFor returns the derivation path of (account, index) on c:
// BIP84 for Bitcoin-family, BIP44 for EVM and XRP, and the fully hardened
// m/44'/501'/account'/index' for Solana.
func PathFor(c chain.Chain, account, index uint32) (Path, error) {
	info, ok := c.Info()
	if !ok {
		return nil, fmt.Errorf("%w: unknown chain %q", chain.ErrValidation, c)
	}
	switch info.Family {
	case chain.FamilyBitcoin:
		return Path{Hardened + PurposeBIP84, Hardened + info.CoinType, Hardened + account, 0, index}, nil
	case chain.FamilyEVM, chain.FamilyXRP:
		return Path{Hardened + PurposeBIP44, Hardened + info.CoinType, Hardened + account, 0, index}, nil
	case chain.FamilySolana:
		return Path{Hardened + PurposeBIP44, Hardened + info.CoinType, Hardened + account, Hardened + index}, nil
	default:
		return nil, fmt.Errorf("%w: %s keys are not path-derived", chain.ErrUnsupportedOperation, c)
	}
}

// Derive derives the signing key of (account, index) on c from a BIP-39
// seed. The caller owns the result and must call Zero.
func Derive(seed []byte, c chain.Chain, account, index uint32) (*Derived, error) {
	path, err := PathFor(c, account, index)
	if err != nil {
		return nil, err
	}
	return DerivePath(seed, c, path)
}

// DerivePath derives the signing key at an explicit path.
func DerivePath(seed []byte, c chain.Chain, path Path) (*Derived, error) {
	info, ok := c.Info()
	if !ok {
		return nil, fmt.Errorf("%w: unknown chain %q", chain.ErrValidation, c)
	}

	var secret []byte
	switch info.Curve {
	case chain.Secp256k1:
		master, err := NewMasterKey(seed)
		if err != nil {
			return nil, err
		}
		child, err := master.DerivePath(path)
		master.Zero()
		if err != nil {
			return nil, err
		}
		secret = append([]byte(nil), child.PrivateKeyBytes()...)
		child.Zero()
	case chain.Ed25519:
		s, err := DeriveEd25519(seed, path)
		if err != nil {
			return nil, err
		}
		secret = s
	default:
		return nil, fmt.Errorf("%w: %s keys are not path-derived", chain.ErrUnsupportedOperation, c)
	}
	defer zero(secret)

	key, err := chain.NewSigningKey(info.Curve, secret)
	if err != nil {
		return nil, err
	}
	pub, err := key.PublicKey()
	if err != nil {
		key.Zero()
		return nil, err
	}
	return &Derived{Chain: c, Path: path, Key: key, PublicKey: pub}, nil
}
