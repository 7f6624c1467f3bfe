package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/mr-tron/base58"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// NetParamsFunc resolves the btcd network parameters of a Bitcoin-family
// chain. The bitcoin adapter provides it, so this package does not need
// to know about Litecoin registration.
type NetParamsFunc func(chain.Chain) (*chaincfg.Params, error)

// ParseSecret decodes an imported private key for c:
//   - Bitcoin family: WIF for the chain's network
//   - EVM and XRP: 32-byte hex, 0x prefix optional
//   - Solana: base58 64-byte keypair (as exported by wallets) or 32-byte hex seed
//
// The returned key must be zeroed by the caller.
func ParseSecret(c chain.Chain, secret string, netParams NetParamsFunc) (*chain.SigningKey, error) {
	info, ok := c.Info()
	if !ok {
		return nil, fmt.Errorf("%w: unknown chain %q", chain.ErrValidation, c)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", chain.ErrValidation)
	}

	var raw []byte
	switch info.Family {
	case chain.FamilyBitcoin:
		if netParams == nil {
			return nil, fmt.Errorf("%w: no network parameters for %s", chain.ErrUnsupportedOperation, c)
		}
		net, err := netParams(c)
		if err != nil {
			return nil, err
		}
		wif, err := DecodeWIF(secret, net)
		if err != nil {
			return nil, err
		}
		if !wif.CompressPubKey {
			return nil, fmt.Errorf("%w: uncompressed WIF cannot sign P2WPKH", chain.ErrValidation)
		}
		raw = wif.PrivKey.Serialize()
		wif.PrivKey.Zero()
	case chain.FamilyEVM, chain.FamilyXRP:
		b, err := decodeHex32(secret)
		if err != nil {
			return nil, err
		}
		raw = b
	case chain.FamilySolana:
		if b, err := decodeHex32(secret); err == nil {
			raw = b
			break
		}
		b, err := base58.Decode(secret)
		if err != nil || len(b) != 64 {
			zero(b)
			return nil, fmt.Errorf("%w: solana secret must be a base58 64-byte keypair or 32-byte hex seed", chain.ErrValidation)
		}
		raw = append([]byte(nil), b[:32]...)
		zero(b)
	default:
		return nil, fmt.Errorf("%w: %s does not import signing keys", chain.ErrUnsupportedOperation, c)
	}
	defer zero(raw)

	return chain.NewSigningKey(info.Curve, raw)
}

// FormatSecret encodes key in the format ParseSecret accepts for c:
// compressed WIF for the Bitcoin family, 0x hex for EVM, hex for XRP and
// the base58 64-byte keypair for Solana. The result is secret.
func FormatSecret(c chain.Chain, key *chain.SigningKey, netParams NetParamsFunc) (string, error) {
	info, ok := c.Info()
	if !ok {
		return "", fmt.Errorf("%w: unknown chain %q", chain.ErrValidation, c)
	}
	if key == nil || key.Secret() == nil {
		return "", fmt.Errorf("%w: signing key released", chain.ErrValidation)
	}
	if key.Curve != info.Curve {
		return "", fmt.Errorf("%w: %s key cannot be exported for %s", chain.ErrValidation, key.Curve, c)
	}

	switch info.Family {
	case chain.FamilyBitcoin:
		if netParams == nil {
			return "", fmt.Errorf("%w: no network parameters for %s", chain.ErrUnsupportedOperation, c)
		}
		net, err := netParams(c)
		if err != nil {
			return "", err
		}
		return EncodeWIF(key.Secret(), net)
	case chain.FamilyEVM:
		return "0x" + hex.EncodeToString(key.Secret()), nil
	case chain.FamilyXRP:
		return strings.ToUpper(hex.EncodeToString(key.Secret())), nil
	case chain.FamilySolana:
		pub, err := key.PublicKey()
		if err != nil {
			return "", err
		}
		pair := append(append(make([]byte, 0, 64), key.Secret()...), pub...)
		defer zero(pair)
		return base58.Encode(pair), nil
	default:
		return "", fmt.Errorf("%w: %s does not export signing keys", chain.ErrUnsupportedOperation, c)
	}
}

func decodeHex32(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		zero(b)
		return nil, fmt.Errorf("%w: expected 32-byte hex secret", chain.ErrValidation)
	}
	return b, nil
}
