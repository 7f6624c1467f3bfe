package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// DecodeWIF decodes a Wallet Import Format key. A wrong trailing checksum
// yields chain.ErrInvalidChecksum. When net is non-nil the key's version
// byte must belong to it.
func DecodeWIF(s string, net *chaincfg.Params) (*btcutil.WIF, error) {
	wif, err := btcutil.DecodeWIF(s)
	if err != nil {
		switch {
		case errors.Is(err, btcutil.ErrChecksumMismatch), errors.Is(err, base58.ErrChecksum):
			return nil, fmt.Errorf("%w: wif", chain.ErrInvalidChecksum)
		default:
			return nil, fmt.Errorf("%w: malformed wif: %v", chain.ErrValidation, err)
		}
	}
	if net != nil && !wif.IsForNet(net) {
		return nil, fmt.Errorf("%w: wif is not for network %s", chain.ErrValidation, net.Name)
	}
	return wif, nil
}

// EncodeWIF encodes a 32-byte secret as WIF for net. Compressed keys are
// always used, since P2WPKH requires them.
func EncodeWIF(secret []byte, net *chaincfg.Params) (string, error) {
	if len(secret) != 32 {
		return "", fmt.Errorf("%w: secret must be 32 bytes", chain.ErrValidation)
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()
	wif, err := btcutil.NewWIF(priv, net, true)
	if err != nil {
		return "", fmt.Errorf("encode wif: %w", err)
	}
	return wif.String(), nil
}
