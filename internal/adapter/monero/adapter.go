// Package monero provides view-only Monero support: key derivation and
// address handling. Spending is not supported.
package monero

import (
	"bytes"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

const addressDataLen = 1 + 32 + 32 + 4

// ErrViewOnly is wrapped into every spend attempt.
var ErrViewOnly = fmt.Errorf("%w: monero accounts are view-only", chain.ErrUnsupportedOperation)

// Adapter is the Monero adapter.
type Adapter struct{}

// New creates the Monero adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Chain() chain.Chain { return chain.Monero }

func (a *Adapter) Capabilities() chain.Capabilities {
	return chain.Capabilities{Spend: false, ViewOnly: true}
}

// DecodeAddress validates a standard or subaddress and returns the public
// spend and view keys as payload.
func (a *Adapter) DecodeAddress(s string) (*chain.Address, error) {
	data, err := DecodeBase58(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidAddress, err)
	}
	if len(data) != addressDataLen {
		return nil, fmt.Errorf("%w: monero address decodes to %d bytes", chain.ErrInvalidAddress, len(data))
	}
	body, sum := data[:addressDataLen-4], data[addressDataLen-4:]
	if !bytes.Equal(crypto.Keccak256(body)[:4], sum) {
		return nil, fmt.Errorf("%w: %w: monero address", chain.ErrInvalidAddress, chain.ErrInvalidChecksum)
	}
	var kind string
	switch body[0] {
	case StandardAddressPrefix:
		kind = "standard"
	case SubaddressPrefix:
		kind = "subaddress"
	default:
		return nil, fmt.Errorf("%w: unsupported monero address prefix 0x%02x", chain.ErrInvalidAddress, body[0])
	}
	return &chain.Address{Chain: chain.Monero, Canonical: s, Kind: kind, Payload: body[1:]}, nil
}

// AddressFromPublicKey takes the public spend key followed by the public
// view key (64 bytes).
func (a *Adapter) AddressFromPublicKey(pub []byte) (string, error) {
	if len(pub) != 64 {
		return "", fmt.Errorf("%w: monero address needs public spend and view keys (64 bytes)", chain.ErrValidation)
	}
	return EncodeAddress(StandardAddressPrefix, pub[:32], pub[32:]), nil
}

func (a *Adapter) EstimateFee(*chain.BuildRequest) (*uint256.Int, error) {
	return nil, ErrViewOnly
}

func (a *Adapter) Build(*chain.BuildRequest) (*chain.Draft, error) {
	return nil, ErrViewOnly
}

func (a *Adapter) Sign(*chain.Draft, *chain.SigningKey) (*chain.SignedTransaction, error) {
	return nil, ErrViewOnly
}
