package xrp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// The XRP Ledger uses base58check with its own alphabet. Encoding goes
// through btcutil's base58check and remaps characters position by position.
const (
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

	accountIDVersion = 0x00
	accountIDLen     = 20
)

var (
	toRipple  = strings.NewReplacer(pairs(bitcoinAlphabet, rippleAlphabet)...)
	toBitcoin = strings.NewReplacer(pairs(rippleAlphabet, bitcoinAlphabet)...)
)

func pairs(from, to string) []string {
	out := make([]string, 0, 2*len(from))
	for i := 0; i < len(from); i++ {
		out = append(out, from[i:i+1], to[i:i+1])
	}
	return out
}

// EncodeAccountID returns the classic address of a 20-byte account ID.
func EncodeAccountID(id []byte) string {
	return toRipple.Replace(base58.CheckEncode(id, accountIDVersion))
}

// DecodeAccountID parses a classic address into its account ID.
func DecodeAccountID(addr string) ([]byte, error) {
	if addr == "" || strings.Trim(addr, rippleAlphabet) != "" || addr[0] != 'r' {
		return nil, fmt.Errorf("%w: %q is not a classic XRP address", chain.ErrInvalidAddress, addr)
	}
	payload, version, err := base58.CheckDecode(toBitcoin.Replace(addr))
	if err != nil {
		if errors.Is(err, base58.ErrChecksum) {
			return nil, fmt.Errorf("%w: %w: %q", chain.ErrInvalidAddress, chain.ErrInvalidChecksum, addr)
		}
		return nil, fmt.Errorf("%w: %q: %v", chain.ErrInvalidAddress, addr, err)
	}
	if version != accountIDVersion || len(payload) != accountIDLen {
		return nil, fmt.Errorf("%w: %q has wrong version or length", chain.ErrInvalidAddress, addr)
	}
	return payload, nil
}

// AccountIDFromPublicKey returns RIPEMD160(SHA256(pub)).
func AccountIDFromPublicKey(pub []byte) []byte {
	return btcutil.Hash160(pub)
}
