package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseBaseUnits parses a non-negative integer amount in base units
// (decimal or 0x-prefixed hex).
func ParseBaseUnits(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrValidation)
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	b, ok := new(big.Int).SetString(digits, base)
	if !ok || b.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: amount %q exceeds 256 bits", ErrValidation, s)
	}
	return v, nil
}

// ParseCoins parses a human amount such as "0.025" into base units using
// the chain's decimals. Amounts with more precision than the chain allows
// are rejected rather than rounded.
func ParseCoins(c Chain, s string) (*uint256.Int, error) {
	info, ok := c.Info()
	if !ok {
		return nil, fmt.Errorf("%w: unknown chain %q", ErrValidation, c)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %q", ErrValidation, s)
	}
	units := d.Shift(int32(info.Decimals))
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrValidation, s, info.Decimals)
	}
	return ParseBaseUnits(units.BigInt().String())
}

// FormatCoins renders base units as a human amount with the chain's decimals.
func FormatCoins(c Chain, v *uint256.Int) string {
	info, _ := c.Info()
	d := decimal.NewFromBigInt(v.ToBig(), -int32(info.Decimals))
	return d.String()
}
