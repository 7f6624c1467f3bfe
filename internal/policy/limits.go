package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Rolling window lengths.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

// Limits is the spending policy of one account. Nil amounts are unlimited.
// Amounts are in the account chain's base unit.
type Limits struct {
	PerTx   *uint256.Int
	Daily   *uint256.Int
	Weekly  *uint256.Int
	Monthly *uint256.Int

	WhitelistOnly bool
	// AllowedChains is empty when every chain is allowed.
	AllowedChains []chain.Chain
	// Cooldown is the minimum time between two recorded sends.
	Cooldown time.Duration
}

// Validate rejects limits that can never be satisfied consistently.
func (l Limits) Validate() error {
	for _, c := range l.AllowedChains {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown chain %q", chain.ErrValidation, c)
		}
	}
	if l.Cooldown < 0 {
		return fmt.Errorf("%w: negative cooldown", chain.ErrValidation)
	}
	windows := []struct {
		name       string
		small, big *uint256.Int
	}{
		{"daily exceeds weekly", l.Daily, l.Weekly},
		{"weekly exceeds monthly", l.Weekly, l.Monthly},
		{"daily exceeds monthly", l.Daily, l.Monthly},
	}
	for _, w := range windows {
		if w.small != nil && w.big != nil && w.small.Gt(w.big) {
			return fmt.Errorf("%w: %s limit", chain.ErrValidation, w.name)
		}
	}
	return nil
}

func (l Limits) allows(c chain.Chain) bool {
	if len(l.AllowedChains) == 0 {
		return true
	}
	for _, a := range l.AllowedChains {
		if a == c {
			return true
		}
	}
	return false
}

func (l Limits) clone() Limits {
	out := l
	out.PerTx = cloneInt(l.PerTx)
	out.Daily = cloneInt(l.Daily)
	out.Weekly = cloneInt(l.Weekly)
	out.Monthly = cloneInt(l.Monthly)
	out.AllowedChains = append([]chain.Chain(nil), l.AllowedChains...)
	return out
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}

type limitsJSON struct {
	PerTx         string        `json:"perTx,omitempty"`
	Daily         string        `json:"daily,omitempty"`
	Weekly        string        `json:"weekly,omitempty"`
	Monthly       string        `json:"monthly,omitempty"`
	WhitelistOnly bool          `json:"whitelistOnly"`
	AllowedChains []chain.Chain `json:"allowedChains,omitempty"`
	CooldownSecs  int64         `json:"cooldownSeconds,omitempty"`
}

func decString(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func parseLimit(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return chain.ParseBaseUnits(s)
}

// MarshalJSON encodes amounts as decimal strings.
func (l Limits) MarshalJSON() ([]byte, error) {
	return json.Marshal(limitsJSON{
		PerTx:         decString(l.PerTx),
		Daily:         decString(l.Daily),
		Weekly:        decString(l.Weekly),
		Monthly:       decString(l.Monthly),
		WhitelistOnly: l.WhitelistOnly,
		AllowedChains: l.AllowedChains,
		CooldownSecs:  int64(l.Cooldown / time.Second),
	})
}

// UnmarshalJSON accepts decimal or 0x-hex amount strings.
func (l *Limits) UnmarshalJSON(b []byte) error {
	var j limitsJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	var out Limits
	var err error
	if out.PerTx, err = parseLimit(j.PerTx); err != nil {
		return err
	}
	if out.Daily, err = parseLimit(j.Daily); err != nil {
		return err
	}
	if out.Weekly, err = parseLimit(j.Weekly); err != nil {
		return err
	}
	if out.Monthly, err = parseLimit(j.Monthly); err != nil {
		return err
	}
	out.WhitelistOnly = j.WhitelistOnly
	out.AllowedChains = j.AllowedChains
	out.Cooldown = time.Duration(j.CooldownSecs) * time.Second
	*l = out
	return nil
}
