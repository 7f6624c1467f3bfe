package dispatch

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingvault/internal/engine"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/threat"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Amounts cross the boundary as decimal strings in base units. Outputs
// may give a human "coins" amount instead.

type outputParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount,omitempty"`
	Coins   string `json:"coins,omitempty"`
}

type feeParams struct {
	FeeRate              uint64 `json:"feeRate,omitempty"`
	GasLimit             uint64 `json:"gasLimit,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	Fee                  string `json:"fee,omitempty"`
	ComputeUnitLimit     uint32 `json:"computeUnitLimit,omitempty"`
	ComputeUnitPrice     uint64 `json:"computeUnitPrice,omitempty"`
}

type buildParams struct {
	Chain            string                `json:"chain"`
	From             string                `json:"from"`
	Inputs           []chain.UnspentOutput `json:"inputs,omitempty"`
	Outputs          []outputParams        `json:"outputs"`
	ChangeAddress    string                `json:"changeAddress,omitempty"`
	Fee              feeParams             `json:"fee"`
	LockTime         uint32                `json:"lockTime,omitempty"`
	MinConfirmations uint32                `json:"minConfirmations,omitempty"`

	Nonce      uint64              `json:"nonce,omitempty"`
	Data       chain.HexBytes      `json:"data,omitempty"`
	AccessList []chain.AccessTuple `json:"accessList,omitempty"`

	Sequence           uint32  `json:"sequence,omitempty"`
	LastLedgerSequence uint32  `json:"lastLedgerSequence,omitempty"`
	DestinationTag     *uint32 `json:"destinationTag,omitempty"`

	RecentBlockhash string `json:"recentBlockhash,omitempty"`
	Memo            string `json:"memo,omitempty"`

	// Reserve claims the inputs or nonce against other drafts.
	Reserve bool `json:"reserve,omitempty"`
}

func parseChain(s string) (chain.Chain, error) {
	if s == "" {
		return "", fmt.Errorf("%w: chain required", chain.ErrValidation)
	}
	return chain.Parse(s)
}

func optionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := chain.ParseBaseUnits(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (p *buildParams) request() (*chain.BuildRequest, error) {
	c, err := parseChain(p.Chain)
	if err != nil {
		return nil, err
	}
	req := &chain.BuildRequest{
		Chain:              c,
		From:               p.From,
		Inputs:             p.Inputs,
		ChangeAddress:      p.ChangeAddress,
		LockTime:           p.LockTime,
		MinConfirmations:   p.MinConfirmations,
		Nonce:              p.Nonce,
		Data:               p.Data,
		AccessList:         p.AccessList,
		Sequence:           p.Sequence,
		LastLedgerSequence: p.LastLedgerSequence,
		DestinationTag:     p.DestinationTag,
		RecentBlockhash:    p.RecentBlockhash,
		Memo:               p.Memo,
	}
	for i, o := range p.Outputs {
		var amount *uint256.Int
		switch {
		case o.Amount != "" && o.Coins != "":
			return nil, fmt.Errorf("%w: output %d sets both amount and coins", chain.ErrValidation, i)
		case o.Coins != "":
			amount, err = chain.ParseCoins(c, o.Coins)
		default:
			amount, err = chain.ParseBaseUnits(o.Amount)
		}
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		req.Outputs = append(req.Outputs, chain.Output{Address: o.Address, Amount: amount})
	}

	f := chain.FeeParams{
		FeeRate:          p.Fee.FeeRate,
		GasLimit:         p.Fee.GasLimit,
		ComputeUnitLimit: p.Fee.ComputeUnitLimit,
		ComputeUnitPrice: p.Fee.ComputeUnitPrice,
	}
	if f.GasPrice, err = optionalAmount("gasPrice", p.Fee.GasPrice); err != nil {
		return nil, err
	}
	if f.MaxFeePerGas, err = optionalAmount("maxFeePerGas", p.Fee.MaxFeePerGas); err != nil {
		return nil, err
	}
	if f.MaxPriorityFeePerGas, err = optionalAmount("maxPriorityFeePerGas", p.Fee.MaxPriorityFeePerGas); err != nil {
		return nil, err
	}
	if f.Fee, err = optionalAmount("fee", p.Fee.Fee); err != nil {
		return nil, err
	}
	req.Fee = f
	return req, nil
}

type outputView struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func newOutputView(o chain.Output) outputView {
	v := outputView{Address: o.Address, Amount: "0"}
	if o.Amount != nil {
		v.Amount = o.Amount.Dec()
	}
	return v
}

type draftView struct {
	ID            string                `json:"id"`
	Chain         chain.Chain           `json:"chain"`
	From          string                `json:"from"`
	Inputs        []chain.UnspentOutput `json:"inputs,omitempty"`
	Outputs       []outputView          `json:"outputs"`
	Change        *outputView           `json:"change,omitempty"`
	Fee           string                `json:"fee"`
	VSize         int                   `json:"vsize,omitempty"`
	LockTime      uint32                `json:"lockTime,omitempty"`
	Nonce         uint64                `json:"nonce,omitempty"`
	Sequence      uint32                `json:"sequence,omitempty"`
	SigningHashes []chain.HexBytes      `json:"signingHashes"`
	CreatedAt     time.Time             `json:"createdAt"`
}

func newDraftView(d *chain.Draft) draftView {
	v := draftView{
		ID:            d.ID,
		Chain:         d.Chain,
		From:          d.From,
		Inputs:        d.Inputs,
		Fee:           "0",
		VSize:         d.VSize,
		LockTime:      d.LockTime,
		Nonce:         d.Nonce,
		Sequence:      d.Sequence,
		SigningHashes: d.SigningHashes,
		CreatedAt:     d.CreatedAt,
	}
	for _, o := range d.Outputs {
		v.Outputs = append(v.Outputs, newOutputView(o))
	}
	if d.Change != nil {
		c := newOutputView(*d.Change)
		v.Change = &c
	}
	if d.Fee != nil {
		v.Fee = d.Fee.Dec()
	}
	return v
}

type decisionView struct {
	Allowed   bool          `json:"allowed"`
	Reason    policy.Reason `json:"reason,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Remaining string        `json:"remaining,omitempty"`
}

func newDecisionView(d policy.Decision) decisionView {
	v := decisionView{Allowed: d.Allowed, Reason: d.Reason, Detail: d.Detail}
	if d.Remaining != nil {
		v.Remaining = d.Remaining.Dec()
	}
	return v
}

type preflightView struct {
	Policy  decisionView        `json:"policy"`
	Threats []threat.Assessment `json:"threats"`
}

func newPreflightView(p *engine.Preflight) preflightView {
	if p == nil {
		return preflightView{}
	}
	return preflightView{Policy: newDecisionView(p.Policy), Threats: p.Threats}
}

type usageView struct {
	Daily   string `json:"daily"`
	Weekly  string `json:"weekly"`
	Monthly string `json:"monthly"`
}

func newUsageView(u policy.Usage) usageView {
	dec := func(v *uint256.Int) string {
		if v == nil {
			return "0"
		}
		return v.Dec()
	}
	return usageView{Daily: dec(u.Daily), Weekly: dec(u.Weekly), Monthly: dec(u.Monthly)}
}
