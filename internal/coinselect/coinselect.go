// Package coinselect chooses UTXOs to fund a P2WPKH transaction and settles
// the fee and change output.
package coinselect

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Selection defaults.
const (
	// DustLimit is the smallest output value ever emitted.
	DustLimit = 546

	// MinRelayFeeRate is the minimum fee rate in sat/vB.
	MinRelayFeeRate = 1

	// DefaultMaxIterations bounds the selection loop.
	DefaultMaxIterations = 500

	// P2WPKHScriptSize is the size of a version 0 witness pubkey hash script.
	P2WPKHScriptSize = 22

	// MaxAmount bounds every input, output, total and fee.
	MaxAmount = btcutil.MaxSatoshi
)

// ErrNoUTXOs is returned when no candidate survives filtering.
var ErrNoUTXOs = errors.New("no spendable UTXOs")

// Params tune one selection.
type Params struct {
	FeeRate          uint64 // sat/vB
	MaxIterations    int
	MinConfirmations uint32
	ChangeScriptSize int // 0 means P2WPKH change
}

// Result holds the chosen inputs and the settled fee.
type Result struct {
	Inputs    []chain.UnspentOutput
	Total     uint64 // sum of selected input values
	Target    uint64 // sum of recipient outputs
	Fee       uint64
	Change    uint64 // zero when folded into the fee
	HasChange bool
	Folded    uint64 // sub-dust change added to Fee
	VSize     int
}

// Select funds outputs from utxos using largest-first accumulation. The
// fee is re-estimated for every candidate input count, with and without a
// change output. Change below DustLimit is folded into the fee.
//
// Select never mutates utxos.
func Select(utxos []chain.UnspentOutput, outputs []*wire.TxOut, p Params) (*Result, error) {
	if p.FeeRate < MinRelayFeeRate {
		return nil, fmt.Errorf("%w: fee rate %d sat/vB below minimum %d", chain.ErrFeeTooLow, p.FeeRate, MinRelayFeeRate)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs", chain.ErrValidation)
	}
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	changeSize := p.ChangeScriptSize
	if changeSize <= 0 {
		changeSize = P2WPKHScriptSize
	}

	var target uint64
	for i, o := range outputs {
		if o.Value <= 0 {
			return nil, fmt.Errorf("%w: output %d amount must be positive", chain.ErrValidation, i)
		}
		if o.Value < DustLimit {
			return nil, fmt.Errorf("%w: %w: output %d is %d sat", chain.ErrValidation, chain.ErrDustOutput, i, o.Value)
		}
		target += uint64(o.Value)
		if target > MaxAmount {
			return nil, fmt.Errorf("%w: output total exceeds %d sat", chain.ErrValidation, uint64(MaxAmount))
		}
	}
	for _, u := range utxos {
		if u.Value > MaxAmount {
			return nil, fmt.Errorf("%w: input %s value %d exceeds %d sat", chain.ErrValidation, u.Outpoint, u.Value, uint64(MaxAmount))
		}
	}

	candidates := filter(utxos, p.MinConfirmations)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %w", chain.ErrInsufficientFunds, ErrNoUTXOs)
	}
	// Largest first; ties broken by outpoint so results are deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Value != candidates[j].Value {
			return candidates[i].Value > candidates[j].Value
		}
		return candidates[i].Outpoint.String() < candidates[j].Outpoint.String()
	})

	var total uint64
	for n := 1; n <= len(candidates); n++ {
		if n > maxIter {
			return nil, fmt.Errorf("%w: no solution within %d iterations", chain.ErrFeeEstimationFailed, maxIter)
		}
		total += candidates[n-1].Value
		if total > MaxAmount {
			return nil, fmt.Errorf("%w: input total exceeds %d sat", chain.ErrValidation, uint64(MaxAmount))
		}

		vsizeNoChange := txsizes.EstimateVirtualSize(0, 0, n, 0, outputs, 0)
		feeNoChange, err := feeFor(vsizeNoChange, p.FeeRate)
		if err != nil {
			return nil, err
		}
		if total < target+feeNoChange {
			continue
		}

		vsizeChange := txsizes.EstimateVirtualSize(0, 0, n, 0, outputs, changeSize)
		feeChange, err := feeFor(vsizeChange, p.FeeRate)
		if err != nil {
			return nil, err
		}
		res := &Result{
			Inputs: append([]chain.UnspentOutput(nil), candidates[:n]...),
			Total:  total,
			Target: target,
		}
		if total >= target+feeChange && total-target-feeChange >= DustLimit {
			res.Change = total - target - feeChange
			res.Fee = feeChange
			res.VSize = vsizeChange
			res.HasChange = true
			return res, nil
		}
		res.Fee = total - target
		res.Folded = res.Fee - feeNoChange
		res.VSize = vsizeNoChange
		return res, nil
	}

	return nil, fmt.Errorf("%w: have %d sat, need %d plus fee", chain.ErrInsufficientFunds, total, target)
}

func filter(utxos []chain.UnspentOutput, minConf uint32) []chain.UnspentOutput {
	out := make([]chain.UnspentOutput, 0, len(utxos))
	for _, u := range utxos {
		if u.Frozen || u.Value == 0 || u.Confirmations < minConf {
			continue
		}
		out = append(out, u)
	}
	return out
}

// feeFor multiplies vsize by feeRate, rejecting products above MaxAmount.
func feeFor(vsize int, feeRate uint64) (uint64, error) {
	hi, fee := bits.Mul64(uint64(vsize), feeRate)
	if hi != 0 || fee > MaxAmount {
		return 0, fmt.Errorf("%w: fee rate %d sat/vB over %d vB exceeds %d sat", chain.ErrValidation, feeRate, vsize, uint64(MaxAmount))
	}
	return fee, nil
}

// EstimateFee returns the fee of spending nInputs P2WPKH inputs to outputs
// at feeRate, with a change output when withChange is set.
func EstimateFee(nInputs int, outputs []*wire.TxOut, feeRate uint64, withChange bool) (uint64, int, error) {
	changeSize := 0
	if withChange {
		changeSize = P2WPKHScriptSize
	}
	vsize := txsizes.EstimateVirtualSize(0, 0, nInputs, 0, outputs, changeSize)
	fee, err := feeFor(vsize, feeRate)
	return fee, vsize, err
}
