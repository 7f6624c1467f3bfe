package coinselect

import (
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

var p2wpkhScript = append([]byte{0x00, 0x14}, make([]byte, 20)...)

func makeUTXOs(values ...uint64) []chain.UnspentOutput {
	utxos := make([]chain.UnspentOutput, len(values))
	for i, v := range values {
		utxos[i] = chain.UnspentOutput{
			Outpoint:      chain.Outpoint{TxID: fmt.Sprintf("%064x", i+1), Index: 0},
			Value:         v,
			Script:        p2wpkhScript,
			Confirmations: 6,
		}
	}
	return utxos
}

func outputs(values ...int64) []*wire.TxOut {
	outs := make([]*wire.TxOut, len(values))
	for i, v := range values {
		outs[i] = wire.NewTxOut(v, p2wpkhScript)
	}
	return outs
}

// Two inputs of 0.01 and 0.02 BTC paying 0.025 BTC at 10 sat/vB.
func TestSelect_TwoInputScenario(t *testing.T) {
	outs := outputs(2_500_000)
	res, err := Select(makeUTXOs(1_000_000, 2_000_000), outs, Params{FeeRate: 10})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Inputs) != 2 {
		t.Fatalf("inputs = %d, want 2", len(res.Inputs))
	}
	if res.Inputs[0].Value != 2_000_000 {
		t.Errorf("first input = %d, want largest (2000000)", res.Inputs[0].Value)
	}

	wantVSize := txsizes.EstimateVirtualSize(0, 0, 2, 0, outs, P2WPKHScriptSize)
	if res.VSize != wantVSize {
		t.Errorf("vsize = %d, want %d", res.VSize, wantVSize)
	}
	if res.Fee != uint64(wantVSize)*10 {
		t.Errorf("fee = %d, want %d", res.Fee, wantVSize*10)
	}
	if !res.HasChange {
		t.Fatal("expected a change output")
	}
	if res.Change != 3_000_000-2_500_000-res.Fee {
		t.Errorf("change = %d, want %d", res.Change, 3_000_000-2_500_000-res.Fee)
	}
	if res.Total != res.Target+res.Fee+res.Change {
		t.Errorf("total %d != target %d + fee %d + change %d", res.Total, res.Target, res.Fee, res.Change)
	}
}

func TestSelect_SufficientAlwaysCovers(t *testing.T) {
	tests := []struct {
		name   string
		utxos  []uint64
		target int64
		rate   uint64
	}{
		{"single", []uint64{100_000}, 50_000, 1},
		{"many small", []uint64{10_000, 10_000, 10_000, 10_000, 10_000}, 35_000, 5},
		{"high rate", []uint64{1_000_000, 500_000}, 900_000, 200},
		{"exactish", []uint64{60_000}, 59_000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Select(makeUTXOs(tt.utxos...), outputs(tt.target), Params{FeeRate: tt.rate})
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if res.Total < res.Target+res.Fee {
				t.Errorf("sum %d < target %d + fee %d", res.Total, res.Target, res.Fee)
			}
			if res.HasChange && res.Change < DustLimit {
				t.Errorf("change %d below dust emitted", res.Change)
			}
			if !res.HasChange && res.Change != 0 {
				t.Errorf("change = %d without a change output", res.Change)
			}
		})
	}
}

func TestSelect_DustChangeFolded(t *testing.T) {
	outs := outputs(50_000)
	feeNoChange, _, err := EstimateFee(1, outs, 2, false)
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	// Leave 300 sat over target+fee: too small for a change output.
	value := 50_000 + feeNoChange + 300
	res, err := Select(makeUTXOs(value), outs, Params{FeeRate: 2})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.HasChange {
		t.Errorf("change output emitted: %d", res.Change)
	}
	if res.Fee != feeNoChange+300 {
		t.Errorf("fee = %d, want %d", res.Fee, feeNoChange+300)
	}
	if res.Folded != 300 {
		t.Errorf("folded = %d, want 300", res.Folded)
	}
}

func TestSelect_InsufficientFunds(t *testing.T) {
	_, err := Select(makeUTXOs(1000, 2000), outputs(5000), Params{FeeRate: 1})
	if !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
	// Covers the target but not the fee.
	_, err = Select(makeUTXOs(5000), outputs(5000), Params{FeeRate: 1})
	if !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
}

func TestSelect_FeeTooLow(t *testing.T) {
	_, err := Select(makeUTXOs(100_000), outputs(1000), Params{FeeRate: 0})
	if !errors.Is(err, chain.ErrFeeTooLow) {
		t.Errorf("error = %v, want ErrFeeTooLow", err)
	}
}

func TestSelect_DustRecipient(t *testing.T) {
	_, err := Select(makeUTXOs(100_000), outputs(545), Params{FeeRate: 1})
	if !errors.Is(err, chain.ErrValidation) || !errors.Is(err, chain.ErrDustOutput) {
		t.Errorf("error = %v, want ErrValidation wrapping ErrDustOutput", err)
	}
}

func TestSelect_IterationBound(t *testing.T) {
	utxos := makeUTXOs(1000, 1000, 1000, 1000, 1000)
	_, err := Select(utxos, outputs(4000), Params{FeeRate: 1, MaxIterations: 3})
	if !errors.Is(err, chain.ErrFeeEstimationFailed) {
		t.Errorf("error = %v, want ErrFeeEstimationFailed", err)
	}
}

func TestSelect_SkipsFrozenAndUnconfirmed(t *testing.T) {
	utxos := makeUTXOs(500_000, 400_000, 100_000)
	utxos[0].Frozen = true
	utxos[1].Confirmations = 0

	res, err := Select(utxos, outputs(50_000), Params{FeeRate: 1, MinConfirmations: 1})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Inputs) != 1 || res.Inputs[0].Value != 100_000 {
		t.Errorf("inputs = %+v, want only the 100000 output", res.Inputs)
	}

	utxos[2].Frozen = true
	_, err = Select(utxos, outputs(50_000), Params{FeeRate: 1, MinConfirmations: 1})
	if !errors.Is(err, ErrNoUTXOs) {
		t.Errorf("error = %v, want ErrNoUTXOs", err)
	}
}

func TestSelect_DoesNotMutateInput(t *testing.T) {
	utxos := makeUTXOs(1000, 5000, 3000)
	if _, err := Select(utxos, outputs(2000), Params{FeeRate: 1}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if utxos[0].Value != 1000 || utxos[1].Value != 5000 || utxos[2].Value != 3000 {
		t.Errorf("input slice reordered: %v", utxos)
	}
}

func TestSelect_AmountBounds(t *testing.T) {
	tests := []struct {
		name  string
		utxos []uint64
		out   int64
		rate  uint64
	}{
		{"input wraps uint64", []uint64{^uint64(0)}, 5_000, 1},
		{"input above max money", []uint64{MaxAmount + 1}, 5_000, 1},
		{"input total above max money", []uint64{MaxAmount, MaxAmount}, MaxAmount, 1},
		{"fee product wraps uint64", []uint64{100_000}, 50_000, ^uint64(0)/110 + 1},
		{"fee above max money", []uint64{100_000}, 50_000, MaxAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Select(makeUTXOs(tt.utxos...), outputs(tt.out), Params{FeeRate: tt.rate})
			if !errors.Is(err, chain.ErrValidation) {
				t.Fatalf("Select() = %+v, %v; want ErrValidation", res, err)
			}
		})
	}
}

func TestSelect_MaxMoneyInput(t *testing.T) {
	res, err := Select(makeUTXOs(MaxAmount), outputs(5_000), Params{FeeRate: 1})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !res.HasChange || res.Total != res.Target+res.Fee+res.Change {
		t.Fatalf("unbalanced result: %+v", res)
	}
	if int64(res.Change) <= 0 {
		t.Errorf("change %d does not fit an output value", res.Change)
	}
}

func TestEstimateFee_Overflow(t *testing.T) {
	if _, _, err := EstimateFee(1, outputs(50_000), ^uint64(0)/100, true); !errors.Is(err, chain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	fee, vsize, err := EstimateFee(1, outputs(50_000), 3, true)
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	if fee != uint64(vsize)*3 {
		t.Errorf("fee = %d, want %d", fee, vsize*3)
	}
}
