// Package solana builds and signs System Program transfers.
package solana

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/holiman/uint256"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

// Fee constants.
const (
	LamportsPerSignature    = 5000
	DefaultComputeUnitLimit = 200_000
	MaxMemoLength           = 566
)

var (
	computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	memoProgramID          = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

// Compute budget instruction discriminators.
const (
	setComputeUnitLimit = 2
	setComputeUnitPrice = 3
)

// Adapter builds and signs Solana transactions.
type Adapter struct {
	chain chain.Chain
}

// New creates an adapter for a Solana cluster.
func New(c chain.Chain) (*Adapter, error) {
	if c.Family() != chain.FamilySolana {
		return nil, fmt.Errorf("%w: %s is not a solana chain", chain.ErrUnsupportedOperation, c)
	}
	return &Adapter{chain: c}, nil
}

func (a *Adapter) Chain() chain.Chain { return a.chain }

func (a *Adapter) Capabilities() chain.Capabilities {
	return chain.Capabilities{Spend: true}
}

func (a *Adapter) DecodeAddress(s string) (*chain.Address, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("%w: solana address %q: %v", chain.ErrInvalidAddress, s, err)
	}
	return &chain.Address{
		Chain:     a.chain,
		Canonical: pk.String(),
		Kind:      "account",
		Payload:   pk.Bytes(),
	}, nil
}

func (a *Adapter) AddressFromPublicKey(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("%w: ed25519 public key must be 32 bytes", chain.ErrValidation)
	}
	return solana.PublicKeyFromBytes(pub).String(), nil
}

// EstimateFee returns the base fee for one signature plus the priority
// fee ceil(price * limit / 1e6).
func (a *Adapter) EstimateFee(req *chain.BuildRequest) (*uint256.Int, error) {
	return estimateFee(req.Fee), nil
}

func estimateFee(f chain.FeeParams) *uint256.Int {
	fee := uint256.NewInt(LamportsPerSignature)
	if f.ComputeUnitPrice == 0 {
		return fee
	}
	limit := uint64(f.ComputeUnitLimit)
	if limit == 0 {
		limit = DefaultComputeUnitLimit
	}
	priority := new(uint256.Int).Mul(uint256.NewInt(f.ComputeUnitPrice), uint256.NewInt(limit))
	priority.Add(priority, uint256.NewInt(999_999))
	priority.Div(priority, uint256.NewInt(1_000_000))
	return fee.Add(fee, priority)
}

// Build compiles the message: optional compute budget instructions, one
// transfer per output, and an optional memo. From pays the fee.
func (a *Adapter) Build(req *chain.BuildRequest) (*chain.Draft, error) {
	if err := chain.ValidateOutputs(req.Outputs); err != nil {
		return nil, err
	}
	from, err := solana.PublicKeyFromBase58(req.From)
	if err != nil {
		return nil, fmt.Errorf("%w: sender %q: %v", chain.ErrInvalidAddress, req.From, err)
	}
	if req.RecentBlockhash == "" {
		return nil, fmt.Errorf("%w: recent blockhash required", chain.ErrValidation)
	}
	blockhash, err := solana.HashFromBase58(req.RecentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("%w: blockhash %q: %v", chain.ErrValidation, req.RecentBlockhash, err)
	}
	if len(req.Memo) > MaxMemoLength {
		return nil, fmt.Errorf("%w: memo longer than %d bytes", chain.ErrValidation, MaxMemoLength)
	}

	var instrs []solana.Instruction
	if req.Fee.ComputeUnitLimit > 0 {
		data := make([]byte, 5)
		data[0] = setComputeUnitLimit
		binary.LittleEndian.PutUint32(data[1:], req.Fee.ComputeUnitLimit)
		instrs = append(instrs, solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data))
	}
	if req.Fee.ComputeUnitPrice > 0 {
		data := make([]byte, 9)
		data[0] = setComputeUnitPrice
		binary.LittleEndian.PutUint64(data[1:], req.Fee.ComputeUnitPrice)
		instrs = append(instrs, solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data))
	}

	outputs := make([]chain.Output, 0, len(req.Outputs))
	for i, o := range req.Outputs {
		to, err := solana.PublicKeyFromBase58(o.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: output %d %q: %v", chain.ErrInvalidAddress, i, o.Address, err)
		}
		if !o.Amount.IsUint64() {
			return nil, fmt.Errorf("%w: output %d amount exceeds u64 lamports", chain.ErrValidation, i)
		}
		instrs = append(instrs, system.NewTransferInstruction(o.Amount.Uint64(), from, to).Build())
		outputs = append(outputs, chain.Output{Address: to.String(), Amount: o.Amount})
	}
	if req.Memo != "" {
		instrs = append(instrs, solana.NewInstruction(memoProgramID, solana.AccountMetaSlice{}, []byte(req.Memo)))
	}

	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(from))
	if err != nil {
		return nil, fmt.Errorf("compile message: %w", err)
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}

	klog.Adapter.Debug().
		Str("chain", string(a.chain)).
		Int("instructions", len(instrs)).
		Msg("Built transaction")

	return &chain.Draft{
		Chain:         a.chain,
		From:          from.String(),
		Outputs:       outputs,
		Fee:           estimateFee(req.Fee),
		SigningHashes: []chain.HexBytes{msg},
		Payload:       tx,
	}, nil
}

// Sign signs the message bytes with Ed25519. The key must be the fee payer.
func (a *Adapter) Sign(d *chain.Draft, key *chain.SigningKey) (*chain.SignedTransaction, error) {
	tx, ok := d.Payload.(*solana.Transaction)
	if !ok || d.Chain != a.chain {
		return nil, fmt.Errorf("%w: draft is not a %s transaction", chain.ErrValidation, a.chain)
	}
	if key == nil || key.Curve != chain.Ed25519 {
		return nil, fmt.Errorf("%w: %s requires an ed25519 key", chain.ErrValidation, a.chain)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	payer := tx.Message.AccountKeys[0]
	if !bytes.Equal(pub, payer.Bytes()) {
		return nil, fmt.Errorf("%w: key does not match fee payer %s", chain.ErrValidation, payer)
	}
	if n := int(tx.Message.Header.NumRequiredSignatures); n != 1 {
		return nil, fmt.Errorf("%w: message requires %d signatures", chain.ErrUnsupportedOperation, n)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	raw, err := crypto.SignEd25519(key.Secret(), msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrValidation, err)
	}
	var sig solana.Signature
	copy(sig[:], raw)

	signed := *tx
	signed.Signatures = []solana.Signature{sig}
	wire, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return &chain.SignedTransaction{
		Chain:      a.chain,
		TxID:       sig.String(),
		Raw:        wire,
		Signatures: []chain.HexBytes{raw},
	}, nil
}
