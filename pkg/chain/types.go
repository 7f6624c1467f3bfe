package chain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// HexBytes is a byte slice that marshals as lowercase hex.
type HexBytes []byte

// MarshalText implements encoding.TextMarshaler.
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. A 0x prefix is accepted.
func (h *HexBytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(string(text), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: invalid hex: %v", ErrValidation, err)
	}
	*h = b
	return nil
}

func (h HexBytes) String() string { return hex.EncodeToString(h) }

// Outpoint references a transaction output. TxID is in display (big-endian)
// hex order, the form block explorers and indexers use.
type Outpoint struct {
	TxID  string `json:"txid"`
	Index uint32 `json:"vout"`
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(o.TxID), o.Index)
}

// UnspentOutput is a spendable output supplied by the caller's indexer.
type UnspentOutput struct {
	Outpoint
	Value         uint64   `json:"value"`
	Script        HexBytes `json:"script"`
	Confirmations uint32   `json:"confirmations"`
	// Frozen outputs are never selected.
	Frozen bool `json:"frozen,omitempty"`
}

// Output is a payment to an address. Amount is in the chain's base unit
// (satoshi, wei, lamport, drop).
type Output struct {
	Address string       `json:"address"`
	Amount  *uint256.Int `json:"-"`
}

// AccessTuple is an EIP-2930 access list entry.
type AccessTuple struct {
	Address     string   `json:"address"`
	StorageKeys []string `json:"storageKeys"`
}

// FeeParams carries the fee fields of every family. Each adapter reads the
// subset it needs and rejects combinations it cannot honor.
type FeeParams struct {
	// FeeRate is sat/vB for Bitcoin-family chains.
	FeeRate uint64

	GasLimit             uint64
	GasPrice             *uint256.Int // legacy EVM
	MaxFeePerGas         *uint256.Int // EIP-1559
	MaxPriorityFeePerGas *uint256.Int // EIP-1559

	// Fee is a flat fee in base units (XRP drops).
	Fee *uint256.Int

	// Solana compute budget. Price is in micro-lamports per unit.
	ComputeUnitLimit uint32
	ComputeUnitPrice uint64
}

// IsDynamic reports whether the EVM fee fields describe an EIP-1559
// transaction.
func (f FeeParams) IsDynamic() bool {
	return f.MaxFeePerGas != nil || f.MaxPriorityFeePerGas != nil
}

// BuildRequest describes an unsigned transaction to assemble.
type BuildRequest struct {
	Chain   Chain
	From    string
	Inputs  []UnspentOutput
	Outputs []Output
	// ChangeAddress defaults to From when empty.
	ChangeAddress    string
	Fee              FeeParams
	LockTime         uint32
	MinConfirmations uint32

	// EVM
	Nonce      uint64
	Data       []byte
	AccessList []AccessTuple

	// XRP
	Sequence           uint32
	LastLedgerSequence uint32
	DestinationTag     *uint32

	// Solana
	RecentBlockhash string
	Memo            string
}

// Draft is an unsigned transaction. It is transient: the engine drops it
// after signing, explicit release, or expiry.
type Draft struct {
	ID       string
	Chain    Chain
	From     string
	Inputs   []UnspentOutput
	Outputs  []Output
	Change   *Output
	Fee      *uint256.Int
	VSize    int
	LockTime uint32
	Nonce    uint64
	Sequence uint32
	// SigningHashes are the digests Sign will sign, one per signature.
	SigningHashes []HexBytes
	CreatedAt     time.Time

	// Payload is the adapter-owned unsigned transaction.
	Payload any
}

// Recipients returns the payment destinations, excluding change.
func (d *Draft) Recipients() []string {
	out := make([]string, 0, len(d.Outputs))
	for _, o := range d.Outputs {
		out = append(out, o.Address)
	}
	return out
}

// SpendAmount returns the total paid to recipients, excluding change and fee.
func (d *Draft) SpendAmount() *uint256.Int {
	total := new(uint256.Int)
	for _, o := range d.Outputs {
		if o.Amount != nil {
			total.Add(total, o.Amount)
		}
	}
	return total
}

// ReservationKeys identifies the chain resources the draft consumes:
// outpoints for UTXO chains, the account nonce or sequence otherwise.
func (d *Draft) ReservationKeys() []string {
	switch d.Chain.Family() {
	case FamilyBitcoin:
		keys := make([]string, 0, len(d.Inputs))
		for _, in := range d.Inputs {
			keys = append(keys, string(d.Chain)+"/utxo/"+in.Outpoint.String())
		}
		return keys
	case FamilyEVM:
		return []string{fmt.Sprintf("%s/nonce/%s/%d", d.Chain, strings.ToLower(d.From), d.Nonce)}
	case FamilyXRP:
		return []string{fmt.Sprintf("%s/seq/%s/%d", d.Chain, d.From, d.Sequence)}
	default:
		return nil
	}
}

// SignedTransaction is the broadcast-ready result of signing.
type SignedTransaction struct {
	Chain      Chain      `json:"chain"`
	TxID       string     `json:"txid"`
	Raw        HexBytes   `json:"raw"`
	Signatures []HexBytes `json:"signatures"`
}

// Capabilities tells the caller what an adapter can do with an account.
type Capabilities struct {
	Spend    bool `json:"spend"`
	ViewOnly bool `json:"viewOnly"`
}

// Address is a decoded destination.
type Address struct {
	Chain Chain `json:"chain"`
	// Canonical is the normalized string form.
	Canonical string   `json:"address"`
	Kind      string   `json:"kind"`
	Payload   HexBytes `json:"payload"`
}
