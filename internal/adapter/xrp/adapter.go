// Package xrp builds and signs XRP Ledger Payment transactions in the
// canonical binary format.
package xrp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/holiman/uint256"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

// Fee bounds in drops.
const (
	MinFee     = 10
	DefaultFee = 12
)

// Adapter builds and signs XRP payments.
type Adapter struct {
	chain chain.Chain
}

// New creates an adapter for an XRP Ledger network.
func New(c chain.Chain) (*Adapter, error) {
	if c.Family() != chain.FamilyXRP {
		return nil, fmt.Errorf("%w: %s is not an XRP chain", chain.ErrUnsupportedOperation, c)
	}
	return &Adapter{chain: c}, nil
}

// payment is the draft payload. SigningPubKey is filled in at signing.
type payment struct {
	account            []byte
	destination        []byte
	amount             uint64
	fee                uint64
	sequence           uint32
	lastLedgerSequence uint32
	destinationTag     *uint32
}

func (p *payment) fields(pub, sig []byte) (fieldSet, error) {
	var fs fieldSet
	fs.uint16(fieldTransactionType, txTypePayment)
	fs.uint32(fieldFlags, tfFullyCanonicalSig)
	fs.uint32(fieldSequence, p.sequence)
	if p.destinationTag != nil {
		fs.uint32(fieldDestinationTag, *p.destinationTag)
	}
	if p.lastLedgerSequence != 0 {
		fs.uint32(fieldLastLedgerSequence, p.lastLedgerSequence)
	}
	if err := fs.amount(fieldAmount, p.amount); err != nil {
		return nil, err
	}
	if err := fs.amount(fieldFee, p.fee); err != nil {
		return nil, err
	}
	if err := fs.vl(fieldSigningPubKey, pub); err != nil {
		return nil, err
	}
	if sig != nil {
		if err := fs.vl(fieldTxnSignature, sig); err != nil {
			return nil, err
		}
	}
	if err := fs.vl(fieldAccount, p.account); err != nil {
		return nil, err
	}
	if err := fs.vl(fieldDestination, p.destination); err != nil {
		return nil, err
	}
	return fs, nil
}

// signingDigest is SHA-512Half over the signing prefix and every field
// except TxnSignature.
func (p *payment) signingDigest(pub []byte) ([]byte, error) {
	fs, err := p.fields(pub, nil)
	if err != nil {
		return nil, err
	}
	return crypto.SHA512Half(prefixTxSign, fs.serialize()), nil
}

func (a *Adapter) Chain() chain.Chain { return a.chain }

func (a *Adapter) Capabilities() chain.Capabilities {
	return chain.Capabilities{Spend: true}
}

func (a *Adapter) DecodeAddress(s string) (*chain.Address, error) {
	id, err := DecodeAccountID(s)
	if err != nil {
		return nil, err
	}
	return &chain.Address{Chain: a.chain, Canonical: s, Kind: "classic", Payload: id}, nil
}

func (a *Adapter) AddressFromPublicKey(pub []byte) (string, error) {
	if _, err := btcec.ParsePubKey(pub); err != nil || len(pub) != 33 {
		return "", fmt.Errorf("%w: compressed secp256k1 public key required", chain.ErrValidation)
	}
	return EncodeAccountID(AccountIDFromPublicKey(pub)), nil
}

func (a *Adapter) EstimateFee(req *chain.BuildRequest) (*uint256.Int, error) {
	fee, err := feeDrops(req.Fee)
	if err != nil {
		return nil, err
	}
	return uint256.NewInt(fee), nil
}

func feeDrops(f chain.FeeParams) (uint64, error) {
	if f.Fee == nil {
		return DefaultFee, nil
	}
	if !f.Fee.IsUint64() || f.Fee.Uint64() > MaxDrops {
		return 0, fmt.Errorf("%w: fee out of range", chain.ErrValidation)
	}
	if f.Fee.Uint64() < MinFee {
		return 0, fmt.Errorf("%w: fee %d drops below minimum %d", chain.ErrFeeTooLow, f.Fee.Uint64(), MinFee)
	}
	return f.Fee.Uint64(), nil
}

// Build assembles an unsigned Payment of native XRP.
func (a *Adapter) Build(req *chain.BuildRequest) (*chain.Draft, error) {
	if err := chain.ValidateOutputs(req.Outputs); err != nil {
		return nil, err
	}
	if len(req.Outputs) != 1 {
		return nil, fmt.Errorf("%w: XRP payments have exactly one destination", chain.ErrValidation)
	}
	account, err := DecodeAccountID(req.From)
	if err != nil {
		return nil, err
	}
	out := req.Outputs[0]
	dest, err := DecodeAccountID(out.Address)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(account, dest) {
		return nil, fmt.Errorf("%w: payment to self", chain.ErrValidation)
	}
	if !out.Amount.IsUint64() || out.Amount.Uint64() > MaxDrops {
		return nil, fmt.Errorf("%w: amount exceeds XRP supply", chain.ErrValidation)
	}
	fee, err := feeDrops(req.Fee)
	if err != nil {
		return nil, err
	}
	if req.Sequence == 0 {
		return nil, fmt.Errorf("%w: account sequence required", chain.ErrValidation)
	}

	p := &payment{
		account:            account,
		destination:        dest,
		amount:             out.Amount.Uint64(),
		fee:                fee,
		sequence:           req.Sequence,
		lastLedgerSequence: req.LastLedgerSequence,
	}
	if req.DestinationTag != nil {
		tag := *req.DestinationTag
		p.destinationTag = &tag
	}

	klog.Adapter.Debug().
		Str("chain", string(a.chain)).
		Uint32("sequence", req.Sequence).
		Uint64("fee", fee).
		Msg("Built transaction")

	// The signing digest covers SigningPubKey, so it is computed in Sign.
	return &chain.Draft{
		Chain:    a.chain,
		From:     req.From,
		Outputs:  []chain.Output{{Address: out.Address, Amount: out.Amount}},
		Fee:      uint256.NewInt(fee),
		Sequence: req.Sequence,
		Payload:  p,
	}, nil
}

// Sign signs the payment with secp256k1 and returns the serialized blob.
// The transaction id is SHA-512Half of the signed blob, in uppercase hex.
func (a *Adapter) Sign(d *chain.Draft, key *chain.SigningKey) (*chain.SignedTransaction, error) {
	p, ok := d.Payload.(*payment)
	if !ok || d.Chain != a.chain {
		return nil, fmt.Errorf("%w: draft is not a %s transaction", chain.ErrValidation, a.chain)
	}
	if key == nil || key.Curve != chain.Secp256k1 || len(key.Secret()) != 32 {
		return nil, fmt.Errorf("%w: %s requires a secp256k1 key", chain.ErrValidation, a.chain)
	}
	priv, pubKey := btcec.PrivKeyFromBytes(key.Secret())
	defer priv.Zero()
	pub := pubKey.SerializeCompressed()
	if !bytes.Equal(AccountIDFromPublicKey(pub), p.account) {
		return nil, fmt.Errorf("%w: key does not control account %s", chain.ErrValidation, d.From)
	}

	digest, err := p.signingDigest(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrValidation, err)
	}
	sig := ecdsa.Sign(priv, digest).Serialize()

	fs, err := p.fields(pub, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrValidation, err)
	}
	blob := fs.serialize()
	txid := crypto.SHA512Half(prefixTxID, blob)

	return &chain.SignedTransaction{
		Chain:      a.chain,
		TxID:       strings.ToUpper(hex.EncodeToString(txid)),
		Raw:        blob,
		Signatures: []chain.HexBytes{sig},
	}, nil
}
