// Package bitcoin implements native SegWit (P2WPKH) transactions for
// Bitcoin and Litecoin.
package bitcoin

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingvault/internal/coinselect"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

const (
	txVersion = 2
	// Sequence signalling replace-by-fee with locktime enabled.
	rbfSequence = 0xfffffffd
)

// Adapter builds and signs P2WPKH transactions for one network.
type Adapter struct {
	chain         chain.Chain
	net           *chaincfg.Params
	maxIterations int
	minConf       uint32
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMaxIterations bounds coin selection.
func WithMaxIterations(n int) Option {
	return func(a *Adapter) { a.maxIterations = n }
}

// WithMinConfirmations sets the confirmation floor used when a request
// does not carry its own.
func WithMinConfirmations(n uint32) Option {
	return func(a *Adapter) { a.minConf = n }
}

// New creates an adapter for a Bitcoin-family chain.
func New(c chain.Chain, opts ...Option) (*Adapter, error) {
	net, err := NetParams(c)
	if err != nil {
		return nil, err
	}
	a := &Adapter{chain: c, net: net, maxIterations: coinselect.DefaultMaxIterations}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// unsignedTx is the draft payload.
type unsignedTx struct {
	tx      *wire.MsgTx
	amounts []int64
	scripts [][]byte
}

func (a *Adapter) Chain() chain.Chain { return a.chain }

func (a *Adapter) Capabilities() chain.Capabilities {
	return chain.Capabilities{Spend: true}
}

// Params returns the network parameters.
func (a *Adapter) Params() *chaincfg.Params { return a.net }

// DecodeAddress accepts any standard address of the adapter's network.
func (a *Adapter) DecodeAddress(s string) (*chain.Address, error) {
	addr, err := a.decode(s)
	if err != nil {
		return nil, err
	}
	kind := "unknown"
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		kind = "p2wpkh"
	case *btcutil.AddressWitnessScriptHash:
		kind = "p2wsh"
	case *btcutil.AddressTaproot:
		kind = "p2tr"
	case *btcutil.AddressPubKeyHash:
		kind = "p2pkh"
	case *btcutil.AddressScriptHash:
		kind = "p2sh"
	}
	return &chain.Address{
		Chain:     a.chain,
		Canonical: addr.EncodeAddress(),
		Kind:      kind,
		Payload:   addr.ScriptAddress(),
	}, nil
}

func (a *Adapter) decode(s string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(s, a.net)
	if err != nil {
		return nil, fmt.Errorf("%w: %s address %q: %v", chain.ErrInvalidAddress, a.chain, s, err)
	}
	if !addr.IsForNet(a.net) {
		return nil, fmt.Errorf("%w: %q is not a %s address", chain.ErrInvalidAddress, s, a.chain)
	}
	return addr, nil
}

// AddressFromPublicKey returns the P2WPKH address of a compressed key.
func (a *Adapter) AddressFromPublicKey(pub []byte) (string, error) {
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: public key: %v", chain.ErrValidation, err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.SerializeCompressed()), a.net)
	if err != nil {
		return "", fmt.Errorf("p2wpkh address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// EstimateFee runs coin selection and returns the resulting fee.
func (a *Adapter) EstimateFee(req *chain.BuildRequest) (*uint256.Int, error) {
	outs, err := a.txOutputs(req.Outputs)
	if err != nil {
		return nil, err
	}
	if len(req.Inputs) == 0 {
		fee, _, err := coinselect.EstimateFee(1, outs, req.Fee.FeeRate, true)
		if err != nil {
			return nil, err
		}
		return uint256.NewInt(fee), nil
	}
	res, err := coinselect.Select(req.Inputs, outs, a.selectParams(req))
	if err != nil {
		return nil, err
	}
	return uint256.NewInt(res.Fee), nil
}

func (a *Adapter) selectParams(req *chain.BuildRequest) coinselect.Params {
	minConf := req.MinConfirmations
	if minConf == 0 {
		minConf = a.minConf
	}
	return coinselect.Params{
		FeeRate:          req.Fee.FeeRate,
		MaxIterations:    a.maxIterations,
		MinConfirmations: minConf,
	}
}

// Build selects inputs and assembles an unsigned version 2 transaction.
func (a *Adapter) Build(req *chain.BuildRequest) (*chain.Draft, error) {
	if err := chain.ValidateOutputs(req.Outputs); err != nil {
		return nil, err
	}
	fromScript, err := a.p2wpkhScript(req.From)
	if err != nil {
		return nil, err
	}
	changeAddr := req.ChangeAddress
	if changeAddr == "" {
		changeAddr = req.From
	}
	changeScript, err := a.p2wpkhScript(changeAddr)
	if err != nil {
		return nil, err
	}
	outs, err := a.txOutputs(req.Outputs)
	if err != nil {
		return nil, err
	}

	utxos := make([]chain.UnspentOutput, len(req.Inputs))
	for i, u := range req.Inputs {
		if len(u.Script) == 0 {
			u.Script = fromScript
		}
		if !txscript.IsPayToWitnessPubKeyHash(u.Script) {
			return nil, fmt.Errorf("%w: input %s is not p2wpkh", chain.ErrValidation, u.Outpoint)
		}
		utxos[i] = u
	}

	sel, err := coinselect.Select(utxos, outs, a.selectParams(req))
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	tx.LockTime = req.LockTime
	payload := &unsignedTx{tx: tx}
	for _, u := range sel.Inputs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: txid %q: %v", chain.ErrValidation, u.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, u.Index), nil, nil)
		in.Sequence = rbfSequence
		tx.AddTxIn(in)
		payload.amounts = append(payload.amounts, int64(u.Value))
		payload.scripts = append(payload.scripts, u.Script)
	}
	for _, o := range outs {
		tx.AddTxOut(o)
	}

	d := &chain.Draft{
		Chain:    a.chain,
		From:     req.From,
		Inputs:   sel.Inputs,
		Outputs:  req.Outputs,
		Fee:      uint256.NewInt(sel.Fee),
		VSize:    sel.VSize,
		LockTime: req.LockTime,
		Payload:  payload,
	}
	if sel.HasChange {
		tx.AddTxOut(wire.NewTxOut(int64(sel.Change), changeScript))
		d.Change = &chain.Output{Address: changeAddr, Amount: uint256.NewInt(sel.Change)}
	}

	hashes := NewSigHashes(tx)
	for i := range tx.TxIn {
		code := P2WPKHScriptCode(payload.scripts[i][2:])
		d.SigningHashes = append(d.SigningHashes,
			WitnessSigHash(tx, hashes, i, code, payload.amounts[i], txscript.SigHashAll))
	}

	klog.Adapter.Debug().
		Str("chain", string(a.chain)).
		Int("inputs", len(tx.TxIn)).
		Int("outputs", len(tx.TxOut)).
		Uint64("fee", sel.Fee).
		Int("vsize", sel.VSize).
		Msg("Built transaction")
	return d, nil
}

func (a *Adapter) p2wpkhScript(s string) ([]byte, error) {
	addr, err := a.decode(s)
	if err != nil {
		return nil, err
	}
	if _, ok := addr.(*btcutil.AddressWitnessPubKeyHash); !ok {
		return nil, fmt.Errorf("%w: %q is not a p2wpkh address", chain.ErrInvalidAddress, s)
	}
	return txscript.PayToAddrScript(addr)
}

func (a *Adapter) txOutputs(outputs []chain.Output) ([]*wire.TxOut, error) {
	outs := make([]*wire.TxOut, 0, len(outputs))
	for i, o := range outputs {
		addr, err := a.decode(o.Address)
		if err != nil {
			return nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: output %d: %v", chain.ErrInvalidAddress, i, err)
		}
		if o.Amount == nil || !o.Amount.IsUint64() || o.Amount.Uint64() > btcutil.MaxSatoshi {
			return nil, fmt.Errorf("%w: output %d amount out of range", chain.ErrValidation, i)
		}
		outs = append(outs, wire.NewTxOut(int64(o.Amount.Uint64()), script))
	}
	return outs, nil
}

// Sign signs every input with key. The key must control every input: its
// hash160 must equal each input's witness program.
func (a *Adapter) Sign(d *chain.Draft, key *chain.SigningKey) (*chain.SignedTransaction, error) {
	payload, ok := d.Payload.(*unsignedTx)
	if !ok || d.Chain != a.chain {
		return nil, fmt.Errorf("%w: draft is not a %s transaction", chain.ErrValidation, a.chain)
	}
	if key == nil || key.Curve != chain.Secp256k1 {
		return nil, fmt.Errorf("%w: %s requires a secp256k1 key", chain.ErrValidation, a.chain)
	}
	secret := key.Secret()
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: signing key released", chain.ErrValidation)
	}

	priv, pub := btcec.PrivKeyFromBytes(secret)
	defer priv.Zero()
	pubBytes := pub.SerializeCompressed()
	pkh := btcutil.Hash160(pubBytes)

	tx := payload.tx.Copy()
	hashes := NewSigHashes(tx)
	sigs := make([]chain.HexBytes, 0, len(tx.TxIn))
	for i, in := range tx.TxIn {
		script := payload.scripts[i]
		if !bytes.Equal(script[2:], pkh) {
			return nil, fmt.Errorf("%w: key does not control input %d", chain.ErrValidation, i)
		}
		hash := WitnessSigHash(tx, hashes, i, P2WPKHScriptCode(pkh), payload.amounts[i], txscript.SigHashAll)
		sig := ecdsa.Sign(priv, hash).Serialize()
		sig = append(sig, byte(txscript.SigHashAll))
		in.Witness = wire.TxWitness{sig, pubBytes}
		sigs = append(sigs, sig)
	}

	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return &chain.SignedTransaction{
		Chain:      a.chain,
		TxID:       tx.TxHash().String(),
		Raw:        raw.Bytes(),
		Signatures: sigs,
	}, nil
}
