package bitcoin

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// Native P2WPKH example from BIP143.
const (
	bip143UnsignedTx = "0100000002fff7f7881a8099afa6940d42d1e7f6362bec38171ea3edf433541db4e4ad969f0000000000eeffffffef51e1b804cc89d182d279655c3aa89e815b1b309fe287d9b2b55d57b90ec68a0100000000ffffffff02202cb206000000001976a9148280b37df378db99f66f85c95a783a76ac7a6d5988ac9093510d000000001976a9143bde42dbee7e4dbe6a21b2d50ce2f0167faa815988ac11000000"
	bip143Script     = "00141d0f172a0ecb48aee1be1f2687d2963ae33f71a1"
	bip143Amount     = 600000000

	bip143HashPrevouts = "96b827c8483d4e9b96712b6713a7b68d6e8003a781feba36c31143470b4efd37"
	bip143HashSequence = "52b0a642eea2fb7ae638c36f6252b6750293dbe574a806984b8e4d8548339a3b"
	bip143HashOutputs  = "863ef3e1a92afbfdb97f31ad0fc7683ee943e9abcf2501590ff8f6551f47e5e5"
	bip143SigHash      = "c37af31116d1b27caf68aae9e3ac82f1477929014d5b917657d0eb49478cb670"
)

func bip143Tx(t *testing.T) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(bip143UnsignedTx)
	require.NoError(t, err)
	tx := wire.NewMsgTx(1)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	return tx
}

func TestWitnessSigHash_BIP143Vector(t *testing.T) {
	tx := bip143Tx(t)
	hashes := NewSigHashes(tx)

	require.Equal(t, bip143HashPrevouts, hex.EncodeToString(hashes.HashPrevouts[:]))
	require.Equal(t, bip143HashSequence, hex.EncodeToString(hashes.HashSequence[:]))
	require.Equal(t, bip143HashOutputs, hex.EncodeToString(hashes.HashOutputs[:]))

	script, _ := hex.DecodeString(bip143Script)
	got := WitnessSigHash(tx, hashes, 1, P2WPKHScriptCode(script[2:]), bip143Amount, txscript.SigHashAll)
	require.Equal(t, bip143SigHash, hex.EncodeToString(got))
}

func TestWitnessSigHash_MatchesTxscript(t *testing.T) {
	tx := bip143Tx(t)
	script, _ := hex.DecodeString(bip143Script)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(bip143Amount, script))
	}
	ref := txscript.NewTxSigHashes(tx, fetcher)
	ours := NewSigHashes(tx)

	for _, ht := range []txscript.SigHashType{
		txscript.SigHashAll,
		txscript.SigHashNone,
		txscript.SigHashSingle,
		txscript.SigHashAll | txscript.SigHashAnyOneCanPay,
		txscript.SigHashSingle | txscript.SigHashAnyOneCanPay,
	} {
		for idx := range tx.TxIn {
			want, err := txscript.CalcWitnessSigHash(script, ref, ht, tx, idx, bip143Amount)
			require.NoError(t, err)
			got := WitnessSigHash(tx, ours, idx, P2WPKHScriptCode(script[2:]), bip143Amount, ht)
			require.Equalf(t, want, got, "hashType %v input %d", ht, idx)
		}
	}
}

func TestP2WPKHScriptCode(t *testing.T) {
	pkh, _ := hex.DecodeString("1d0f172a0ecb48aee1be1f2687d2963ae33f71a1")
	require.Equal(t, "76a9141d0f172a0ecb48aee1be1f2687d2963ae33f71a188ac",
		hex.EncodeToString(P2WPKHScriptCode(pkh)))
}
