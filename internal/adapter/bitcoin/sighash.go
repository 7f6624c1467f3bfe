package bitcoin

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SigHashes holds the BIP143 midstate hashes shared by every input of a
// transaction.
type SigHashes struct {
	HashPrevouts chainhash.Hash
	HashSequence chainhash.Hash
	HashOutputs  chainhash.Hash
}

// NewSigHashes computes the BIP143 midstate for tx.
func NewSigHashes(tx *wire.MsgTx) *SigHashes {
	var prevouts, seqs, outs bytes.Buffer
	var b4 [4]byte
	for _, in := range tx.TxIn {
		prevouts.Write(in.PreviousOutPoint.Hash[:])
		binary.LittleEndian.PutUint32(b4[:], in.PreviousOutPoint.Index)
		prevouts.Write(b4[:])

		binary.LittleEndian.PutUint32(b4[:], in.Sequence)
		seqs.Write(b4[:])
	}
	for _, out := range tx.TxOut {
		writeTxOut(&outs, out)
	}
	return &SigHashes{
		HashPrevouts: chainhash.DoubleHashH(prevouts.Bytes()),
		HashSequence: chainhash.DoubleHashH(seqs.Bytes()),
		HashOutputs:  chainhash.DoubleHashH(outs.Bytes()),
	}
}

func writeTxOut(w *bytes.Buffer, out *wire.TxOut) {
	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(out.Value))
	w.Write(b8[:])
	_ = wire.WriteVarBytes(w, 0, out.PkScript)
}

// P2WPKHScriptCode returns the BIP143 scriptCode for a 20-byte witness
// program: OP_DUP OP_HASH160 <pkh> OP_EQUALVERIFY OP_CHECKSIG.
func P2WPKHScriptCode(pkh []byte) []byte {
	code := make([]byte, 0, 25)
	code = append(code, txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20)
	code = append(code, pkh...)
	return append(code, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
}

// WitnessSigHash returns the BIP143 digest of input idx:
//
//	dSHA256(version ‖ hashPrevouts ‖ hashSequence ‖ outpoint ‖ scriptCode ‖
//	        value ‖ sequence ‖ hashOutputs ‖ locktime ‖ sighashType)
func WitnessSigHash(tx *wire.MsgTx, hashes *SigHashes, idx int, scriptCode []byte,
	amount int64, hashType txscript.SigHashType) []byte {

	anyoneCanPay := hashType&txscript.SigHashAnyOneCanPay != 0
	base := hashType & 0x1f

	var zero chainhash.Hash
	var buf bytes.Buffer
	var b4 [4]byte
	var b8 [8]byte

	binary.LittleEndian.PutUint32(b4[:], uint32(tx.Version))
	buf.Write(b4[:])

	if anyoneCanPay {
		buf.Write(zero[:])
	} else {
		buf.Write(hashes.HashPrevouts[:])
	}
	if anyoneCanPay || base == txscript.SigHashSingle || base == txscript.SigHashNone {
		buf.Write(zero[:])
	} else {
		buf.Write(hashes.HashSequence[:])
	}

	in := tx.TxIn[idx]
	buf.Write(in.PreviousOutPoint.Hash[:])
	binary.LittleEndian.PutUint32(b4[:], in.PreviousOutPoint.Index)
	buf.Write(b4[:])

	_ = wire.WriteVarBytes(&buf, 0, scriptCode)

	binary.LittleEndian.PutUint64(b8[:], uint64(amount))
	buf.Write(b8[:])
	binary.LittleEndian.PutUint32(b4[:], in.Sequence)
	buf.Write(b4[:])

	switch {
	case base != txscript.SigHashSingle && base != txscript.SigHashNone:
		buf.Write(hashes.HashOutputs[:])
	case base == txscript.SigHashSingle && idx < len(tx.TxOut):
		var one bytes.Buffer
		writeTxOut(&one, tx.TxOut[idx])
		h := chainhash.DoubleHashH(one.Bytes())
		buf.Write(h[:])
	default:
		buf.Write(zero[:])
	}

	binary.LittleEndian.PutUint32(b4[:], tx.LockTime)
	buf.Write(b4[:])
	binary.LittleEndian.PutUint32(b4[:], uint32(hashType))
	buf.Write(b4[:])

	return chainhash.DoubleHashB(buf.Bytes())
}
