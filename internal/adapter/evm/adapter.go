// Package evm implements legacy (EIP-155) and EIP-1559 transactions for
// Ethereum-compatible chains.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// TxGas is the intrinsic gas of a plain value transfer.
const TxGas = 21000

// DynamicFeeTxType is the EIP-2718 type byte of EIP-1559 transactions.
const DynamicFeeTxType = 0x02

// Adapter builds and signs transactions for one EVM chain.
type Adapter struct {
	chain   chain.Chain
	chainID *big.Int
}

// New creates an adapter for an EVM-family chain.
func New(c chain.Chain) (*Adapter, error) {
	info, ok := c.Info()
	if !ok || info.Family != chain.FamilyEVM {
		return nil, fmt.Errorf("%w: %s is not an EVM chain", chain.ErrUnsupportedOperation, c)
	}
	return &Adapter{chain: c, chainID: new(big.Int).SetUint64(info.EVMChainID)}, nil
}

// unsignedTx holds the fields common to both encodings. GasPrice is set
// for legacy transactions; GasFeeCap and GasTipCap for EIP-1559.
type unsignedTx struct {
	dynamic    bool
	chainID    *big.Int
	nonce      uint64
	gasPrice   *big.Int
	gasTipCap  *big.Int
	gasFeeCap  *big.Int
	gas        uint64
	to         []byte // empty for contract creation
	value      *big.Int
	data       []byte
	accessList types.AccessList
}

func (a *Adapter) Chain() chain.Chain { return a.chain }

func (a *Adapter) Capabilities() chain.Capabilities {
	return chain.Capabilities{Spend: true}
}

// ChainID returns the EIP-155 chain id.
func (a *Adapter) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

// DecodeAddress accepts 0x-prefixed 20-byte hex. Mixed-case input must
// carry a valid EIP-55 checksum.
func (a *Adapter) DecodeAddress(s string) (*chain.Address, error) {
	addr, err := decodeAddress(s)
	if err != nil {
		return nil, err
	}
	return &chain.Address{
		Chain:     a.chain,
		Canonical: addr.Hex(),
		Kind:      "account",
		Payload:   addr.Bytes(),
	}, nil
}

func decodeAddress(s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("%w: %q lacks 0x prefix", chain.ErrInvalidAddress, s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not a 20-byte hex address", chain.ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex()[2:] != body {
		return common.Address{}, fmt.Errorf("%w: %q has a bad EIP-55 checksum", chain.ErrInvalidAddress, s)
	}
	return addr, nil
}

// AddressFromPublicKey derives the checksummed address of a compressed
// or uncompressed secp256k1 key.
func (a *Adapter) AddressFromPublicKey(pub []byte) (string, error) {
	var addr common.Address
	switch len(pub) {
	case 33:
		key, err := crypto.DecompressPubkey(pub)
		if err != nil {
			return "", fmt.Errorf("%w: public key: %v", chain.ErrValidation, err)
		}
		addr = crypto.PubkeyToAddress(*key)
	case 65:
		key, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return "", fmt.Errorf("%w: public key: %v", chain.ErrValidation, err)
		}
		addr = crypto.PubkeyToAddress(*key)
	default:
		return "", fmt.Errorf("%w: public key must be 33 or 65 bytes", chain.ErrValidation)
	}
	return addr.Hex(), nil
}

// EstimateFee returns the maximum fee: gas limit times the gas price, or
// times maxFeePerGas for EIP-1559.
func (a *Adapter) EstimateFee(req *chain.BuildRequest) (*uint256.Int, error) {
	gas, err := gasLimit(req)
	if err != nil {
		return nil, err
	}
	price, err := checkFees(req.Fee)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Mul(uint256.NewInt(gas), price), nil
}

func gasLimit(req *chain.BuildRequest) (uint64, error) {
	gas := req.Fee.GasLimit
	if gas == 0 {
		if len(req.Data) > 0 {
			return 0, fmt.Errorf("%w: gas limit required for calls with data", chain.ErrValidation)
		}
		gas = TxGas
	}
	if gas < TxGas {
		return 0, fmt.Errorf("%w: gas limit %d below intrinsic %d", chain.ErrFeeTooLow, gas, TxGas)
	}
	return gas, nil
}

// checkFees validates the fee fields and returns the per-gas price cap.
func checkFees(f chain.FeeParams) (*uint256.Int, error) {
	if f.IsDynamic() {
		if f.MaxFeePerGas == nil || f.MaxPriorityFeePerGas == nil {
			return nil, fmt.Errorf("%w: both maxFeePerGas and maxPriorityFeePerGas are required", chain.ErrInvalidFeeParameters)
		}
		if f.MaxFeePerGas.Lt(f.MaxPriorityFeePerGas) {
			return nil, fmt.Errorf("%w: maxFeePerGas %s below maxPriorityFeePerGas %s",
				chain.ErrInvalidFeeParameters, f.MaxFeePerGas.Dec(), f.MaxPriorityFeePerGas.Dec())
		}
		if f.MaxFeePerGas.IsZero() {
			return nil, fmt.Errorf("%w: maxFeePerGas is zero", chain.ErrFeeTooLow)
		}
		if f.GasPrice != nil {
			return nil, fmt.Errorf("%w: gasPrice cannot be combined with EIP-1559 fees", chain.ErrInvalidFeeParameters)
		}
		return f.MaxFeePerGas, nil
	}
	if f.GasPrice == nil || f.GasPrice.IsZero() {
		return nil, fmt.Errorf("%w: gas price required", chain.ErrFeeTooLow)
	}
	return f.GasPrice, nil
}

// Build assembles an unsigned transaction paying the single output.
func (a *Adapter) Build(req *chain.BuildRequest) (*chain.Draft, error) {
	if err := chain.ValidateOutputs(req.Outputs); err != nil {
		return nil, err
	}
	if len(req.Outputs) != 1 {
		return nil, fmt.Errorf("%w: EVM transactions have exactly one recipient", chain.ErrValidation)
	}
	if _, err := decodeAddress(req.From); err != nil {
		return nil, err
	}
	to, err := decodeAddress(req.Outputs[0].Address)
	if err != nil {
		return nil, err
	}
	gas, err := gasLimit(req)
	if err != nil {
		return nil, err
	}
	price, err := checkFees(req.Fee)
	if err != nil {
		return nil, err
	}
	accessList, err := toAccessList(req.AccessList)
	if err != nil {
		return nil, err
	}

	utx := &unsignedTx{
		dynamic:    req.Fee.IsDynamic(),
		chainID:    a.chainID,
		nonce:      req.Nonce,
		gas:        gas,
		to:         to.Bytes(),
		value:      req.Outputs[0].Amount.ToBig(),
		data:       append([]byte(nil), req.Data...),
		accessList: accessList,
	}
	if utx.dynamic {
		utx.gasFeeCap = req.Fee.MaxFeePerGas.ToBig()
		utx.gasTipCap = req.Fee.MaxPriorityFeePerGas.ToBig()
	} else {
		if len(accessList) > 0 {
			return nil, fmt.Errorf("%w: access lists require EIP-1559 fees", chain.ErrValidation)
		}
		utx.gasPrice = req.Fee.GasPrice.ToBig()
	}

	hash, err := utx.sigHash()
	if err != nil {
		return nil, err
	}
	fee := new(uint256.Int).Mul(uint256.NewInt(gas), price)

	klog.Adapter.Debug().
		Str("chain", string(a.chain)).
		Bool("eip1559", utx.dynamic).
		Uint64("nonce", req.Nonce).
		Uint64("gas", gas).
		Msg("Built transaction")

	return &chain.Draft{
		Chain:         a.chain,
		From:          common.HexToAddress(req.From).Hex(),
		Outputs:       []chain.Output{{Address: to.Hex(), Amount: req.Outputs[0].Amount}},
		Fee:           fee,
		Nonce:         req.Nonce,
		SigningHashes: []chain.HexBytes{hash},
		Payload:       utx,
	}, nil
}

func toAccessList(tuples []chain.AccessTuple) (types.AccessList, error) {
	if len(tuples) == 0 {
		return nil, nil
	}
	al := make(types.AccessList, 0, len(tuples))
	for _, t := range tuples {
		addr, err := decodeAddress(t.Address)
		if err != nil {
			return nil, err
		}
		entry := types.AccessTuple{Address: addr, StorageKeys: []common.Hash{}}
		for _, k := range t.StorageKeys {
			b := common.FromHex(k)
			if len(b) != common.HashLength {
				return nil, fmt.Errorf("%w: storage key %q must be 32 bytes", chain.ErrValidation, k)
			}
			entry.StorageKeys = append(entry.StorageKeys, common.BytesToHash(b))
		}
		al = append(al, entry)
	}
	return al, nil
}

// sigHash returns the Keccak-256 digest the sender signs.
func (u *unsignedTx) sigHash() ([]byte, error) {
	var (
		enc []byte
		err error
	)
	if u.dynamic {
		enc, err = rlp.EncodeToBytes([]interface{}{
			u.chainID, u.nonce, u.gasTipCap, u.gasFeeCap, u.gas, u.to, u.value, u.data, u.accessListOrEmpty(),
		})
		enc = append([]byte{DynamicFeeTxType}, enc...)
	} else {
		enc, err = rlp.EncodeToBytes([]interface{}{
			u.nonce, u.gasPrice, u.gas, u.to, u.value, u.data, u.chainID, uint(0), uint(0),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("rlp encode: %w", err)
	}
	return crypto.Keccak256(enc), nil
}

// encodeSigned returns the network encoding with the signature attached.
func (u *unsignedTx) encodeSigned(v, r, s *big.Int) ([]byte, error) {
	if u.dynamic {
		enc, err := rlp.EncodeToBytes([]interface{}{
			u.chainID, u.nonce, u.gasTipCap, u.gasFeeCap, u.gas, u.to, u.value, u.data, u.accessListOrEmpty(), v, r, s,
		})
		if err != nil {
			return nil, fmt.Errorf("rlp encode: %w", err)
		}
		return append([]byte{DynamicFeeTxType}, enc...), nil
	}
	enc, err := rlp.EncodeToBytes([]interface{}{
		u.nonce, u.gasPrice, u.gas, u.to, u.value, u.data, v, r, s,
	})
	if err != nil {
		return nil, fmt.Errorf("rlp encode: %w", err)
	}
	return enc, nil
}

func (u *unsignedTx) accessListOrEmpty() types.AccessList {
	if u.accessList == nil {
		return types.AccessList{}
	}
	return u.accessList
}

// Sign produces the recoverable signature. Legacy transactions encode
// v = chainId*2 + 35 + recid; EIP-1559 transactions carry yParity.
func (a *Adapter) Sign(d *chain.Draft, key *chain.SigningKey) (*chain.SignedTransaction, error) {
	utx, ok := d.Payload.(*unsignedTx)
	if !ok || d.Chain != a.chain {
		return nil, fmt.Errorf("%w: draft is not a %s transaction", chain.ErrValidation, a.chain)
	}
	if key == nil || key.Curve != chain.Secp256k1 {
		return nil, fmt.Errorf("%w: %s requires a secp256k1 key", chain.ErrValidation, a.chain)
	}
	if utx.dynamic && utx.gasFeeCap.Cmp(utx.gasTipCap) < 0 {
		return nil, fmt.Errorf("%w: maxFeePerGas below maxPriorityFeePerGas", chain.ErrInvalidFeeParameters)
	}

	priv, err := crypto.ToECDSA(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("%w: signing key: %v", chain.ErrValidation, err)
	}
	defer priv.D.SetUint64(0)
	if from := crypto.PubkeyToAddress(priv.PublicKey); !strings.EqualFold(from.Hex(), d.From) {
		return nil, fmt.Errorf("%w: key address %s does not match sender %s", chain.ErrValidation, from.Hex(), d.From)
	}

	hash, err := utx.sigHash()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	recid := uint64(sig[64])
	var v *big.Int
	if utx.dynamic {
		v = new(big.Int).SetUint64(recid)
	} else {
		v = new(big.Int).Mul(utx.chainID, big.NewInt(2))
		v.Add(v, new(big.Int).SetUint64(35+recid))
	}

	raw, err := utx.encodeSigned(v, r, s)
	if err != nil {
		return nil, err
	}
	return &chain.SignedTransaction{
		Chain:      a.chain,
		TxID:       common.BytesToHash(crypto.Keccak256(raw)).Hex(),
		Raw:        raw,
		Signatures: []chain.HexBytes{sig},
	}, nil
}
