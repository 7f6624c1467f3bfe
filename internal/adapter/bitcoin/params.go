package bitcoin

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Litecoin network parameters. Only the fields used for addresses, WIF
// and HD keys differ from Bitcoin's; consensus fields are never consulted.
var (
	LitecoinMainNetParams = litecoinParams(chaincfg.MainNetParams, "litecoin", 0xdbb6c0fb,
		"ltc", 0x30, 0x32, 0xb0, [4]byte{0x04, 0x88, 0xad, 0xe4}, [4]byte{0x04, 0x88, 0xb2, 0x1e}, 2)
	LitecoinTestNetParams = litecoinParams(chaincfg.TestNet3Params, "litecoin-testnet", 0xf1c8d2fd,
		"tltc", 0x6f, 0x3a, 0xef, [4]byte{0x04, 0x35, 0x83, 0x94}, [4]byte{0x04, 0x35, 0x87, 0xcf}, 1)
)

var registerOnce sync.Once

func litecoinParams(base chaincfg.Params, name string, net uint32, hrp string,
	p2pkh, p2sh, wif byte, hdPriv, hdPub [4]byte, coin uint32) chaincfg.Params {
	p := base
	p.Name = name
	p.Net = wire.BitcoinNet(net)
	p.Bech32HRPSegwit = hrp
	p.PubKeyHashAddrID = p2pkh
	p.ScriptHashAddrID = p2sh
	p.PrivateKeyID = wif
	p.HDPrivateKeyID = hdPriv
	p.HDPublicKeyID = hdPub
	p.HDCoinType = coin
	return p
}

// registerLitecoin makes the Litecoin bech32 prefixes known to btcutil's
// address decoder. Safe to call more than once.
func registerLitecoin() {
	registerOnce.Do(func() {
		for _, p := range []*chaincfg.Params{&LitecoinMainNetParams, &LitecoinTestNetParams} {
			if err := chaincfg.Register(p); err != nil && err != chaincfg.ErrDuplicateNet {
				panic(fmt.Sprintf("register %s params: %v", p.Name, err))
			}
		}
	})
}

// NetParams returns the btcd parameters of a Bitcoin-family chain.
func NetParams(c chain.Chain) (*chaincfg.Params, error) {
	switch c {
	case chain.Bitcoin:
		return &chaincfg.MainNetParams, nil
	case chain.BitcoinTestnet:
		return &chaincfg.TestNet3Params, nil
	case chain.Litecoin:
		registerLitecoin()
		return &LitecoinMainNetParams, nil
	case chain.LitecoinTestnet:
		registerLitecoin()
		return &LitecoinTestNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a bitcoin-family chain", chain.ErrUnsupportedOperation, c)
	}
}
