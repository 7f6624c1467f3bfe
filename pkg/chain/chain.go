// Package chain defines the contract shared by every chain adapter: the
// chain enum, the build/sign request and result types, and the adapter
// error taxonomy.
package chain

import (
	"fmt"
	"sort"
	"strings"
)

// Chain identifies a supported network.
type Chain string

// Supported chains.
const (
	Bitcoin         Chain = "bitcoin"
	BitcoinTestnet  Chain = "bitcoin-testnet"
	Litecoin        Chain = "litecoin"
	LitecoinTestnet Chain = "litecoin-testnet"
	Ethereum        Chain = "ethereum"
	Sepolia         Chain = "sepolia"
	BSC             Chain = "bsc"
	Polygon         Chain = "polygon"
	Arbitrum        Chain = "arbitrum"
	Optimism        Chain = "optimism"
	Base            Chain = "base"
	Avalanche       Chain = "avalanche"
	Solana          Chain = "solana"
	SolanaDevnet    Chain = "solana-devnet"
	XRP             Chain = "xrp"
	XRPTestnet      Chain = "xrp-testnet"
	Monero          Chain = "monero"
)

// Family groups chains that share one adapter implementation.
type Family int

// Chain families.
const (
	FamilyBitcoin Family = iota + 1
	FamilyEVM
	FamilySolana
	FamilyXRP
	FamilyMonero
)

func (f Family) String() string {
	switch f {
	case FamilyBitcoin:
		return "bitcoin"
	case FamilyEVM:
		return "evm"
	case FamilySolana:
		return "solana"
	case FamilyXRP:
		return "xrp"
	case FamilyMonero:
		return "monero"
	default:
		return "unknown"
	}
}

// Curve is the signature scheme a chain's keys use.
type Curve string

// Key curves.
const (
	Secp256k1 Curve = "secp256k1"
	Ed25519   Curve = "ed25519"
	// Ed25519Monero keys are scalars reduced mod l, not RFC 8032 seeds.
	Ed25519Monero Curve = "ed25519-monero"
)

// Info holds the static parameters of a chain.
type Info struct {
	Chain    Chain  `json:"chain"`
	Family   Family `json:"-"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	// CoinType is the BIP44 coin type used in derivation paths.
	CoinType uint32 `json:"coinType"`
	Testnet  bool   `json:"testnet"`
	// EVMChainID is the EIP-155 chain id (EVM family only).
	EVMChainID uint64 `json:"evmChainId,omitempty"`
	Curve      Curve  `json:"curve"`
}

var infos = map[Chain]Info{
	Bitcoin:         {Chain: Bitcoin, Family: FamilyBitcoin, Symbol: "BTC", Decimals: 8, CoinType: 0, Curve: Secp256k1},
	BitcoinTestnet:  {Chain: BitcoinTestnet, Family: FamilyBitcoin, Symbol: "tBTC", Decimals: 8, CoinType: 1, Testnet: true, Curve: Secp256k1},
	Litecoin:        {Chain: Litecoin, Family: FamilyBitcoin, Symbol: "LTC", Decimals: 8, CoinType: 2, Curve: Secp256k1},
	LitecoinTestnet: {Chain: LitecoinTestnet, Family: FamilyBitcoin, Symbol: "tLTC", Decimals: 8, CoinType: 1, Testnet: true, Curve: Secp256k1},
	Ethereum:        {Chain: Ethereum, Family: FamilyEVM, Symbol: "ETH", Decimals: 18, CoinType: 60, EVMChainID: 1, Curve: Secp256k1},
	Sepolia:         {Chain: Sepolia, Family: FamilyEVM, Symbol: "SepoliaETH", Decimals: 18, CoinType: 60, Testnet: true, EVMChainID: 11155111, Curve: Secp256k1},
	BSC:             {Chain: BSC, Family: FamilyEVM, Symbol: "BNB", Decimals: 18, CoinType: 60, EVMChainID: 56, Curve: Secp256k1},
	Polygon:         {Chain: Polygon, Family: FamilyEVM, Symbol: "POL", Decimals: 18, CoinType: 60, EVMChainID: 137, Curve: Secp256k1},
	Arbitrum:        {Chain: Arbitrum, Family: FamilyEVM, Symbol: "ETH", Decimals: 18, CoinType: 60, EVMChainID: 42161, Curve: Secp256k1},
	Optimism:        {Chain: Optimism, Family: FamilyEVM, Symbol: "ETH", Decimals: 18, CoinType: 60, EVMChainID: 10, Curve: Secp256k1},
	Base:            {Chain: Base, Family: FamilyEVM, Symbol: "ETH", Decimals: 18, CoinType: 60, EVMChainID: 8453, Curve: Secp256k1},
	Avalanche:       {Chain: Avalanche, Family: FamilyEVM, Symbol: "AVAX", Decimals: 18, CoinType: 60, EVMChainID: 43114, Curve: Secp256k1},
	Solana:          {Chain: Solana, Family: FamilySolana, Symbol: "SOL", Decimals: 9, CoinType: 501, Curve: Ed25519},
	SolanaDevnet:    {Chain: SolanaDevnet, Family: FamilySolana, Symbol: "SOL", Decimals: 9, CoinType: 501, Testnet: true, Curve: Ed25519},
	XRP:             {Chain: XRP, Family: FamilyXRP, Symbol: "XRP", Decimals: 6, CoinType: 144, Curve: Secp256k1},
	XRPTestnet:      {Chain: XRPTestnet, Family: FamilyXRP, Symbol: "XRP", Decimals: 6, CoinType: 144, Testnet: true, Curve: Secp256k1},
	Monero:          {Chain: Monero, Family: FamilyMonero, Symbol: "XMR", Decimals: 12, CoinType: 128, Curve: Ed25519Monero},
}

// Parse converts a chain name into a Chain.
func Parse(s string) (Chain, error) {
	c := Chain(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := infos[c]; !ok {
		return "", fmt.Errorf("%w: unknown chain %q", ErrValidation, s)
	}
	return c, nil
}

// Info returns the static parameters of c.
func (c Chain) Info() (Info, bool) {
	info, ok := infos[c]
	return info, ok
}

// Family returns the adapter family of c, or zero for unknown chains.
func (c Chain) Family() Family {
	return infos[c].Family
}

// Valid reports whether c is a supported chain.
func (c Chain) Valid() bool {
	_, ok := infos[c]
	return ok
}

func (c Chain) String() string { return string(c) }

// All returns every supported chain, sorted by name.
func All() []Chain {
	out := make([]Chain, 0, len(infos))
	for c := range infos {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InFamily returns the chains belonging to f, sorted by name.
func InFamily(f Family) []Chain {
	var out []Chain
	for _, c := range All() {
		if infos[c].Family == f {
			out = append(out, c)
		}
	}
	return out
}
