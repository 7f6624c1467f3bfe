package chain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/holiman/uint256"
)

func TestParse(t *testing.T) {
	c, err := Parse(" Bitcoin ")
	if err != nil || c != Bitcoin {
		t.Fatalf("Parse(Bitcoin) = %q, %v", c, err)
	}
	if _, err := Parse("dogecoin"); !errors.Is(err, ErrValidation) {
		t.Errorf("Parse(dogecoin) error = %v, want ErrValidation", err)
	}
}

func TestInfo(t *testing.T) {
	tests := []struct {
		chain    Chain
		family   Family
		decimals uint8
		curve    Curve
	}{
		{Bitcoin, FamilyBitcoin, 8, Secp256k1},
		{Litecoin, FamilyBitcoin, 8, Secp256k1},
		{Ethereum, FamilyEVM, 18, Secp256k1},
		{Solana, FamilySolana, 9, Ed25519},
		{XRP, FamilyXRP, 6, Secp256k1},
		{Monero, FamilyMonero, 12, Ed25519Monero},
	}
	for _, tt := range tests {
		t.Run(string(tt.chain), func(t *testing.T) {
			info, ok := tt.chain.Info()
			if !ok {
				t.Fatal("Info() not found")
			}
			if info.Family != tt.family || info.Decimals != tt.decimals || info.Curve != tt.curve {
				t.Errorf("Info() = %+v", info)
			}
		})
	}
	if info, _ := Polygon.Info(); info.EVMChainID != 137 {
		t.Errorf("polygon chain id = %d, want 137", info.EVMChainID)
	}
}

func TestInFamily(t *testing.T) {
	evm := InFamily(FamilyEVM)
	if len(evm) != 8 {
		t.Errorf("InFamily(EVM) = %v, want 8 chains", evm)
	}
}

func TestParseCoins(t *testing.T) {
	tests := []struct {
		chain   Chain
		in      string
		want    string
		wantErr bool
	}{
		{Bitcoin, "0.025", "2500000", false},
		{Bitcoin, "1", "100000000", false},
		{Bitcoin, "0.000000001", "", true},
		{Ethereum, "1.5", "1500000000000000000", false},
		{XRP, "-1", "", true},
		{XRP, "abc", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.chain)+"/"+tt.in, func(t *testing.T) {
			got, err := ParseCoins(tt.chain, tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseCoins() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCoins() error: %v", err)
			}
			if got.Dec() != tt.want {
				t.Errorf("ParseCoins() = %s, want %s", got.Dec(), tt.want)
			}
		})
	}
}

func TestFormatCoins(t *testing.T) {
	if got := FormatCoins(Bitcoin, uint256.NewInt(2500000)); got != "0.025" {
		t.Errorf("FormatCoins() = %q, want 0.025", got)
	}
}

func TestParseBaseUnits(t *testing.T) {
	v, err := ParseBaseUnits("0x10")
	if err != nil || v.Uint64() != 16 {
		t.Fatalf("ParseBaseUnits(0x10) = %v, %v", v, err)
	}
	if _, err := ParseBaseUnits("-3"); err == nil {
		t.Error("negative amount accepted")
	}
	huge := "0x1" + strings.Repeat("0", 64)
	if _, err := ParseBaseUnits(huge); err == nil {
		t.Error("amount above 2^256 accepted")
	}
}

func TestHexBytesJSON(t *testing.T) {
	var v struct {
		B HexBytes `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"b":"0xdeadbeef"}`), &v); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	out, _ := json.Marshal(v)
	if string(out) != `{"b":"deadbeef"}` {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestDraftHelpers(t *testing.T) {
	d := &Draft{
		Chain: Bitcoin,
		Inputs: []UnspentOutput{
			{Outpoint: Outpoint{TxID: "AA", Index: 1}},
		},
		Outputs: []Output{
			{Address: "a", Amount: uint256.NewInt(5)},
			{Address: "b", Amount: uint256.NewInt(7)},
		},
		Change: &Output{Address: "c", Amount: uint256.NewInt(100)},
	}
	if got := d.SpendAmount().Uint64(); got != 12 {
		t.Errorf("SpendAmount() = %d, want 12", got)
	}
	if got := d.Recipients(); len(got) != 2 {
		t.Errorf("Recipients() = %v", got)
	}
	if got := d.ReservationKeys(); len(got) != 1 || got[0] != "bitcoin/utxo/aa:1" {
		t.Errorf("ReservationKeys() = %v", got)
	}
}

func TestSigningKey(t *testing.T) {
	secret := make([]byte, 32)
	secret[31] = 1
	k, err := NewSigningKey(Secp256k1, secret)
	if err != nil {
		t.Fatalf("NewSigningKey() error: %v", err)
	}
	pub, err := k.PublicKey()
	if err != nil || len(pub) != 33 {
		t.Fatalf("PublicKey() = %x, %v", pub, err)
	}
	k.Zero()
	if _, err := k.PublicKey(); err == nil {
		t.Error("PublicKey() succeeded after Zero()")
	}
	if _, err := NewSigningKey(Ed25519Monero, secret); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("monero signing key error = %v, want ErrUnsupportedOperation", err)
	}
	if _, err := NewSigningKey(Secp256k1, make([]byte, 32)); !errors.Is(err, ErrValidation) {
		t.Errorf("zero secret error = %v, want ErrValidation", err)
	}
}
