package monero

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

const derivationDomain = "MONERO_DERIVATION"

// Address prefixes.
const (
	StandardAddressPrefix   = 0x12
	SubaddressPrefix        = 0x2a
	IntegratedAddressPrefix = 0x13
)

// ViewKeys is the view-only key material of a wallet. The private spend
// key is never retained.
type ViewKeys struct {
	PrivateView []byte
	PublicSpend []byte
	PublicView  []byte
	Address     string
}

// Zero wipes the private view key.
func (k *ViewKeys) Zero() {
	if k == nil {
		return
	}
	for i := range k.PrivateView {
		k.PrivateView[i] = 0
	}
}

// reduce interprets 32 bytes as a little-endian integer reduced mod l.
func reduce(b []byte) (*edwards25519.Scalar, error) {
	var wide [64]byte
	copy(wide[:], b)
	defer clear(wide[:])
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("reduce scalar: %w", err)
	}
	return s, nil
}

// DeriveViewKeys derives the view-only keys from a BIP-39 seed:
//
//	spend = reduce(sha256(seed || "MONERO_DERIVATION"))
//	view  = reduce(keccak256(spend))
func DeriveViewKeys(seed []byte) (*ViewKeys, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("empty seed")
	}
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(derivationDomain))
	digest := h.Sum(nil)
	defer clear(digest)

	spend, err := reduce(digest)
	if err != nil {
		return nil, err
	}
	spendBytes := spend.Bytes()
	defer clear(spendBytes)

	viewHash := crypto.Keccak256(spendBytes)
	defer clear(viewHash)
	view, err := reduce(viewHash)
	if err != nil {
		return nil, err
	}

	pubSpend := new(edwards25519.Point).ScalarBaseMult(spend).Bytes()
	pubView := new(edwards25519.Point).ScalarBaseMult(view).Bytes()
	spend.Set(edwards25519.NewScalar())

	return &ViewKeys{
		PrivateView: view.Bytes(),
		PublicSpend: pubSpend,
		PublicView:  pubView,
		Address:     EncodeAddress(StandardAddressPrefix, pubSpend, pubView),
	}, nil
}

// EncodeAddress returns prefix || spend || view || keccak256(...)[:4] in
// Monero base58.
func EncodeAddress(prefix byte, pubSpend, pubView []byte) string {
	data := make([]byte, 0, 1+32+32+4)
	data = append(data, prefix)
	data = append(data, pubSpend...)
	data = append(data, pubView...)
	data = append(data, crypto.Keccak256(data)[:4]...)
	return EncodeBase58(data)
}

// PublicFromPrivate returns scalar*G for a canonical 32-byte scalar.
func PublicFromPrivate(priv []byte) ([]byte, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(priv)
	if err != nil {
		return nil, fmt.Errorf("non-canonical scalar: %w", err)
	}
	return new(edwards25519.Point).ScalarBaseMult(s).Bytes(), nil
}
