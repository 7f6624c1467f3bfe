package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

// SigningKey is secret key material bound to a curve. Zero it as soon as
// signing is done.
type SigningKey struct {
	Curve  Curve
	secret []byte
}

// NewSigningKey copies secret into a new SigningKey. The caller still owns
// (and must zero) its own copy.
func NewSigningKey(curve Curve, secret []byte) (*SigningKey, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: %s secret must be 32 bytes, got %d", ErrValidation, curve, len(secret))
	}
	switch curve {
	case Secp256k1, Ed25519:
	default:
		return nil, fmt.Errorf("%w: curve %q cannot sign", ErrUnsupportedOperation, curve)
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	k := &SigningKey{Curve: curve, secret: s}
	if _, err := k.PublicKey(); err != nil {
		k.Zero()
		return nil, err
	}
	return k, nil
}

// Secret returns the raw secret. It is nil after Zero.
func (k *SigningKey) Secret() []byte { return k.secret }

// PublicKey returns the compressed secp256k1 key or the 32-byte Ed25519 key.
func (k *SigningKey) PublicKey() ([]byte, error) {
	if k == nil || k.secret == nil {
		return nil, fmt.Errorf("%w: signing key released", ErrValidation)
	}
	var (
		pub []byte
		err error
	)
	switch k.Curve {
	case Secp256k1:
		pub, err = crypto.SecpPublicKey(k.secret)
	case Ed25519:
		pub, err = crypto.Ed25519PublicKey(k.secret)
	default:
		return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedOperation, k.Curve)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return pub, nil
}

// Zero wipes the secret.
func (k *SigningKey) Zero() {
	if k == nil {
		return
	}
	for i := range k.secret {
		k.secret[i] = 0
	}
	k.secret = nil
}
