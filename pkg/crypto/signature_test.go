package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestSecpPublicKey_Generator(t *testing.T) {
	secret := make([]byte, 32)
	secret[31] = 1
	pub, err := SecpPublicKey(secret)
	if err != nil {
		t.Fatalf("SecpPublicKey() error: %v", err)
	}
	want := "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	if got := hex.EncodeToString(pub); got != want {
		t.Errorf("SecpPublicKey(1) = %s, want %s", got, want)
	}
}

func TestSecpKey_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		secret []byte
	}{
		{"short", make([]byte, 31)},
		{"zero", make([]byte, 32)},
		{"above order", bytes.Repeat([]byte{0xff}, 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := SecpPublicKey(tt.secret); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("SecpPublicKey() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestSignVerifyECDSA(t *testing.T) {
	secret := mustHex(t, "0c28fca386c7a227600b2fe50b7cae11ec86d3bf1fbe471be89827e19d72aa1d")
	pub, err := SecpPublicKey(secret)
	if err != nil {
		t.Fatalf("SecpPublicKey() error: %v", err)
	}
	hash := SHA256([]byte("challenge"))

	der, err := SignECDSA(secret, hash)
	if err != nil {
		t.Fatalf("SignECDSA() error: %v", err)
	}
	if der[0] != 0x30 {
		t.Fatalf("signature is not DER: %x", der)
	}
	if !VerifyECDSA(pub, hash, der) {
		t.Error("VerifyECDSA rejected a valid DER signature")
	}

	again, _ := SignECDSA(secret, hash)
	if !bytes.Equal(der, again) {
		t.Error("RFC6979 signatures should be deterministic")
	}

	other := SHA256([]byte("other"))
	if VerifyECDSA(pub, other, der) {
		t.Error("VerifyECDSA accepted a signature over a different hash")
	}
	if VerifyECDSA(pub[:10], hash, der) {
		t.Error("VerifyECDSA accepted a truncated public key")
	}
	if _, err := SignECDSA(secret, hash[:31]); err == nil {
		t.Error("SignECDSA accepted a 31-byte hash")
	}
}

func TestEd25519(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	pub, err := Ed25519PublicKey(seed)
	if err != nil {
		t.Fatalf("Ed25519PublicKey() error: %v", err)
	}
	msg := []byte("message")
	sig, err := SignEd25519(seed, msg)
	if err != nil {
		t.Fatalf("SignEd25519() error: %v", err)
	}
	if !VerifyEd25519(pub, msg, sig) {
		t.Error("VerifyEd25519 rejected a valid signature")
	}
	sig[0] ^= 1
	if VerifyEd25519(pub, msg, sig) {
		t.Error("VerifyEd25519 accepted a corrupted signature")
	}
	if _, err := Ed25519PublicKey(seed[:16]); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short seed error = %v, want ErrInvalidKey", err)
	}
}
