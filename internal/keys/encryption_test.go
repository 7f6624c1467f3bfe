package keys

import (
	"bytes"
	"errors"
	"testing"
)

// fastParams returns low-cost Argon2 params for fast tests.
func fastParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64, // 64 KiB (minimal)
		Iterations:  1,
		Parallelism: 1,
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	plaintext := []byte("secret wallet data")
	password := []byte("strong-password-123")

	encrypted, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	decrypted, err := Decrypt(encrypted, password)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestDecrypt_WrongPassword(t *testing.T) {
	encrypted, err := Encrypt([]byte("seed"), []byte("right"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if _, err := Decrypt(encrypted, []byte("wrong")); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Decrypt() error = %v, want ErrWrongPassword", err)
	}
}

func TestDecrypt_TamperedHeader(t *testing.T) {
	encrypted, err := Encrypt([]byte("seed"), []byte("pass"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	// Flip a salt byte: the header is authenticated, so this must fail.
	encrypted[0] ^= 0x01
	if _, err := Decrypt(encrypted, []byte("pass")); err == nil {
		t.Error("Decrypt() accepted a tampered header")
	}
}

func TestDecrypt_TruncatedData(t *testing.T) {
	if _, err := Decrypt(make([]byte, 10), []byte("pass")); err == nil {
		t.Error("Decrypt() accepted truncated data")
	}
}

func TestEncrypt_ZeroParams(t *testing.T) {
	if _, err := Encrypt([]byte("x"), []byte("p"), EncryptionParams{}); err == nil {
		t.Error("Encrypt() accepted zero argon2 parameters")
	}
}

func TestEncrypt_DifferentEachTime(t *testing.T) {
	a, _ := Encrypt([]byte("same"), []byte("pass"), fastParams())
	b, _ := Encrypt([]byte("same"), []byte("pass"), fastParams())
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same data should differ")
	}
}
