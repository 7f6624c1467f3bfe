package keys

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testKeystore(t *testing.T) *Keystore {
	t.Helper()
	ks, err := NewKeystore(t.TempDir(), fastParams())
	if err != nil {
		t.Fatalf("NewKeystore() error: %v", err)
	}
	return ks
}

func testSeedBytes(t *testing.T) []byte {
	t.Helper()
	seed, err := SeedFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	return seed
}

func TestKeystore_CreateAndLoad(t *testing.T) {
	ks := testKeystore(t)
	seed := testSeedBytes(t)
	password := []byte("test-password")

	if err := ks.Create("mywallet", seed, password); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	loaded, err := ks.Load("mywallet", password)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !bytes.Equal(loaded, seed) {
		t.Error("loaded seed does not match original")
	}
}

func TestKeystore_Errors(t *testing.T) {
	ks := testKeystore(t)
	seed := testSeedBytes(t)

	if err := ks.Create("dup", seed, []byte("pass")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := ks.Create("dup", seed, []byte("pass")); !errors.Is(err, ErrWalletExists) {
		t.Errorf("duplicate Create() error = %v, want ErrWalletExists", err)
	}
	if _, err := ks.Load("dup", []byte("nope")); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Load() wrong password error = %v, want ErrWrongPassword", err)
	}
	if _, err := ks.Load("missing", []byte("pass")); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("Load() missing error = %v, want ErrWalletNotFound", err)
	}
	if err := ks.Create("../escape", seed, []byte("pass")); !errors.Is(err, chain.ErrValidation) {
		t.Errorf("Create() with path name error = %v, want ErrValidation", err)
	}
	if err := ks.Delete("missing"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("Delete() missing error = %v, want ErrWalletNotFound", err)
	}
}

func TestKeystore_ListAndDelete(t *testing.T) {
	ks := testKeystore(t)
	seed := testSeedBytes(t)
	for _, name := range []string{"beta", "alpha"} {
		if err := ks.Create(name, seed, []byte("p")); err != nil {
			t.Fatalf("Create(%s) error: %v", name, err)
		}
	}
	names, err := ks.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List() = %v, want [alpha beta]", names)
	}
	if err := ks.Delete("alpha"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	names, _ = ks.List()
	if len(names) != 1 {
		t.Errorf("List() after Delete = %v", names)
	}
}

func TestKeystore_AddAccount(t *testing.T) {
	ks := testKeystore(t)
	if err := ks.Create("w", testSeedBytes(t), []byte("p")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	entry := AccountEntry{Chain: chain.Bitcoin, Path: "m/84'/0'/0'/0/0", Address: "bc1qa"}
	if err := ks.AddAccount("w", entry); err != nil {
		t.Fatalf("AddAccount() error: %v", err)
	}
	if err := ks.AddAccount("w", entry); err != nil {
		t.Fatalf("idempotent AddAccount() error: %v", err)
	}
	clash := entry
	clash.Address = "bc1qb"
	if err := ks.AddAccount("w", clash); err == nil {
		t.Error("AddAccount() accepted a different address for the same path")
	}

	accts, err := ks.ListAccounts("w")
	if err != nil {
		t.Fatalf("ListAccounts() error: %v", err)
	}
	if len(accts) != 1 || accts[0].Address != "bc1qa" {
		t.Errorf("ListAccounts() = %+v", accts)
	}
}

func TestKeystore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeystore(dir, fastParams())
	if err != nil {
		t.Fatalf("NewKeystore() error: %v", err)
	}
	if err := ks.Create("perm", testSeedBytes(t), []byte("p")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "perm.wallet"))
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("wallet file permissions = %o, want 600", perm)
	}
}
