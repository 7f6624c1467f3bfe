package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Keystore errors.
var (
	ErrWalletExists   = errors.New("wallet already exists")
	ErrWalletNotFound = errors.New("wallet not found")
)

var walletName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// keystoreFile is the on-disk JSON format for an encrypted wallet.
type keystoreFile struct {
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	EncryptedSeed []byte         `json:"encrypted_seed"`
	Accounts      []AccountEntry `json:"accounts"`
}

// AccountEntry records a derived account in the wallet file. It holds no
// secrets.
type AccountEntry struct {
	Chain   chain.Chain `json:"chain"`
	Account uint32      `json:"account"`
	Index   uint32      `json:"index"`
	Path    string      `json:"path"`
	Address string      `json:"address"`
	KeyID   string      `json:"key_id"`
}

// Keystore keeps password-encrypted BIP-39 seeds, one file per wallet.
type Keystore struct {
	path   string
	params EncryptionParams
}

// NewKeystore creates a keystore that reads/writes to the given directory.
// The directory is created if it doesn't exist.
func NewKeystore(path string, params EncryptionParams) (*Keystore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{path: path, params: params}, nil
}

func (ks *Keystore) walletPath(name string) (string, error) {
	if !walletName.MatchString(name) {
		return "", fmt.Errorf("%w: wallet name %q", chain.ErrValidation, name)
	}
	return filepath.Join(ks.path, name+".wallet"), nil
}

// Create encrypts seed under password into a new wallet file.
func (ks *Keystore) Create(name string, seed, password []byte) error {
	path, err := ks.walletPath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %q", ErrWalletExists, name)
	}

	encrypted, err := Encrypt(seed, password, ks.params)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}

	kf := keystoreFile{
		Version:       2,
		CreatedAt:     time.Now().UTC(),
		EncryptedSeed: encrypted,
		Accounts:      []AccountEntry{},
	}
	return ks.writeFile(path, &kf)
}

// Load decrypts a wallet and returns the seed. The caller must zero it.
func (ks *Keystore) Load(name string, password []byte) ([]byte, error) {
	kf, _, err := ks.load(name)
	if err != nil {
		return nil, err
	}
	seed, err := Decrypt(kf.EncryptedSeed, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet %q: %w", name, err)
	}
	return seed, nil
}

// AddAccount records a derived account. Re-adding the same path with the
// same address is a no-op.
func (ks *Keystore) AddAccount(name string, acct AccountEntry) error {
	kf, path, err := ks.load(name)
	if err != nil {
		return err
	}
	for _, existing := range kf.Accounts {
		if existing.Chain == acct.Chain && existing.Path == acct.Path {
			if existing.Address == acct.Address {
				return nil
			}
			return fmt.Errorf("account %s %s already recorded with address %s", acct.Chain, acct.Path, existing.Address)
		}
	}
	kf.Accounts = append(kf.Accounts, acct)
	return ks.writeFile(path, kf)
}

// ListAccounts returns the account entries for a wallet.
func (ks *Keystore) ListAccounts(name string) ([]AccountEntry, error) {
	kf, _, err := ks.load(name)
	if err != nil {
		return nil, err
	}
	return kf.Accounts, nil
}

// List returns the names of all wallets, sorted.
func (ks *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(ks.path)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext := filepath.Ext(name); ext == ".wallet" {
			names = append(names, name[:len(name)-len(ext)])
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a wallet file.
func (ks *Keystore) Delete(name string) error {
	path, err := ks.walletPath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %q", ErrWalletNotFound, name)
	}
	return os.Remove(path)
}

func (ks *Keystore) load(name string) (*keystoreFile, string, error) {
	path, err := ks.walletPath(name)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %q", ErrWalletNotFound, name)
		}
		return nil, "", fmt.Errorf("read wallet: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, "", fmt.Errorf("parse wallet: %w", err)
	}
	if kf.Version != 2 {
		return nil, "", fmt.Errorf("unsupported wallet version: %d", kf.Version)
	}
	return &kf, path, nil
}

// writeFile writes through a temp file and rename so a crash never leaves
// a truncated wallet behind.
func (ks *Keystore) writeFile(path string, kf *keystoreFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}
