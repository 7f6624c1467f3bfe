package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingvault/internal/adapter/bitcoin"
	"github.com/Klingon-tech/klingvault/internal/adapter/monero"
	"github.com/Klingon-tech/klingvault/internal/keys"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/secmem"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// ViewOnlyPath is the path recorded for Monero view-only accounts.
const ViewOnlyPath = "view-only"

// DeriveRequest derives an account from a mnemonic or a keystore wallet.
type DeriveRequest struct {
	Chain chain.Chain

	Mnemonic   string
	Passphrase string

	Wallet   string
	Password []byte

	Account uint32
	Index   uint32
}

// DeriveAccount derives an account, registers its key as Active and, for
// keystore wallets, records the account in the wallet file.
func (e *Engine) DeriveAccount(req DeriveRequest) (*keys.Account, error) {
	a, err := e.adapter(req.Chain)
	if err != nil {
		return nil, err
	}
	if req.Mnemonic == "" && req.Wallet == "" {
		return nil, fmt.Errorf("%w: mnemonic or wallet required", chain.ErrValidation)
	}
	seed, err := e.seed(req.Mnemonic, req.Passphrase, req.Wallet, req.Password)
	if err != nil {
		return nil, err
	}
	defer secmem.Zero(seed)

	var acct keys.Account
	if req.Chain.Family() == chain.FamilyMonero {
		vk, err := monero.DeriveViewKeys(seed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", chain.ErrValidation, err)
		}
		defer vk.Zero()
		pub := append(append([]byte(nil), vk.PublicSpend...), vk.PublicView...)
		acct = keys.Account{
			Path:      ViewOnlyPath,
			PublicKey: pub,
			Address:   vk.Address,
			ViewKey:   append([]byte(nil), vk.PrivateView...),
		}
	} else {
		derived, err := keys.Derive(seed, req.Chain, req.Account, req.Index)
		if err != nil {
			return nil, err
		}
		defer derived.Zero()
		addr, err := a.AddressFromPublicKey(derived.PublicKey)
		if err != nil {
			return nil, err
		}
		acct = keys.Account{Path: derived.Path.String(), PublicKey: derived.PublicKey, Address: addr}
	}

	if err := e.addAccount(a, &acct, req.Chain); err != nil {
		return nil, err
	}
	if req.Wallet != "" && e.keystore != nil {
		err := e.keystore.AddAccount(req.Wallet, keys.AccountEntry{
			Chain:   req.Chain,
			Account: req.Account,
			Index:   req.Index,
			Path:    acct.Path,
			Address: acct.Address,
			KeyID:   acct.KeyID,
		})
		if err != nil {
			return nil, err
		}
	}
	return &acct, nil
}

// ImportAccount creates an account from an imported private key.
func (e *Engine) ImportAccount(c chain.Chain, secret string) (*keys.Account, error) {
	a, err := e.adapter(c)
	if err != nil {
		return nil, err
	}
	key, err := keys.ParseSecret(c, secret, bitcoin.NetParams)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	addr, err := a.AddressFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	acct := keys.Account{Path: keys.ImportedPath, PublicKey: pub, Address: addr}
	if err := e.addAccount(a, &acct, c); err != nil {
		return nil, err
	}
	return &acct, nil
}

// RegisterKey registers a public key without its secret, for keys managed
// elsewhere. It returns the record and the key's address on c.
func (e *Engine) RegisterKey(c chain.Chain, pub []byte, path string) (rotation.KeyRecord, string, error) {
	a, err := e.adapter(c)
	if err != nil {
		return rotation.KeyRecord{}, "", err
	}
	addr, err := a.AddressFromPublicKey(pub)
	if err != nil {
		return rotation.KeyRecord{}, "", err
	}
	if path == "" {
		path = keys.ImportedPath
	}
	rec, err := e.keys.Register(rotation.KeyRecord{
		ID:        keys.KeyID(pub),
		Chain:     c,
		PublicKey: append([]byte(nil), pub...),
		Path:      path,
	})
	if err != nil {
		return rotation.KeyRecord{}, "", err
	}
	return rec, addr, nil
}

func (e *Engine) addAccount(a chain.Adapter, acct *keys.Account, c chain.Chain) error {
	acct.Chain = c
	acct.ID = keys.AccountID(c, acct.Address)
	acct.KeyID = keys.KeyID(acct.PublicKey)
	acct.Capabilities = a.Capabilities()

	_, err := e.keys.Register(rotation.KeyRecord{
		ID:        acct.KeyID,
		Chain:     c,
		PublicKey: append([]byte(nil), acct.PublicKey...),
		Path:      acct.Path,
	})
	if err != nil && !errors.Is(err, rotation.ErrKeyExists) {
		return err
	}

	e.accountsMu.Lock()
	e.accounts[acct.ID] = *acct
	e.accountsMu.Unlock()

	klog.Keys.Info().
		Str("account", acct.ID).
		Str("key", acct.KeyID).
		Bool("view_only", acct.Capabilities.ViewOnly).
		Msg("Account added")
	return nil
}

// Account returns a known account.
func (e *Engine) Account(id string) (keys.Account, bool) {
	e.accountsMu.RLock()
	defer e.accountsMu.RUnlock()
	a, ok := e.accounts[id]
	return a, ok
}

// Accounts returns every known account sorted by ID.
func (e *Engine) Accounts() []keys.Account {
	e.accountsMu.RLock()
	out := make([]keys.Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, a)
	}
	e.accountsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
