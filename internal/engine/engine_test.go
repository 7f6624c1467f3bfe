package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingvault/internal/keys"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/storage"
	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	// BIP84 m/84'/0'/0'/0/0 of testMnemonic.
	btcAddress   = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"
	btcRecipient = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	evmSecret    = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	evmRecipient = "0x3535353535353535353535353535353535353535"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestEngine(t *testing.T, db storage.Store) (*Engine, *clock) {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	e, err := New(Options{DB: db, Now: c.now})
	require.NoError(t, err)
	return e, c
}

func deriveBTC(t *testing.T, e *Engine) *keys.Account {
	t.Helper()
	acct, err := e.DeriveAccount(DeriveRequest{Chain: chain.Bitcoin, Mnemonic: testMnemonic})
	require.NoError(t, err)
	require.Equal(t, btcAddress, acct.Address)
	return acct
}

func btcRequest(amount uint64, txid string) *chain.BuildRequest {
	return &chain.BuildRequest{
		Chain: chain.Bitcoin,
		From:  btcAddress,
		Inputs: []chain.UnspentOutput{
			{Outpoint: chain.Outpoint{TxID: txid, Index: 0}, Value: 100_000, Confirmations: 6},
		},
		Outputs: []chain.Output{{Address: btcRecipient, Amount: uint256.NewInt(amount)}},
		Fee:     chain.FeeParams{FeeRate: 10},
	}
}

var txidA = strings.Repeat("ab", 32)

func TestBitcoinBuildAndSign(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct := deriveBTC(t, e)
	require.True(t, acct.Capabilities.Spend)

	d, pf, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	require.True(t, pf.Policy.Allowed)
	require.Len(t, pf.Threats, 1)
	require.Len(t, d.SigningHashes, 1)

	res, err := e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	require.NoError(t, err)
	require.Len(t, res.Signed.TxID, 64)
	require.NotEmpty(t, res.Signed.Raw)

	_, err = e.Draft(d.ID)
	require.ErrorIs(t, err, ErrDraftNotFound)
	require.Equal(t, uint64(50_000), e.Policy().Usage(acct.ID).Daily.Uint64())
	require.Equal(t, 1, e.Threat().HistoryLen())
}

func TestPolicyDenial(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct := deriveBTC(t, e)
	require.NoError(t, e.Policy().SetLimits(acct.ID, policy.Limits{PerTx: uint256.NewInt(10_000)}))

	d, pf, err := e.BuildTransaction(btcRequest(10_001, txidA), BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, policy.PerTxLimitExceeded, pf.Policy.Reason)

	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, policy.PerTxLimitExceeded, denied.Decision.Reason)
	require.True(t, e.Policy().Usage(acct.ID).Daily.IsZero(), "denied spend must not be recorded")

	// The draft survives a denial and can be released.
	require.NoError(t, e.ReleaseDraft(d.ID))
	require.ErrorIs(t, e.ReleaseDraft(d.ID), ErrDraftNotFound)
}

func TestThreatBlockAndOverride(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct := deriveBTC(t, e)
	e.Threat().Whitelist(btcRecipient)
	e.Threat().Blacklist(btcRecipient)

	d, pf, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{})
	require.NoError(t, err)
	_, blocked := pf.Blocked()
	require.True(t, blocked)

	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	var tb *ThreatBlockedError
	require.ErrorAs(t, err, &tb)

	res, err := e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic, OverrideThreat: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Signed.TxID)
}

func TestCompromisedKeyCannotSign(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct := deriveBTC(t, e)
	_, err := e.Keys().MarkCompromised(acct.KeyID, "test")
	require.NoError(t, err)

	d, _, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{})
	require.NoError(t, err)
	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	require.ErrorIs(t, err, rotation.ErrKeyNotActive)

	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: "unknown", Mnemonic: testMnemonic})
	require.ErrorIs(t, err, rotation.ErrKeyNotFound)
}

func TestReservations(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	deriveBTC(t, e)

	d1, _, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{Reserve: true})
	require.NoError(t, err)
	_, _, err = e.BuildTransaction(btcRequest(40_000, txidA), BuildOptions{Reserve: true})
	require.ErrorIs(t, err, ErrReserved)
	require.True(t, errors.Is(err, chain.ErrValidation))

	require.NoError(t, e.ReleaseDraft(d1.ID))
	_, _, err = e.BuildTransaction(btcRequest(40_000, txidA), BuildOptions{Reserve: true})
	require.NoError(t, err)
}

func TestDraftExpiry(t *testing.T) {
	e, c := newTestEngine(t, nil)
	acct := deriveBTC(t, e)

	d, _, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{Reserve: true})
	require.NoError(t, err)
	c.t = c.t.Add(DefaultDraftTTL + time.Second)

	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	require.ErrorIs(t, err, ErrDraftExpired)

	// Expiry frees the reservation.
	_, _, err = e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{Reserve: true})
	require.NoError(t, err)

	c.t = c.t.Add(DefaultDraftTTL + time.Second)
	require.Equal(t, 1, e.PruneDrafts())
}

func TestEVMImportAndSign(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct, err := e.ImportAccount(chain.Ethereum, evmSecret)
	require.NoError(t, err)
	require.Equal(t, keys.ImportedPath, acct.Path)

	req := &chain.BuildRequest{
		Chain:   chain.Ethereum,
		From:    acct.Address,
		Outputs: []chain.Output{{Address: evmRecipient, Amount: uint256.NewInt(1_000_000_000)}},
		Fee: chain.FeeParams{
			MaxFeePerGas:         uint256.NewInt(30_000_000_000),
			MaxPriorityFeePerGas: uint256.NewInt(2_000_000_000),
		},
		Nonce: 7,
	}
	d, _, err := e.BuildTransaction(req, BuildOptions{})
	require.NoError(t, err)

	// A secret for a different key is refused before signing.
	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Secret: "0x" + strings.Repeat("11", 32)})
	require.ErrorIs(t, err, ErrKeyMismatch)

	res, err := e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Secret: evmSecret})
	require.NoError(t, err)
	require.Equal(t, byte(0x02), res.Signed.Raw[0])
}

func TestEVMFeeOrderingRejectedAtBuild(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct, err := e.ImportAccount(chain.Ethereum, evmSecret)
	require.NoError(t, err)

	_, _, err = e.BuildTransaction(&chain.BuildRequest{
		Chain:   chain.Ethereum,
		From:    acct.Address,
		Outputs: []chain.Output{{Address: evmRecipient, Amount: uint256.NewInt(1)}},
		Fee: chain.FeeParams{
			MaxFeePerGas:         uint256.NewInt(1_000_000_000),
			MaxPriorityFeePerGas: uint256.NewInt(2_000_000_000),
		},
	}, BuildOptions{})
	require.ErrorIs(t, err, chain.ErrInvalidFeeParameters)
}

func TestMoneroViewOnly(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct, err := e.DeriveAccount(DeriveRequest{Chain: chain.Monero, Mnemonic: testMnemonic})
	require.NoError(t, err)
	require.True(t, acct.Capabilities.ViewOnly)
	require.False(t, acct.Capabilities.Spend)
	require.Len(t, acct.ViewKey, 32)
	require.Len(t, acct.PublicKey, 64)
	require.True(t, strings.HasPrefix(acct.Address, "4"))

	_, _, err = e.BuildTransaction(&chain.BuildRequest{Chain: chain.Monero, From: acct.Address}, BuildOptions{})
	require.ErrorIs(t, err, chain.ErrUnsupportedOperation)
}

func TestRegisterKey(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	acct := deriveBTC(t, e)

	_, _, err := e.RegisterKey(chain.Bitcoin, acct.PublicKey, "")
	require.ErrorIs(t, err, rotation.ErrKeyExists)

	pub, err := crypto.SecpPublicKey([]byte(strings.Repeat("\x22", 32)))
	require.NoError(t, err)
	rec, addr, err := e.RegisterKey(chain.XRP, pub, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "r"))
	require.Equal(t, rotation.Active, rec.State)
	require.Equal(t, keys.ImportedPath, rec.Path)
	require.Equal(t, keys.KeyID(pub), rec.ID)

	_, _, err = e.RegisterKey(chain.Bitcoin, []byte{1, 2, 3}, "")
	require.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := storage.NewMemory()
	e, _ := newTestEngine(t, db)
	acct := deriveBTC(t, e)
	e.Threat().Blacklist(btcRecipient)
	require.NoError(t, e.Policy().SetLimits(acct.ID, policy.Limits{Daily: uint256.NewInt(5)}))
	_, err := e.Keys().Transition(acct.KeyID, rotation.VerifyOnly, "rotated")
	require.NoError(t, err)

	data, err := e.ExportSnapshot()
	require.NoError(t, err)

	e2, _ := newTestEngine(t, db)
	found, err := e2.Restore()
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, e2.Threat().IsBlacklisted(btcRecipient))
	require.Equal(t, uint64(5), e2.Policy().Limits(acct.ID).Daily.Uint64())
	rec, err := e2.Keys().Get(acct.KeyID)
	require.NoError(t, err)
	require.Equal(t, rotation.VerifyOnly, rec.State)
	_, ok := e2.Account(acct.ID)
	require.True(t, ok)

	tampered := strings.Replace(string(data), `"lockdown":false`, `"lockdown":true`, 1)
	require.NotEqual(t, string(data), tampered)
	err = e2.ImportSnapshot([]byte(tampered))
	require.ErrorIs(t, err, ErrSnapshotChecksum)
	require.ErrorIs(t, err, chain.ErrValidation)

	e3, _ := newTestEngine(t, nil)
	found, err = e3.Restore()
	require.NoError(t, err)
	require.False(t, found)
}

func TestKeystoreWallet(t *testing.T) {
	ks, err := keys.NewKeystore(t.TempDir(), keys.EncryptionParams{Memory: 64, Iterations: 1, Parallelism: 1})
	require.NoError(t, err)
	seed, err := keys.SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	password := []byte("correct horse")
	require.NoError(t, ks.Create("main", seed, password))

	c := &clock{t: time.Unix(1_700_000_000, 0)}
	e, err := New(Options{Keystore: ks, Now: c.now})
	require.NoError(t, err)

	acct, err := e.DeriveAccount(DeriveRequest{Chain: chain.Bitcoin, Wallet: "main", Password: password})
	require.NoError(t, err)
	require.Equal(t, btcAddress, acct.Address)

	entries, err := ks.ListAccounts("main")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, acct.KeyID, entries[0].KeyID)

	d, _, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{})
	require.NoError(t, err)

	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Wallet: "main", Password: []byte("wrong")})
	require.ErrorIs(t, err, keys.ErrWrongPassword)

	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Wallet: "main", Password: password})
	require.NoError(t, err)
}

func TestSnapshotPersistsPerStoreRecords(t *testing.T) {
	inner := storage.NewMemory()
	db := storage.NewPrefixDB(inner, []byte("vault/"))
	e, _ := newTestEngine(t, db)
	acct := deriveBTC(t, e)

	_, err := e.ExportSnapshot()
	require.NoError(t, err)
	for _, k := range []string{"meta", "policy", "threat", "key/" + acct.KeyID, "account/" + acct.ID} {
		ok, err := inner.Has([]byte("vault/" + k))
		require.NoError(t, err)
		require.True(t, ok, "missing record %s", k)
	}

	// Importing a snapshot without the account removes its records.
	empty, _ := newTestEngine(t, nil)
	data, err := empty.ExportSnapshot()
	require.NoError(t, err)
	require.NoError(t, e.ImportSnapshot(data))
	for _, k := range []string{"key/" + acct.KeyID, "account/" + acct.ID} {
		ok, err := db.Has([]byte(k))
		require.NoError(t, err)
		require.False(t, ok, "stale record %s kept", k)
	}

	e2, _ := newTestEngine(t, db)
	found, err := e2.Restore()
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, e2.Accounts())

	// A record changed behind the engine's back fails the checksum.
	require.NoError(t, db.Put([]byte("threat"), []byte(`{"blacklist":["x"]}`)))
	e3, _ := newTestEngine(t, db)
	_, err = e3.Restore()
	require.ErrorIs(t, err, ErrSnapshotChecksum)
}
