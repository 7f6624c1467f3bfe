package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingvault/internal/adapter/bitcoin"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// gatedAdapter pauses inside Sign until release is closed, or fails when
// err is set.
type gatedAdapter struct {
	chain.Adapter
	entered chan struct{}
	release chan struct{}
	err     error
}

func (g *gatedAdapter) Sign(d *chain.Draft, key *chain.SigningKey) (*chain.SignedTransaction, error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Adapter.Sign(d, key)
}

func newGatedEngine(t *testing.T, g *gatedAdapter) *Engine {
	t.Helper()
	btc, err := bitcoin.New(chain.Bitcoin)
	require.NoError(t, err)
	g.Adapter = btc
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	e, err := New(Options{Registry: chain.NewRegistry(g), Now: c.now})
	require.NoError(t, err)
	return e
}

var txidB = strings.Repeat("cd", 32)

func TestConcurrentSignsRespectAggregateLimit(t *testing.T) {
	g := &gatedAdapter{entered: make(chan struct{}), release: make(chan struct{})}
	e := newGatedEngine(t, g)
	acct := deriveBTC(t, e)
	require.NoError(t, e.Policy().SetLimits(acct.ID, policy.Limits{Daily: uint256.NewInt(60_000)}))

	d1, _, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{})
	require.NoError(t, err)
	d2, _, err := e.BuildTransaction(btcRequest(50_000, txidB), BuildOptions{})
	require.NoError(t, err)

	firstErr := make(chan error, 1)
	go func() {
		_, err := e.SignTransaction(SignRequest{DraftID: d1.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
		firstErr <- err
	}()
	<-g.entered

	// The first spend is held while it is being signed.
	_, err = e.SignTransaction(SignRequest{DraftID: d2.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, policy.AggregateLimitExceeded, denied.Decision.Reason)
	require.Equal(t, "daily", denied.Decision.Detail)

	close(g.release)
	require.NoError(t, <-firstErr)
	require.Equal(t, uint64(50_000), e.Policy().Usage(acct.ID).Daily.Uint64())

	_, err = e.Draft(d2.ID)
	require.NoError(t, err, "denied draft stays open")
}

func TestFailedSignReleasesHeldSpend(t *testing.T) {
	g := &gatedAdapter{err: errors.New("signer unavailable")}
	e := newGatedEngine(t, g)
	acct := deriveBTC(t, e)
	require.NoError(t, e.Policy().SetLimits(acct.ID, policy.Limits{Daily: uint256.NewInt(60_000)}))

	d, _, err := e.BuildTransaction(btcRequest(50_000, txidA), BuildOptions{})
	require.NoError(t, err)
	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	require.EqualError(t, err, "signer unavailable")
	require.True(t, e.Policy().Usage(acct.ID).Daily.IsZero())

	g.err = nil
	_, err = e.SignTransaction(SignRequest{DraftID: d.ID, KeyID: acct.KeyID, Mnemonic: testMnemonic})
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), e.Policy().Usage(acct.ID).Daily.Uint64())
}
