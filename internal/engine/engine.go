// Package engine ties the chain adapters to the security stores: every
// signature passes the spending policy, threat assessment and key
// lifecycle checks first.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingvault/internal/adapter/bitcoin"
	"github.com/Klingon-tech/klingvault/internal/adapter/evm"
	"github.com/Klingon-tech/klingvault/internal/adapter/monero"
	"github.com/Klingon-tech/klingvault/internal/adapter/solana"
	"github.com/Klingon-tech/klingvault/internal/adapter/xrp"
	"github.com/Klingon-tech/klingvault/internal/challenge"
	"github.com/Klingon-tech/klingvault/internal/keys"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/metrics"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/storage"
	"github.com/Klingon-tech/klingvault/internal/threat"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// DefaultDraftTTL is how long an unsigned draft stays valid.
const DefaultDraftTTL = 15 * time.Minute

// Options configures an Engine. Nil stores are created with defaults.
type Options struct {
	Registry   *chain.Registry
	Policy     *policy.Engine
	Threat     *threat.Detector
	Keys       *rotation.Manager
	Challenges *challenge.Registry
	// Keystore enables wallet-backed derivation and signing.
	Keystore *keys.Keystore
	// DB persists snapshots when set.
	DB      storage.Store
	Metrics *metrics.Metrics

	DraftTTL time.Duration
	// ReserveInputs makes every draft reserve its inputs or nonce.
	ReserveInputs bool
	Now           func() time.Time
}

type draftEntry struct {
	draft    *chain.Draft
	account  string
	expires  time.Time
	reserved []string
	signing  bool
}

// Engine orchestrates building and signing. It never holds two store
// locks at once: each store call takes and releases its own lock.
type Engine struct {
	registry   *chain.Registry
	policy     *policy.Engine
	threat     *threat.Detector
	keys       *rotation.Manager
	challenges *challenge.Registry
	keystore   *keys.Keystore
	db         storage.Store
	metrics    *metrics.Metrics

	draftTTL time.Duration
	reserve  bool
	now      func() time.Time

	// persistMu serializes snapshot writes to db.
	persistMu sync.Mutex

	mu           sync.Mutex
	drafts       map[string]*draftEntry
	reservations map[string]string

	accountsMu sync.RWMutex
	accounts   map[string]keys.Account
}

// DefaultRegistry returns a registry with an adapter for every supported
// chain.
func DefaultRegistry(bitcoinOpts ...bitcoin.Option) (*chain.Registry, error) {
	var adapters []chain.Adapter
	for _, c := range chain.All() {
		var (
			a   chain.Adapter
			err error
		)
		switch c.Family() {
		case chain.FamilyBitcoin:
			a, err = bitcoin.New(c, bitcoinOpts...)
		case chain.FamilyEVM:
			a, err = evm.New(c)
		case chain.FamilySolana:
			a, err = solana.New(c)
		case chain.FamilyXRP:
			a, err = xrp.New(c)
		case chain.FamilyMonero:
			a = monero.New()
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", c, err)
		}
		adapters = append(adapters, a)
	}
	return chain.NewRegistry(adapters...), nil
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		reg, err := DefaultRegistry()
		if err != nil {
			return nil, err
		}
		opts.Registry = reg
	}
	if opts.Policy == nil {
		opts.Policy = policy.New(policy.Config{Now: opts.Now})
	}
	if opts.Threat == nil {
		cfg := threat.DefaultConfig()
		cfg.Now = opts.Now
		opts.Threat = threat.New(cfg)
	}
	if opts.Keys == nil {
		opts.Keys = rotation.NewManager(rotation.DefaultPolicy(), opts.Now)
	}
	if opts.Challenges == nil {
		opts.Challenges = challenge.New(challenge.Config{Now: opts.Now})
	}
	if opts.DraftTTL <= 0 {
		opts.DraftTTL = DefaultDraftTTL
	}
	return &Engine{
		registry:     opts.Registry,
		policy:       opts.Policy,
		threat:       opts.Threat,
		keys:         opts.Keys,
		challenges:   opts.Challenges,
		keystore:     opts.Keystore,
		db:           opts.DB,
		metrics:      opts.Metrics,
		draftTTL:     opts.DraftTTL,
		reserve:      opts.ReserveInputs,
		now:          opts.Now,
		drafts:       make(map[string]*draftEntry),
		reservations: make(map[string]string),
		accounts:     make(map[string]keys.Account),
	}, nil
}

func (e *Engine) Registry() *chain.Registry       { return e.registry }
func (e *Engine) Policy() *policy.Engine          { return e.policy }
func (e *Engine) Threat() *threat.Detector        { return e.threat }
func (e *Engine) Keys() *rotation.Manager         { return e.keys }
func (e *Engine) Challenges() *challenge.Registry { return e.challenges }
func (e *Engine) Keystore() *keys.Keystore        { return e.keystore }
func (e *Engine) Metrics() *metrics.Metrics       { return e.metrics }

func (e *Engine) adapter(c chain.Chain) (chain.Adapter, error) { return e.registry.Get(c) }

// AssessThreat scores an address and counts the result.
func (e *Engine) AssessThreat(address string) threat.Assessment {
	a := e.threat.Assess(address)
	e.metrics.ThreatAssessed(a.Level.String())
	return a
}

// VerifyChallenge checks a challenge response and counts the result.
func (e *Engine) VerifyChallenge(nonce string, sig []byte) challenge.Status {
	s := e.challenges.Verify(nonce, sig)
	e.metrics.ChallengeVerified(string(s))
	if s != challenge.Valid {
		klog.Challenge.Info().Str("status", string(s)).Msg("Challenge not accepted")
	}
	return s
}

// EstimateFee asks the chain adapter for the fee of a request.
func (e *Engine) EstimateFee(req *chain.BuildRequest) (string, error) {
	a, err := e.adapter(req.Chain)
	if err != nil {
		return "", err
	}
	fee, err := a.EstimateFee(req)
	if err != nil {
		return "", err
	}
	return fee.Dec(), nil
}

// DecodeAddress validates an address for a chain.
func (e *Engine) DecodeAddress(c chain.Chain, addr string) (*chain.Address, error) {
	a, err := e.adapter(c)
	if err != nil {
		return nil, err
	}
	return a.DecodeAddress(addr)
}
