// Package challenge issues single-use authentication nonces and verifies
// the signed responses.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

// Defaults.
const (
	DefaultTTL        = 300 * time.Second
	DefaultMaxPending = 5
	DefaultDomain     = "klingvault"
	NonceSize         = 32
)

// ErrTooManyPending is returned when a signer already has the maximum
// number of open challenges.
var ErrTooManyPending = errors.New("too many pending challenges")

// Status is the outcome of Verify.
type Status string

// Verification outcomes.
const (
	Valid    Status = "Valid"
	Invalid  Status = "Invalid"
	Expired  Status = "Expired"
	Replayed Status = "Replayed"
)

// Signer is the key expected to answer a challenge.
type Signer struct {
	PublicKey chain.HexBytes `json:"publicKey"`
	Curve     chain.Curve    `json:"curve"`
}

// Validate checks that the key parses for its curve.
func (s Signer) Validate() error {
	switch s.Curve {
	case chain.Secp256k1:
		if len(s.PublicKey) != 33 {
			return fmt.Errorf("%w: secp256k1 signer must be a 33-byte compressed key", chain.ErrValidation)
		}
		if _, err := secp256k1.ParsePubKey(s.PublicKey); err != nil {
			return fmt.Errorf("%w: %v", chain.ErrValidation, err)
		}
	case chain.Ed25519:
		if len(s.PublicKey) != 32 {
			return fmt.Errorf("%w: ed25519 signer must be 32 bytes", chain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported signer curve %q", chain.ErrValidation, s.Curve)
	}
	return nil
}

// Verify checks sig over message. secp256k1 signatures cover
// sha256(message); Ed25519 signatures cover the message itself.
func (s Signer) Verify(message, sig []byte) bool {
	switch s.Curve {
	case chain.Secp256k1:
		return crypto.VerifyECDSA(s.PublicKey, crypto.SHA256(message), sig)
	case chain.Ed25519:
		return crypto.VerifyEd25519(s.PublicKey, message, sig)
	}
	return false
}

// Challenge is an issued nonce.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Signer    Signer    `json:"signer"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// Message is the exact text the signer must sign.
	Message string `json:"message"`
	Used    bool   `json:"used"`
}

// Config configures a Registry.
type Config struct {
	TTL        time.Duration
	MaxPending int
	Domain     string
	Now        func() time.Time
	Rand       io.Reader
}

// Registry holds open challenges. One mutex guards both maps.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*Challenge
	// spent keeps the nonces of pruned challenges that were consumed, so
	// they stay Replayed after their record is dropped.
	spent map[string]struct{}
}

// New creates a registry. Zero fields take their defaults.
func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Registry{
		cfg:     cfg,
		pending: make(map[string]*Challenge),
		spent:   make(map[string]struct{}),
	}
}

// Create issues a challenge for signer.
func (r *Registry) Create(signer Signer) (Challenge, error) {
	if err := signer.Validate(); err != nil {
		return Challenge{}, err
	}
	var raw [NonceSize]byte
	if _, err := io.ReadFull(r.cfg.Rand, raw[:]); err != nil {
		return Challenge{}, fmt.Errorf("read nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw[:])
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.openLocked(signer, now) >= r.cfg.MaxPending {
		r.pruneLocked(now)
		if r.openLocked(signer, now) >= r.cfg.MaxPending {
			return Challenge{}, fmt.Errorf("%w: limit %d", ErrTooManyPending, r.cfg.MaxPending)
		}
	}
	c := &Challenge{
		Nonce:     nonce,
		Signer:    signer,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.TTL),
		Message: fmt.Sprintf("%s Authentication\n\nNonce: %s\nTimestamp: %d\nSigner: %s",
			r.cfg.Domain, nonce, now.Unix(), signer.PublicKey),
	}
	r.pending[nonce] = c
	return *c, nil
}

func (r *Registry) openLocked(signer Signer, now time.Time) int {
	n := 0
	key := signer.PublicKey.String()
	for _, c := range r.pending {
		if !c.Used && c.Signer.PublicKey.String() == key && !now.After(c.ExpiresAt) {
			n++
		}
	}
	return n
}

func (r *Registry) pruneLocked(now time.Time) int {
	n := 0
	for k, c := range r.pending {
		if now.After(c.ExpiresAt) {
			if c.Used {
				r.spent[k] = struct{}{}
			}
			delete(r.pending, k)
			n++
		}
	}
	return n
}

// Verify checks a response. A nonce is consumed by its first
// verification whatever the outcome, so any later attempt is Replayed.
func (r *Registry) Verify(nonce string, sig []byte) Status {
	now := r.cfg.Now()

	r.mu.Lock()
	c, ok := r.pending[nonce]
	if !ok {
		_, spent := r.spent[nonce]
		r.mu.Unlock()
		if spent {
			klog.Challenge.Warn().Str("nonce", nonce[:min(16, len(nonce))]).Msg("Challenge replay rejected")
			return Replayed
		}
		return Invalid
	}
	if c.Used {
		r.mu.Unlock()
		klog.Challenge.Warn().Str("nonce", nonce[:min(16, len(nonce))]).Msg("Challenge replay rejected")
		return Replayed
	}
	c.Used = true
	expired := now.After(c.ExpiresAt)
	signer, msg := c.Signer, c.Message
	r.mu.Unlock()

	if expired {
		return Expired
	}
	if !signer.Verify([]byte(msg), sig) {
		return Invalid
	}
	return Valid
}

// Get returns a challenge by nonce.
func (r *Registry) Get(nonce string) (Challenge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[nonce]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

// Cancel consumes a challenge without verifying it.
func (r *Registry) Cancel(nonce string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[nonce]
	if !ok {
		if _, spent := r.spent[nonce]; spent {
			return nil
		}
		return fmt.Errorf("%w: unknown challenge", chain.ErrValidation)
	}
	c.Used = true
	return nil
}

// Prune drops expired challenges and returns how many were removed.
// Consumed nonces remain Replayed.
func (r *Registry) Prune() int {
	now := r.cfg.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(now)
}
