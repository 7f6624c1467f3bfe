// Package rotation tracks the lifecycle of signing keys.
//
// A key starts Active and moves forward only:
//
//	Active -> VerifyOnly -> Deprecated -> Compromised
//
// Compromised is also reachable from any state and is terminal. Only
// Active keys may sign.
package rotation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Lifecycle errors.
var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyExists         = errors.New("key already registered")
	ErrKeyNotActive      = errors.New("key is not active")
	ErrInvalidTransition = errors.New("invalid key state transition")
)

// State is a key lifecycle state.
type State string

// Key states.
const (
	Active      State = "Active"
	VerifyOnly  State = "VerifyOnly"
	Deprecated  State = "Deprecated"
	Compromised State = "Compromised"
)

var successor = map[State]State{
	Active:     VerifyOnly,
	VerifyOnly: Deprecated,
	Deprecated: Compromised,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Active, VerifyOnly, Deprecated, Compromised:
		return true
	}
	return false
}

// KeyRecord is the lifecycle record of one key.
type KeyRecord struct {
	ID             string         `json:"id"`
	Chain          chain.Chain    `json:"chain"`
	PublicKey      chain.HexBytes `json:"publicKey"`
	Path           string         `json:"path"`
	Version        uint32         `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	State          State          `json:"state"`
	StateChangedAt time.Time      `json:"stateChangedAt"`
	Reason         string         `json:"reason,omitempty"`
}

// Policy sets when keys should rotate.
type Policy struct {
	// MaxAge is how long a key may stay Active.
	MaxAge time.Duration `json:"maxAge"`
	// GracePeriod is how long a key stays VerifyOnly before deprecation.
	GracePeriod time.Duration `json:"gracePeriod"`
}

// DefaultPolicy rotates yearly with a 30 day grace period.
func DefaultPolicy() Policy {
	return Policy{MaxAge: 365 * 24 * time.Hour, GracePeriod: 30 * 24 * time.Hour}
}

// Recommendation is the result of CheckRotation.
type Recommendation struct {
	KeyID       string        `json:"keyId"`
	Current     State         `json:"current"`
	Recommended State         `json:"recommended"`
	Due         bool          `json:"due"`
	Age         time.Duration `json:"age"`
	Reason      string        `json:"reason,omitempty"`
	Warning     string        `json:"warning,omitempty"`
}

// Manager holds key records. One RWMutex guards the map.
type Manager struct {
	policy Policy
	now    func() time.Time

	mu   sync.RWMutex
	keys map[string]*KeyRecord
}

// NewManager creates a manager. A nil now uses time.Now.
func NewManager(p Policy, now func() time.Time) *Manager {
	def := DefaultPolicy()
	if p.MaxAge <= 0 {
		p.MaxAge = def.MaxAge
	}
	if p.GracePeriod <= 0 {
		p.GracePeriod = def.GracePeriod
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{policy: p, now: now, keys: make(map[string]*KeyRecord)}
}

// Policy returns the rotation policy.
func (m *Manager) Policy() Policy { return m.policy }

// Register adds a key in the Active state. CreatedAt is set to now when
// zero, and Version counts earlier keys on the same chain and path.
func (m *Manager) Register(rec KeyRecord) (KeyRecord, error) {
	if rec.ID == "" {
		return KeyRecord{}, fmt.Errorf("%w: key id required", chain.ErrValidation)
	}
	if !rec.Chain.Valid() {
		return KeyRecord{}, fmt.Errorf("%w: unknown chain %q", chain.ErrValidation, rec.Chain)
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[rec.ID]; ok {
		return KeyRecord{}, fmt.Errorf("%w: %s", ErrKeyExists, rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.State = Active
	rec.StateChangedAt = rec.CreatedAt
	rec.Reason = ""
	rec.Version = 1
	for _, k := range m.keys {
		if k.Chain == rec.Chain && k.Path == rec.Path && k.Version >= rec.Version {
			rec.Version = k.Version + 1
		}
	}
	stored := rec
	m.keys[rec.ID] = &stored
	klog.Keys.Info().Str("key", rec.ID).Str("chain", rec.Chain.String()).Uint32("version", rec.Version).Msg("Key registered")
	return stored, nil
}

// Get returns a copy of a key record.
func (m *Manager) Get(id string) (KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return KeyRecord{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return *k, nil
}

// List returns all records ordered by creation time.
func (m *Manager) List() []KeyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyRecord, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Transition moves a key to its successor state. Any other target fails
// with ErrInvalidTransition.
func (m *Manager) Transition(id string, to State, reason string) (KeyRecord, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return KeyRecord{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if next, ok := successor[k.State]; !ok || next != to {
		return KeyRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, k.State, to)
	}
	k.State = to
	k.StateChangedAt = now
	k.Reason = reason
	klog.Keys.Info().Str("key", id).Str("state", string(to)).Msg("Key state changed")
	return *k, nil
}

// MarkCompromised moves a key to Compromised from any state. Marking an
// already compromised key is a no-op.
func (m *Manager) MarkCompromised(id, reason string) (KeyRecord, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return KeyRecord{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if k.State != Compromised {
		k.State = Compromised
		k.StateChangedAt = now
		k.Reason = reason
		klog.Keys.Warn().Str("key", id).Str("reason", reason).Msg("Key marked compromised")
	}
	return *k, nil
}

// CheckRotation reports whether a key is due to move on. It changes
// nothing.
func (m *Manager) CheckRotation(id string) (Recommendation, error) {
	k, err := m.Get(id)
	if err != nil {
		return Recommendation{}, err
	}
	return Evaluate(k, m.policy, m.now()), nil
}

// Evaluate computes the recommendation for k at now.
func Evaluate(k KeyRecord, p Policy, now time.Time) Recommendation {
	age := now.Sub(k.CreatedAt)
	if age < 0 {
		age = 0
	}
	r := Recommendation{KeyID: k.ID, Current: k.State, Recommended: k.State, Age: age}
	switch k.State {
	case Active:
		if age > p.MaxAge {
			r.Recommended, r.Due = VerifyOnly, true
			r.Reason = fmt.Sprintf("key age %s exceeds max age %s", age.Round(time.Hour), p.MaxAge)
		} else if age > p.MaxAge*3/4 {
			r.Warning = fmt.Sprintf("key is at %d%% of its max age", int64(age*100/p.MaxAge))
		}
	case VerifyOnly:
		if since := now.Sub(k.StateChangedAt); since > p.GracePeriod {
			r.Recommended, r.Due = Deprecated, true
			r.Reason = fmt.Sprintf("grace period %s elapsed", p.GracePeriod)
		}
	}
	return r
}

// ApplyRotation performs the transition CheckRotation recommends, if any.
func (m *Manager) ApplyRotation(id string) (KeyRecord, error) {
	rec, err := m.CheckRotation(id)
	if err != nil {
		return KeyRecord{}, err
	}
	if !rec.Due {
		return m.Get(id)
	}
	return m.Transition(id, rec.Recommended, rec.Reason)
}

// CanSign returns nil only for Active keys.
func (m *Manager) CanSign(id string) error {
	k, err := m.Get(id)
	if err != nil {
		return err
	}
	if k.State != Active {
		return fmt.Errorf("%w: %s is %s", ErrKeyNotActive, id, k.State)
	}
	return nil
}

// CanVerify returns nil for Active and VerifyOnly keys.
func (m *Manager) CanVerify(id string) error {
	k, err := m.Get(id)
	if err != nil {
		return err
	}
	if k.State != Active && k.State != VerifyOnly {
		return fmt.Errorf("%w: %s is %s and cannot verify", ErrKeyNotActive, id, k.State)
	}
	return nil
}

// Export returns every record.
func (m *Manager) Export() []KeyRecord { return m.List() }

// Import replaces all records.
func (m *Manager) Import(recs []KeyRecord) error {
	keys := make(map[string]*KeyRecord, len(recs))
	for i := range recs {
		r := recs[i]
		if r.ID == "" || !r.State.Valid() {
			return fmt.Errorf("%w: invalid key record %q", chain.ErrValidation, r.ID)
		}
		if _, dup := keys[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrKeyExists, r.ID)
		}
		keys[r.ID] = &r
	}
	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()
	return nil
}
