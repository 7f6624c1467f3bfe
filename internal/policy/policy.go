// Package policy enforces per-account spending limits over rolling windows.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Reason explains a denial.
type Reason string

// Denial reasons.
const (
	PerTxLimitExceeded      Reason = "PerTxLimitExceeded"
	AggregateLimitExceeded  Reason = "AggregateLimitExceeded"
	RecipientNotWhitelisted Reason = "RecipientNotWhitelisted"
	ChainNotAllowed         Reason = "ChainNotAllowed"
	CooldownActive          Reason = "CooldownActive"
	Lockdown                Reason = "Lockdown"
)

// Decision is the outcome of Check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	// Detail names the window (daily, weekly, monthly) for aggregate
	// denials and carries a human message otherwise.
	Detail string `json:"detail,omitempty"`
	// Remaining is the headroom left after this spend under the tightest
	// limit. Nil when the account is unlimited.
	Remaining *uint256.Int `json:"-"`
}

func deny(r Reason, format string, args ...any) Decision {
	return Decision{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

type spend struct {
	amount *uint256.Int
	at     time.Time
}

type account struct {
	// limits apply only when custom is set; otherwise the engine defaults do.
	limits Limits
	custom bool
	spends []spend
	// pending holds reserved spends that are not yet committed.
	pending map[uint64]spend
}

// Config configures an Engine.
type Config struct {
	// Defaults apply to accounts without their own limits.
	Defaults Limits
	Now      func() time.Time
}

// Engine evaluates and records spends. One mutex guards all state.
//
// Spend times come from Now, which defaults to time.Now, so window
// arithmetic uses the monotonic clock reading and is immune to wall
// clock changes.
type Engine struct {
	now func() time.Time

	mu       sync.Mutex
	defaults Limits
	accounts map[string]*account
	lockdown bool
	nextHold uint64
}

// New creates a policy engine.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		now:      now,
		defaults: cfg.Defaults.clone(),
		accounts: make(map[string]*account),
	}
}

// SetLimits replaces the limits of an account. Usage history is kept.
func (e *Engine) SetLimits(accountID string, l Limits) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id required", chain.ErrValidation)
	}
	if err := l.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.accountLocked(accountID)
	a.limits = l.clone()
	a.custom = true
	klog.Policy.Info().Str("account", accountID).Msg("Spending limits updated")
	return nil
}

// Limits returns the effective limits of an account.
func (e *Engine) Limits(accountID string) Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.accounts[accountID]; ok && a.custom {
		return a.limits.clone()
	}
	return e.defaults.clone()
}

// SetDefaults replaces the limits of accounts without their own.
func (e *Engine) SetDefaults(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.defaults = l.clone()
	e.mu.Unlock()
	return nil
}

// SetLockdown toggles the engine-wide emergency stop.
func (e *Engine) SetLockdown(on bool) {
	e.mu.Lock()
	e.lockdown = on
	e.mu.Unlock()
	klog.Policy.Warn().Bool("lockdown", on).Msg("Emergency lockdown changed")
}

// Lockdown reports whether the emergency stop is active.
func (e *Engine) Lockdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockdown
}

func (e *Engine) accountLocked(id string) *account {
	a, ok := e.accounts[id]
	if !ok {
		a = &account{}
		e.accounts[id] = a
	}
	return a
}

// Check evaluates a spend without recording it. whitelisted is the
// recipient's status in the threat store.
func (e *Engine) Check(accountID string, c chain.Chain, amount *uint256.Int, recipient string, whitelisted bool) Decision {
	if amount == nil {
		amount = new(uint256.Int)
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts[accountID]
	if !ok {
		a = &account{}
	}
	return e.evaluateLocked(accountID, a, c, amount, recipient, whitelisted, now)
}

// Reserve evaluates a spend and, when it is allowed, holds the amount
// against the account's windows until the returned Reservation is
// committed or cancelled. Concurrent reservations see each other, so the
// aggregate limits hold across parallel signers. The Reservation is nil
// when the spend is denied.
func (e *Engine) Reserve(accountID string, c chain.Chain, amount *uint256.Int, recipient string, whitelisted bool) (Decision, *Reservation) {
	if amount == nil {
		amount = new(uint256.Int)
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.accountLocked(accountID)
	d := e.evaluateLocked(accountID, a, c, amount, recipient, whitelisted, now)
	if !d.Allowed {
		return d, nil
	}
	e.nextHold++
	if a.pending == nil {
		a.pending = make(map[uint64]spend)
	}
	a.pending[e.nextHold] = spend{amount: new(uint256.Int).Set(amount), at: now}
	return d, &Reservation{e: e, account: accountID, id: e.nextHold}
}

func (e *Engine) evaluateLocked(accountID string, a *account, c chain.Chain, amount *uint256.Int, recipient string, whitelisted bool, now time.Time) Decision {
	if e.lockdown {
		return deny(Lockdown, "emergency lockdown is active")
	}
	l := e.defaults
	if a.custom {
		l = a.limits
	}

	if !l.allows(c) {
		return deny(ChainNotAllowed, "chain %s is not allowed for this account", c)
	}
	if l.WhitelistOnly && !whitelisted {
		return deny(RecipientNotWhitelisted, "recipient %s is not whitelisted", recipient)
	}
	if l.PerTx != nil && amount.Gt(l.PerTx) {
		return deny(PerTxLimitExceeded, "amount %s exceeds per-transaction limit %s", amount.Dec(), l.PerTx.Dec())
	}
	if l.Cooldown > 0 {
		if last, ok := a.lastSpend(); ok {
			if wait := l.Cooldown - now.Sub(last); wait > 0 {
				return deny(CooldownActive, "next send allowed in %s", wait.Round(time.Second))
			}
		}
	}

	var remaining *uint256.Int
	if l.PerTx != nil {
		remaining = new(uint256.Int).Sub(l.PerTx, amount)
	}
	windows := []struct {
		name   string
		limit  *uint256.Int
		length time.Duration
	}{
		{"daily", l.Daily, Day},
		{"weekly", l.Weekly, Week},
		{"monthly", l.Monthly, Month},
	}
	for _, w := range windows {
		if w.limit == nil {
			continue
		}
		used := a.usedSince(now, w.length)
		total, overflow := new(uint256.Int).AddOverflow(used, amount)
		if overflow || total.Gt(w.limit) {
			d := Decision{Reason: AggregateLimitExceeded, Detail: w.name}
			klog.Policy.Info().Str("account", accountID).Str("window", w.name).Msg("Aggregate limit reached")
			return d
		}
		left := new(uint256.Int).Sub(w.limit, total)
		if remaining == nil || left.Lt(remaining) {
			remaining = left
		}
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// lastSpend returns the time of the newest recorded or reserved spend.
func (a *account) lastSpend() (time.Time, bool) {
	var last time.Time
	found := false
	if n := len(a.spends); n > 0 {
		last, found = a.spends[n-1].at, true
	}
	for _, p := range a.pending {
		if !found || p.at.After(last) {
			last, found = p.at, true
		}
	}
	return last, found
}

func (a *account) usedSince(now time.Time, window time.Duration) *uint256.Int {
	used := new(uint256.Int)
	for _, s := range a.spends {
		if now.Sub(s.at) < window {
			used.Add(used, s.amount)
		}
	}
	for _, p := range a.pending {
		used.Add(used, p.amount)
	}
	return used
}

// Record adds a signed spend to the account's rolling counters. Call it
// only after signing succeeded.
func (e *Engine) Record(accountID string, amount *uint256.Int) {
	if amount == nil {
		return
	}
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(e.accountLocked(accountID), amount, now)
}

func (e *Engine) recordLocked(a *account, amount *uint256.Int, now time.Time) {
	a.spends = append(a.spends, spend{amount: new(uint256.Int).Set(amount), at: now})

	// Entries older than the longest window can never count again.
	keep := a.spends[:0]
	for _, s := range a.spends {
		if now.Sub(s.at) < Month {
			keep = append(keep, s)
		}
	}
	a.spends = keep
}

// Reservation is a spend held by Reserve.
type Reservation struct {
	e       *Engine
	account string
	id      uint64
}

// Commit turns the held amount into a recorded spend. Calling it after
// Commit or Cancel does nothing.
func (r *Reservation) Commit() {
	if r == nil {
		return
	}
	now := r.e.now()
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	a, ok := r.e.accounts[r.account]
	if !ok {
		return
	}
	p, ok := a.pending[r.id]
	if !ok {
		return
	}
	delete(a.pending, r.id)
	r.e.recordLocked(a, p.amount, now)
}

// Cancel releases the held amount. Calling it after Commit or Cancel does
// nothing.
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if a, ok := r.e.accounts[r.account]; ok {
		delete(a.pending, r.id)
	}
}

// Usage is the spent total per rolling window.
type Usage struct {
	Daily   *uint256.Int
	Weekly  *uint256.Int
	Monthly *uint256.Int
}

// Usage returns the current window totals of an account.
func (e *Engine) Usage(accountID string) Usage {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[accountID]
	if !ok {
		a = &account{}
	}
	return Usage{
		Daily:   a.usedSince(now, Day),
		Weekly:  a.usedSince(now, Week),
		Monthly: a.usedSince(now, Month),
	}
}

// Snapshot is the persisted policy configuration. Usage counters are not
// part of it.
type Snapshot struct {
	Defaults Limits            `json:"defaults"`
	Accounts map[string]Limits `json:"accounts"`
	Lockdown bool              `json:"lockdown"`
}

// Export returns the current configuration.
func (e *Engine) Export() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Defaults: e.defaults.clone(),
		Accounts: make(map[string]Limits, len(e.accounts)),
		Lockdown: e.lockdown,
	}
	for id, a := range e.accounts {
		if a.custom {
			s.Accounts[id] = a.limits.clone()
		}
	}
	return s
}

// Import replaces the configuration. Usage counters and held reservations
// are kept.
func (e *Engine) Import(s Snapshot) error {
	if err := s.Defaults.Validate(); err != nil {
		return err
	}
	for id, l := range s.Accounts {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	accounts := make(map[string]*account, len(s.Accounts))
	for id, old := range e.accounts {
		if len(old.spends) > 0 || len(old.pending) > 0 {
			accounts[id] = &account{spends: old.spends, pending: old.pending}
		}
	}
	for id, l := range s.Accounts {
		a, ok := accounts[id]
		if !ok {
			a = &account{}
			accounts[id] = a
		}
		a.limits = l.clone()
		a.custom = true
	}
	e.defaults = s.Defaults.clone()
	e.accounts = accounts
	e.lockdown = s.Lockdown
	return nil
}
