package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingvault/internal/adapter/bitcoin"
	"github.com/Klingon-tech/klingvault/internal/keys"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/secmem"
	"github.com/Klingon-tech/klingvault/internal/threat"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Preflight is the policy and threat view of a spend, computed without
// recording anything.
type Preflight struct {
	Policy  policy.Decision     `json:"policy"`
	Threats []threat.Assessment `json:"threats"`
}

// Blocked returns the first Critical assessment.
func (p *Preflight) Blocked() (threat.Assessment, bool) {
	for _, a := range p.Threats {
		if a.Blocked() {
			return a, true
		}
	}
	return threat.Assessment{}, false
}

// BuildOptions tunes BuildTransaction.
type BuildOptions struct {
	// Reserve claims the draft's outpoints or nonce so that no other live
	// draft can spend them.
	Reserve bool
}

// SignRequest selects a draft and the key material that signs it. Exactly
// one of Secret, Mnemonic or Wallet supplies the key.
type SignRequest struct {
	DraftID string
	KeyID   string

	// Secret is an imported private key in the chain's import format.
	Secret string

	Mnemonic   string
	Passphrase string

	Wallet   string
	Password []byte

	// OverrideThreat signs even when a recipient is assessed Critical.
	OverrideThreat bool
}

// SignResult is a signed transaction with the checks that allowed it.
type SignResult struct {
	Signed    *chain.SignedTransaction `json:"signed"`
	Preflight Preflight                `json:"preflight"`
}

func (e *Engine) preflight(c chain.Chain, account string, recipients []string, amount *uint256.Int) Preflight {
	recipient, whitelisted := e.recipientStatus(recipients)
	return Preflight{
		Policy:  e.policy.Check(account, c, amount, recipient, whitelisted),
		Threats: e.assessAll(recipients),
	}
}

// recipientStatus names the first recipient that is not whitelisted and
// reports whether all of them are.
func (e *Engine) recipientStatus(recipients []string) (string, bool) {
	whitelisted := len(recipients) > 0
	recipient := ""
	for _, r := range recipients {
		if !e.threat.IsWhitelisted(r) {
			whitelisted = false
			if recipient == "" {
				recipient = r
			}
		}
	}
	if recipient == "" && len(recipients) > 0 {
		recipient = recipients[0]
	}
	return recipient, whitelisted
}

func (e *Engine) assessAll(recipients []string) []threat.Assessment {
	var out []threat.Assessment
	for _, r := range recipients {
		out = append(out, e.AssessThreat(r))
	}
	return out
}

// BuildTransaction builds an unsigned draft and registers it for signing.
// The preflight is informational: denials are enforced at signing time.
func (e *Engine) BuildTransaction(req *chain.BuildRequest, opts BuildOptions) (*chain.Draft, *Preflight, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("%w: empty request", chain.ErrValidation)
	}
	a, err := e.adapter(req.Chain)
	if err != nil {
		return nil, nil, err
	}
	d, err := a.Build(req)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	d.ID = uuid.NewString()
	d.CreatedAt = now

	account := keys.AccountID(d.Chain, d.From)
	pf := e.preflight(d.Chain, account, d.Recipients(), d.SpendAmount())

	entry := &draftEntry{draft: d, account: account, expires: now.Add(e.draftTTL)}

	e.mu.Lock()
	e.pruneLocked()
	if opts.Reserve || e.reserve {
		rk := d.ReservationKeys()
		for _, k := range rk {
			if owner, ok := e.reservations[k]; ok {
				e.mu.Unlock()
				return nil, nil, fmt.Errorf("%w: %s held by draft %s", ErrReserved, k, owner)
			}
		}
		for _, k := range rk {
			e.reservations[k] = d.ID
		}
		entry.reserved = rk
	}
	e.drafts[d.ID] = entry
	open := len(e.drafts)
	e.mu.Unlock()

	e.metrics.DraftBuilt(d.Chain.String())
	e.metrics.SetOpenDrafts(open)
	klog.Engine.Info().
		Str("draft", d.ID).
		Str("chain", d.Chain.String()).
		Str("fee", d.Fee.Dec()).
		Bool("policy_ok", pf.Policy.Allowed).
		Msg("Draft built")

	cp := *d
	return &cp, &pf, nil
}

// Draft returns a live draft.
func (e *Engine) Draft(id string) (*chain.Draft, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.drafts[id]
	if !ok {
		return nil, ErrDraftNotFound
	}
	if e.now().After(entry.expires) {
		e.dropLocked(id)
		return nil, ErrDraftExpired
	}
	cp := *entry.draft
	return &cp, nil
}

// ReleaseDraft discards a draft and frees its reservations.
func (e *Engine) ReleaseDraft(id string) error {
	e.mu.Lock()
	entry, ok := e.drafts[id]
	if !ok {
		e.mu.Unlock()
		return ErrDraftNotFound
	}
	if entry.signing {
		e.mu.Unlock()
		return ErrDraftBusy
	}
	e.dropLocked(id)
	open := len(e.drafts)
	e.mu.Unlock()
	e.metrics.SetOpenDrafts(open)
	return nil
}

// PruneDrafts drops expired drafts and returns how many were removed.
func (e *Engine) PruneDrafts() int {
	e.mu.Lock()
	n := e.pruneLocked()
	open := len(e.drafts)
	e.mu.Unlock()
	e.metrics.SetOpenDrafts(open)
	if n > 0 {
		klog.Engine.Debug().Int("expired", n).Msg("Pruned drafts")
	}
	return n
}

func (e *Engine) pruneLocked() int {
	now := e.now()
	n := 0
	for id, entry := range e.drafts {
		if !entry.signing && now.After(entry.expires) {
			e.dropLocked(id)
			n++
		}
	}
	return n
}

func (e *Engine) dropLocked(id string) {
	entry, ok := e.drafts[id]
	if !ok {
		return
	}
	for _, k := range entry.reserved {
		if e.reservations[k] == id {
			delete(e.reservations, k)
		}
	}
	delete(e.drafts, id)
}

func (e *Engine) acquire(id string) (*draftEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.drafts[id]
	if !ok {
		return nil, ErrDraftNotFound
	}
	if e.now().After(entry.expires) {
		e.dropLocked(id)
		return nil, ErrDraftExpired
	}
	if entry.signing {
		return nil, ErrDraftBusy
	}
	entry.signing = true
	return entry, nil
}

func (e *Engine) releaseSigning(id string) {
	e.mu.Lock()
	if entry, ok := e.drafts[id]; ok {
		entry.signing = false
	}
	e.mu.Unlock()
}

// SignTransaction signs a draft after the policy, threat and key state
// checks pass. The spend is held against the account's limits while the
// draft is signed, recorded on success and released on failure. On success
// the draft is dropped.
func (e *Engine) SignTransaction(req SignRequest) (*SignResult, error) {
	entry, err := e.acquire(req.DraftID)
	if err != nil {
		return nil, err
	}
	done := false
	defer func() {
		if !done {
			e.releaseSigning(req.DraftID)
		}
	}()

	d := entry.draft
	recipients := d.Recipients()
	amount := d.SpendAmount()
	log := klog.Engine.With().Str("draft", d.ID).Str("chain", d.Chain.String()).Logger()

	recipient, whitelisted := e.recipientStatus(recipients)
	decision, hold := e.policy.Reserve(entry.account, d.Chain, amount, recipient, whitelisted)
	pf := Preflight{Policy: decision, Threats: e.assessAll(recipients)}
	if !pf.Policy.Allowed {
		e.metrics.SignDenied(string(pf.Policy.Reason))
		log.Info().Str("reason", string(pf.Policy.Reason)).Str("detail", pf.Policy.Detail).Msg("Signing denied by policy")
		return nil, &PolicyDeniedError{Decision: pf.Policy}
	}
	committed := false
	defer func() {
		if !committed {
			hold.Cancel()
		}
	}()
	if a, blocked := pf.Blocked(); blocked {
		if !req.OverrideThreat {
			e.metrics.SignDenied("threat")
			log.Warn().Str("recipient", a.Address).Msg("Signing blocked by threat assessment")
			return nil, &ThreatBlockedError{Assessment: a}
		}
		log.Warn().Str("recipient", a.Address).Msg("Critical threat overridden by caller")
	}

	rec, err := e.keys.Get(req.KeyID)
	if err != nil {
		return nil, err
	}
	if rec.Chain.Family() != d.Chain.Family() {
		return nil, fmt.Errorf("%w: key %s belongs to %s, draft is %s", chain.ErrValidation, rec.ID, rec.Chain, d.Chain)
	}
	if err := e.keys.CanSign(req.KeyID); err != nil {
		e.metrics.SignDenied("key_state")
		log.Warn().Str("key", req.KeyID).Str("state", string(rec.State)).Msg("Signing key not active")
		return nil, err
	}

	key, err := e.signingKey(d.Chain, rec, &req)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	a, err := e.adapter(d.Chain)
	if err != nil {
		return nil, err
	}
	signed, err := a.Sign(d, key)
	if err != nil {
		return nil, err
	}

	hold.Commit()
	committed = true
	for _, r := range recipients {
		e.threat.RecordSend(r)
	}

	e.mu.Lock()
	e.dropLocked(d.ID)
	open := len(e.drafts)
	e.mu.Unlock()
	done = true

	e.metrics.Signed(d.Chain.String())
	e.metrics.SetOpenDrafts(open)
	log.Info().Str("txid", signed.TxID).Str("key", rec.ID).Msg("Transaction signed")
	return &SignResult{Signed: signed, Preflight: pf}, nil
}

// signingKey loads the secret for rec from the request and checks that it
// matches the registered public key.
func (e *Engine) signingKey(c chain.Chain, rec rotation.KeyRecord, req *SignRequest) (*chain.SigningKey, error) {
	var key *chain.SigningKey
	switch {
	case req.Secret != "":
		k, err := keys.ParseSecret(c, req.Secret, bitcoin.NetParams)
		if err != nil {
			return nil, err
		}
		key = k
	case req.Mnemonic != "" || req.Wallet != "":
		if rec.Path == "" || rec.Path == keys.ImportedPath {
			return nil, fmt.Errorf("%w: key %s has no derivation path, supply its secret", chain.ErrValidation, rec.ID)
		}
		path, err := keys.ParsePath(rec.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", chain.ErrValidation, err)
		}
		seed, err := e.seed(req.Mnemonic, req.Passphrase, req.Wallet, req.Password)
		if err != nil {
			return nil, err
		}
		derived, err := keys.DerivePath(seed, c, path)
		secmem.Zero(seed)
		if err != nil {
			return nil, err
		}
		key = derived.Key
	default:
		return nil, fmt.Errorf("%w: no key material supplied", chain.ErrValidation)
	}

	pub, err := key.PublicKey()
	if err != nil || !secmem.Compare(pub, rec.PublicKey) {
		key.Zero()
		return nil, ErrKeyMismatch
	}
	return key, nil
}

// seed returns the BIP-39 seed from a mnemonic or an unlocked keystore
// wallet. The caller zeroes it.
func (e *Engine) seed(mnemonic, passphrase, wallet string, password []byte) ([]byte, error) {
	if mnemonic != "" {
		return keys.SeedFromMnemonic(mnemonic, passphrase)
	}
	if e.keystore == nil {
		return nil, fmt.Errorf("%w: keystore not configured", chain.ErrUnsupportedOperation)
	}
	return e.keystore.Load(wallet, password)
}
