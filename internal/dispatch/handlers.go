package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingvault/internal/challenge"
	"github.com/Klingon-tech/klingvault/internal/engine"
	"github.com/Klingon-tech/klingvault/internal/keys"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/secmem"
	"github.com/Klingon-tech/klingvault/internal/threat"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// ── Drafts ──────────────────────────────────────────────────────────────

func (d *Dispatcher) buildTransaction(raw json.RawMessage) (any, error) {
	var p buildParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	req, err := p.request()
	if err != nil {
		return nil, err
	}
	draft, pf, err := d.engine.BuildTransaction(req, engine.BuildOptions{Reserve: p.Reserve})
	if err != nil {
		return nil, err
	}
	return struct {
		Draft     draftView     `json:"draft"`
		Preflight preflightView `json:"preflight"`
	}{newDraftView(draft), newPreflightView(pf)}, nil
}

type signParams struct {
	DraftID        string `json:"draftId"`
	KeyID          string `json:"keyId"`
	Secret         string `json:"secret,omitempty"`
	Mnemonic       string `json:"mnemonic,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"`
	Wallet         string `json:"wallet,omitempty"`
	Password       string `json:"password,omitempty"`
	OverrideThreat bool   `json:"overrideThreat,omitempty"`
}

func (d *Dispatcher) signTransaction(raw json.RawMessage) (any, error) {
	var p signParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	if p.DraftID == "" || p.KeyID == "" {
		return nil, fmt.Errorf("%w: draftId and keyId required", chain.ErrValidation)
	}
	set := 0
	for _, s := range []string{p.Secret, p.Mnemonic, p.Wallet} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: exactly one of secret, mnemonic or wallet required", chain.ErrValidation)
	}
	password := []byte(p.Password)
	defer secmem.Zero(password)

	res, err := d.engine.SignTransaction(engine.SignRequest{
		DraftID:        p.DraftID,
		KeyID:          p.KeyID,
		Secret:         p.Secret,
		Mnemonic:       p.Mnemonic,
		Passphrase:     p.Passphrase,
		Wallet:         p.Wallet,
		Password:       password,
		OverrideThreat: p.OverrideThreat,
	})
	if err != nil {
		return nil, err
	}
	return struct {
		Signed    *chain.SignedTransaction `json:"signed"`
		Preflight preflightView            `json:"preflight"`
	}{res.Signed, newPreflightView(&res.Preflight)}, nil
}

func (d *Dispatcher) releaseDraft(raw json.RawMessage) (any, error) {
	var p struct {
		DraftID string `json:"draftId"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	if err := d.engine.ReleaseDraft(p.DraftID); err != nil {
		return nil, err
	}
	return map[string]bool{"released": true}, nil
}

func (d *Dispatcher) estimateFee(raw json.RawMessage) (any, error) {
	var p buildParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	req, err := p.request()
	if err != nil {
		return nil, err
	}
	fee, err := d.engine.EstimateFee(req)
	if err != nil {
		return nil, err
	}
	v, err := chain.ParseBaseUnits(fee)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"chain": req.Chain.String(),
		"fee":   fee,
		"coins": chain.FormatCoins(req.Chain, v),
	}, nil
}

// ── Chains ──────────────────────────────────────────────────────────────

func (d *Dispatcher) decodeAddress(raw json.RawMessage) (any, error) {
	var p struct {
		Chain   string `json:"chain"`
		Address string `json:"address"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	c, err := parseChain(p.Chain)
	if err != nil {
		return nil, err
	}
	return d.engine.DecodeAddress(c, p.Address)
}

type chainView struct {
	chain.Info
	Family       string             `json:"family"`
	Capabilities chain.Capabilities `json:"capabilities"`
}

func (d *Dispatcher) chainCapabilities(raw json.RawMessage) (any, error) {
	var p struct {
		Chain string `json:"chain,omitempty"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	reg := d.engine.Registry()
	chains := reg.Chains()
	if p.Chain != "" {
		c, err := chain.Parse(p.Chain)
		if err != nil {
			return nil, err
		}
		chains = []chain.Chain{c}
	}
	out := make([]chainView, 0, len(chains))
	for _, c := range chains {
		a, err := reg.Get(c)
		if err != nil {
			return nil, err
		}
		info, _ := c.Info()
		out = append(out, chainView{Info: info, Family: c.Family().String(), Capabilities: a.Capabilities()})
	}
	return out, nil
}

// ── Threats ─────────────────────────────────────────────────────────────

type addressParams struct {
	Address string `json:"address"`
	// Reason or label for the audit log.
	Reason string `json:"reason,omitempty"`
	Label  string `json:"label,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

func (p *addressParams) validate() error {
	if p.Address == "" {
		return fmt.Errorf("%w: address required", chain.ErrValidation)
	}
	return nil
}

func (d *Dispatcher) assessThreat(raw json.RawMessage) (any, error) {
	var p struct {
		Address string `json:"address"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	if p.Address == "" {
		return nil, fmt.Errorf("%w: address required", chain.ErrValidation)
	}
	return d.engine.AssessThreat(p.Address), nil
}

func (d *Dispatcher) blacklistAddress(raw json.RawMessage) (any, error) {
	var p addressParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	t := d.engine.Threat()
	if p.Remove {
		t.Unblacklist(p.Address)
	} else {
		t.Blacklist(p.Address)
	}
	d.logger.Info().Str("address", secmem.Mask(p.Address)).Str("reason", secmem.Redact(p.Reason)).Bool("remove", p.Remove).Msg("Blacklist changed")
	return map[string]any{"address": threat.Normalize(p.Address), "blacklisted": t.IsBlacklisted(p.Address)}, nil
}

func (d *Dispatcher) whitelistAddress(raw json.RawMessage) (any, error) {
	var p addressParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	t := d.engine.Threat()
	if p.Remove {
		t.Unwhitelist(p.Address)
	} else {
		t.Whitelist(p.Address)
	}
	d.logger.Info().Str("address", secmem.Mask(p.Address)).Str("label", secmem.Redact(p.Label)).Bool("remove", p.Remove).Msg("Whitelist changed")
	return map[string]any{"address": threat.Normalize(p.Address), "whitelisted": t.IsWhitelisted(p.Address)}, nil
}

// ── Policy ──────────────────────────────────────────────────────────────

// accountRef names an account either by ID or by chain and address.
type accountRef struct {
	AccountID string `json:"accountId,omitempty"`
	Chain     string `json:"chain,omitempty"`
	Address   string `json:"address,omitempty"`
}

func (r accountRef) id() (string, error) {
	if r.AccountID != "" {
		return r.AccountID, nil
	}
	if r.Address == "" {
		return "", fmt.Errorf("%w: accountId or chain and address required", chain.ErrValidation)
	}
	c, err := parseChain(r.Chain)
	if err != nil {
		return "", err
	}
	return keys.AccountID(c, r.Address), nil
}

func (d *Dispatcher) setSpendingLimits(raw json.RawMessage) (any, error) {
	var p struct {
		accountRef
		Limits policy.Limits `json:"limits"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	if err := d.engine.Policy().SetLimits(id, p.Limits); err != nil {
		return nil, err
	}
	return map[string]any{"accountId": id, "limits": d.engine.Policy().Limits(id)}, nil
}

func (d *Dispatcher) checkPolicy(raw json.RawMessage) (any, error) {
	var p struct {
		AccountID string `json:"accountId,omitempty"`
		Chain     string `json:"chain"`
		From      string `json:"from,omitempty"`
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	c, err := parseChain(p.Chain)
	if err != nil {
		return nil, err
	}
	id, err := accountRef{AccountID: p.AccountID, Chain: p.Chain, Address: p.From}.id()
	if err != nil {
		return nil, err
	}
	amount, err := chain.ParseBaseUnits(p.Amount)
	if err != nil {
		return nil, err
	}
	pol := d.engine.Policy()
	dec := pol.Check(id, c, amount, p.Recipient, d.engine.Threat().IsWhitelisted(p.Recipient))
	return struct {
		decisionView
		AccountID string    `json:"accountId"`
		Usage     usageView `json:"usage"`
	}{newDecisionView(dec), id, newUsageView(pol.Usage(id))}, nil
}

func (d *Dispatcher) setLockdown(raw json.RawMessage) (any, error) {
	var p struct {
		Enabled bool `json:"enabled"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	d.engine.Policy().SetLockdown(p.Enabled)
	return map[string]bool{"lockdown": d.engine.Policy().Lockdown()}, nil
}

// ── Keys ────────────────────────────────────────────────────────────────

type keyParams struct {
	KeyID  string `json:"keyId"`
	Reason string `json:"reason,omitempty"`
}

func (d *Dispatcher) registerKey(raw json.RawMessage) (any, error) {
	var p struct {
		Chain     string         `json:"chain"`
		PublicKey chain.HexBytes `json:"publicKey"`
		Path      string         `json:"path,omitempty"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	c, err := parseChain(p.Chain)
	if err != nil {
		return nil, err
	}
	rec, addr, err := d.engine.RegisterKey(c, p.PublicKey, p.Path)
	if err != nil {
		return nil, err
	}
	return struct {
		Key     rotation.KeyRecord `json:"key"`
		Address string             `json:"address,omitempty"`
	}{rec, addr}, nil
}

func (d *Dispatcher) checkKeyRotation(raw json.RawMessage) (any, error) {
	var p keyParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	m := d.engine.Keys()
	ids := []string{p.KeyID}
	if p.KeyID == "" {
		ids = ids[:0]
		for _, k := range m.List() {
			ids = append(ids, k.ID)
		}
	}
	recs := make([]rotation.Recommendation, 0, len(ids))
	due := false
	for _, id := range ids {
		r, err := m.CheckRotation(id)
		if err != nil {
			return nil, err
		}
		due = due || r.Due
		recs = append(recs, r)
	}
	return struct {
		NeedsRotation   bool                      `json:"needsRotation"`
		Recommendations []rotation.Recommendation `json:"recommendations"`
	}{due, recs}, nil
}

func (d *Dispatcher) applyKeyRotation(raw json.RawMessage) (any, error) {
	var p keyParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	return d.engine.Keys().ApplyRotation(p.KeyID)
}

func (d *Dispatcher) markKeyCompromised(raw json.RawMessage) (any, error) {
	var p keyParams
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	return d.engine.Keys().MarkCompromised(p.KeyID, p.Reason)
}

func (d *Dispatcher) deriveAccount(raw json.RawMessage) (any, error) {
	var p struct {
		Chain      string `json:"chain"`
		Mnemonic   string `json:"mnemonic,omitempty"`
		Passphrase string `json:"passphrase,omitempty"`
		Wallet     string `json:"wallet,omitempty"`
		Password   string `json:"password,omitempty"`
		Account    uint32 `json:"account,omitempty"`
		Index      uint32 `json:"index,omitempty"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	c, err := parseChain(p.Chain)
	if err != nil {
		return nil, err
	}
	if (p.Mnemonic == "") == (p.Wallet == "") {
		return nil, fmt.Errorf("%w: exactly one of mnemonic or wallet required", chain.ErrValidation)
	}
	password := []byte(p.Password)
	defer secmem.Zero(password)
	return d.engine.DeriveAccount(engine.DeriveRequest{
		Chain:      c,
		Mnemonic:   p.Mnemonic,
		Passphrase: p.Passphrase,
		Wallet:     p.Wallet,
		Password:   password,
		Account:    p.Account,
		Index:      p.Index,
	})
}

func (d *Dispatcher) importAccount(raw json.RawMessage) (any, error) {
	var p struct {
		Chain  string `json:"chain"`
		Secret string `json:"secret"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	c, err := parseChain(p.Chain)
	if err != nil {
		return nil, err
	}
	if p.Secret == "" {
		return nil, fmt.Errorf("%w: secret required", chain.ErrValidation)
	}
	return d.engine.ImportAccount(c, p.Secret)
}

// ── Challenges ──────────────────────────────────────────────────────────

func (d *Dispatcher) createChallenge(raw json.RawMessage) (any, error) {
	var p challenge.Signer
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	return d.engine.Challenges().Create(p)
}

func (d *Dispatcher) verifyChallenge(raw json.RawMessage) (any, error) {
	var p struct {
		Nonce     string         `json:"nonce"`
		Signature chain.HexBytes `json:"signature"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	s := d.engine.VerifyChallenge(p.Nonce, p.Signature)
	return struct {
		Status challenge.Status `json:"status"`
		Valid  bool             `json:"valid"`
	}{s, s == challenge.Valid}, nil
}

// ── Secure memory ───────────────────────────────────────────────────────

func (d *Dispatcher) secureCompare(raw json.RawMessage) (any, error) {
	var p struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"equal": secmem.CompareString(p.A, p.B)}, nil
}

func (d *Dispatcher) redact(raw json.RawMessage) (any, error) {
	var p struct {
		Data string `json:"data"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	return map[string]string{"redacted": secmem.Redact(p.Data)}, nil
}

// ── Snapshots ───────────────────────────────────────────────────────────

func (d *Dispatcher) exportSnapshot(raw json.RawMessage) (any, error) {
	if err := params(raw, &struct{}{}); err != nil {
		return nil, err
	}
	b, err := d.engine.ExportSnapshot()
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{"snapshot": b}, nil
}

func (d *Dispatcher) importSnapshot(raw json.RawMessage) (any, error) {
	var p struct {
		Snapshot json.RawMessage `json:"snapshot"`
	}
	if err := params(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Snapshot) == 0 {
		return nil, fmt.Errorf("%w: snapshot required", chain.ErrValidation)
	}
	if err := d.engine.ImportSnapshot(p.Snapshot); err != nil {
		return nil, err
	}
	return map[string]bool{"imported": true}, nil
}
