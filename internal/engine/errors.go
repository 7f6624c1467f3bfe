package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/threat"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Draft errors. All wrap chain.ErrValidation.
var (
	ErrDraftNotFound = fmt.Errorf("%w: draft not found", chain.ErrValidation)
	ErrDraftExpired  = fmt.Errorf("%w: draft expired", chain.ErrValidation)
	ErrDraftBusy     = fmt.Errorf("%w: draft is being signed", chain.ErrValidation)
	ErrReserved      = fmt.Errorf("%w: inputs reserved by another draft", chain.ErrValidation)
	ErrKeyMismatch   = fmt.Errorf("%w: secret does not match the signing key", chain.ErrValidation)
)

// ErrSnapshotChecksum is returned when a snapshot fails integrity checks.
var ErrSnapshotChecksum = errors.New("snapshot checksum mismatch")

// PolicyDeniedError reports a spend refused by the policy engine.
type PolicyDeniedError struct {
	Decision policy.Decision
}

func (e *PolicyDeniedError) Error() string {
	if e.Decision.Detail != "" {
		return fmt.Sprintf("policy denied: %s (%s)", e.Decision.Reason, e.Decision.Detail)
	}
	return fmt.Sprintf("policy denied: %s", e.Decision.Reason)
}

// ThreatBlockedError reports a recipient assessed as Critical.
type ThreatBlockedError struct {
	Assessment threat.Assessment
}

func (e *ThreatBlockedError) Error() string {
	kinds := make([]string, 0, len(e.Assessment.Reasons))
	for _, r := range e.Assessment.Reasons {
		if r.Level >= threat.High {
			kinds = append(kinds, r.Kind)
		}
	}
	return fmt.Sprintf("recipient %s blocked: %s risk (%s)",
		e.Assessment.Address, e.Assessment.Level, strings.Join(kinds, ", "))
}
