package dispatch

import (
	"errors"

	"github.com/Klingon-tech/klingvault/internal/challenge"
	"github.com/Klingon-tech/klingvault/internal/engine"
	"github.com/Klingon-tech/klingvault/internal/keys"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Code classifies a failed operation.
type Code string

// Error codes.
const (
	CodeValidation           Code = "ValidationError"
	CodeInsufficientFunds    Code = "InsufficientFunds"
	CodeInvalidAddress       Code = "InvalidAddress"
	CodeFeeTooLow            Code = "FeeTooLow"
	CodeInvalidFeeParameters Code = "InvalidFeeParameters"
	CodePolicyDenied         Code = "PolicyDenied"
	CodeThreatBlocked        Code = "ThreatBlocked"
	CodeKeyState             Code = "KeyStateError"
	CodeChallenge            Code = "ChallengeError"
	CodeUnsupported          Code = "UnsupportedOperation"
	CodeInternal             Code = "InternalError"
)

// Error is the boundary form of every failure.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// sentinel maps wrapped errors to codes. Order matters: a checksum failure
// is also an invalid address, and must be reported as a validation error.
var sentinel = []struct {
	err  error
	code Code
}{
	{chain.ErrInvalidChecksum, CodeValidation},
	{engine.ErrSnapshotChecksum, CodeValidation},
	{chain.ErrInvalidAddress, CodeInvalidAddress},
	{chain.ErrInsufficientFunds, CodeInsufficientFunds},
	{chain.ErrFeeTooLow, CodeFeeTooLow},
	{chain.ErrInvalidFeeParameters, CodeInvalidFeeParameters},
	{chain.ErrFeeEstimationFailed, CodeInternal},
	{chain.ErrUnsupportedOperation, CodeUnsupported},
	{rotation.ErrKeyNotFound, CodeKeyState},
	{rotation.ErrKeyExists, CodeKeyState},
	{rotation.ErrKeyNotActive, CodeKeyState},
	{rotation.ErrInvalidTransition, CodeKeyState},
	{challenge.ErrTooManyPending, CodeChallenge},
	{chain.ErrDustOutput, CodeValidation},
	{keys.ErrInvalidMnemonic, CodeValidation},
	{keys.ErrInvalidPath, CodeValidation},
	{keys.ErrWrongPassword, CodeValidation},
	{keys.ErrWalletNotFound, CodeValidation},
	{keys.ErrWalletExists, CodeValidation},
	{chain.ErrValidation, CodeValidation},
}

// toError converts an engine error into its boundary form. Errors with no
// known classification become InternalError with a generic message.
func toError(err error) *Error {
	var (
		be      *Error
		denied  *engine.PolicyDeniedError
		blocked *engine.ThreatBlockedError
	)
	switch {
	case errors.As(err, &be):
		return be
	case errors.As(err, &denied):
		return &Error{Code: CodePolicyDenied, Message: err.Error()}
	case errors.As(err, &blocked):
		return &Error{Code: CodeThreatBlocked, Message: err.Error()}
	}
	for _, s := range sentinel {
		if errors.Is(err, s.err) {
			return &Error{Code: s.code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
