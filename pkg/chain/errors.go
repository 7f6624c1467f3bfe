package chain

import "errors"

// Adapter errors. Callers match them with errors.Is; adapters wrap them
// with fmt.Errorf("%w: ...") to add detail.
var (
	ErrValidation           = errors.New("validation error")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidChecksum      = errors.New("invalid checksum")
	ErrFeeTooLow            = errors.New("fee too low")
	ErrInvalidFeeParameters = errors.New("invalid fee parameters")
	ErrFeeEstimationFailed  = errors.New("fee estimation failed")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrDustOutput           = errors.New("output below dust threshold")
)
