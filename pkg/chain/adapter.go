package chain

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// Adapter builds and signs transactions for one chain. Implementations own
// their serialization and signing-hash algorithm and share no mutable state.
type Adapter interface {
	Chain() Chain
	Capabilities() Capabilities
	DecodeAddress(addr string) (*Address, error)
	AddressFromPublicKey(pub []byte) (string, error)
	EstimateFee(req *BuildRequest) (*uint256.Int, error)
	Build(req *BuildRequest) (*Draft, error)
	Sign(d *Draft, key *SigningKey) (*SignedTransaction, error)
}

// Registry maps each chain to its adapter. It is filled at startup and
// read-only afterwards.
type Registry struct {
	adapters map[Chain]Adapter
}

// NewRegistry creates a registry holding the given adapters. A later
// adapter for the same chain replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Chain]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Chain()] = a
	}
	return r
}

// Get returns the adapter for c.
func (r *Registry) Get(c Chain) (Adapter, error) {
	a, ok := r.adapters[c]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for chain %q", ErrUnsupportedOperation, c)
	}
	return a, nil
}

// Chains returns the registered chains, sorted by name.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateOutputs checks the shape shared by every family: at least one
// output, each with an address and a positive amount.
func ValidateOutputs(outputs []Output) error {
	if len(outputs) == 0 {
		return fmt.Errorf("%w: at least one output required", ErrValidation)
	}
	for i, o := range outputs {
		if o.Address == "" {
			return fmt.Errorf("%w: output %d has no address", ErrValidation, i)
		}
		if o.Amount == nil || o.Amount.IsZero() {
			return fmt.Errorf("%w: output %d amount must be positive", ErrValidation, i)
		}
	}
	return nil
}
