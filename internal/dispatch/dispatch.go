// Package dispatch is the single entry point to the engine. Requests are
// JSON objects {"op", "params"}; responses are {"success", "data", "error"}
// with errors reduced to a {code, message} pair.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingvault/internal/engine"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Request is the envelope accepted by Dispatch.
type Request struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope returned by Dispatch.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type handler func(d *Dispatcher, params json.RawMessage) (any, error)

var handlers = map[string]handler{
	"buildTransaction":   (*Dispatcher).buildTransaction,
	"signTransaction":    (*Dispatcher).signTransaction,
	"releaseDraft":       (*Dispatcher).releaseDraft,
	"estimateFee":        (*Dispatcher).estimateFee,
	"decodeAddress":      (*Dispatcher).decodeAddress,
	"chainCapabilities":  (*Dispatcher).chainCapabilities,
	"assessThreat":       (*Dispatcher).assessThreat,
	"blacklistAddress":   (*Dispatcher).blacklistAddress,
	"whitelistAddress":   (*Dispatcher).whitelistAddress,
	"setSpendingLimits":  (*Dispatcher).setSpendingLimits,
	"checkPolicy":        (*Dispatcher).checkPolicy,
	"setLockdown":        (*Dispatcher).setLockdown,
	"registerKey":        (*Dispatcher).registerKey,
	"checkKeyRotation":   (*Dispatcher).checkKeyRotation,
	"applyKeyRotation":   (*Dispatcher).applyKeyRotation,
	"markKeyCompromised": (*Dispatcher).markKeyCompromised,
	"deriveAccount":      (*Dispatcher).deriveAccount,
	"importAccount":      (*Dispatcher).importAccount,
	"createChallenge":    (*Dispatcher).createChallenge,
	"verifyChallenge":    (*Dispatcher).verifyChallenge,
	"secureCompare":      (*Dispatcher).secureCompare,
	"redact":             (*Dispatcher).redact,
	"exportSnapshot":     (*Dispatcher).exportSnapshot,
	"importSnapshot":     (*Dispatcher).importSnapshot,
}

// Ops returns the supported operation names, sorted.
func Ops() []string {
	out := make([]string, 0, len(handlers))
	for op := range handlers {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Known reports whether op is a supported operation.
func Known(op string) bool {
	_, ok := handlers[op]
	return ok
}

// Dispatcher routes requests to the engine.
type Dispatcher struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// New creates a dispatcher over e.
func New(e *engine.Engine) *Dispatcher {
	return &Dispatcher{engine: e, logger: klog.WithComponent("dispatch")}
}

// Engine returns the engine behind the dispatcher.
func (d *Dispatcher) Engine() *engine.Engine { return d.engine }

// Dispatch decodes a request envelope, runs it and encodes the response.
// It never fails: every problem is reported inside the response.
func (d *Dispatcher) Dispatch(payload []byte) []byte {
	var req Request
	if err := decodeStrict(payload, &req); err != nil {
		return encode(Response{Error: &Error{Code: CodeValidation, Message: "invalid request: " + err.Error()}})
	}
	data, rerr := d.Call(req.Op, req.Params)
	if rerr != nil {
		return encode(Response{Error: rerr})
	}
	return encode(Response{Success: true, Data: data})
}

// Call runs one operation. A panic inside the handler is recovered and
// reported as InternalError.
func (d *Dispatcher) Call(op string, params json.RawMessage) (data any, rerr *Error) {
	start := time.Now()
	label := op
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("op", op).Interface("panic", r).Msg("Handler panicked")
			data, rerr = nil, &Error{Code: CodeInternal, Message: "internal error"}
		}
		code := "ok"
		if rerr != nil {
			code = string(rerr.Code)
		}
		d.engine.Metrics().Request(label, code, time.Since(start))
	}()

	h, ok := handlers[op]
	if !ok {
		label = "unknown"
		return nil, &Error{Code: CodeValidation, Message: fmt.Sprintf("unknown operation %q", op)}
	}
	out, err := h(d, params)
	if err != nil {
		rerr = toError(err)
		if rerr.Code == CodeInternal {
			d.logger.Error().Err(err).Str("op", op).Msg("Operation failed")
		} else {
			d.logger.Debug().Str("op", op).Str("code", string(rerr.Code)).Msg("Operation rejected")
		}
		return nil, rerr
	}
	return out, nil
}

// decodeStrict decodes a single JSON value, rejecting unknown fields and
// trailing data. Empty input decodes as an empty object.
func decodeStrict(b []byte, v any) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		b = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// params decodes the params of an operation.
func params(raw json.RawMessage, v any) error {
	if err := decodeStrict(raw, v); err != nil {
		return fmt.Errorf("%w: invalid params: %v", chain.ErrValidation, err)
	}
	return nil
}

func encode(r Response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Response{Error: &Error{Code: CodeInternal, Message: "failed to encode response"}})
	}
	return b
}
