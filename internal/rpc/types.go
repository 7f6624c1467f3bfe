package rpc

import (
	"encoding/json"

	"github.com/Klingon-tech/klingvault/internal/dispatch"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Domain errors, one per dispatcher code.
	CodePolicyDenied         = -32001
	CodeThreatBlocked        = -32002
	CodeKeyState             = -32003
	CodeChallenge            = -32004
	CodeUnsupported          = -32005
	CodeInsufficientFunds    = -32010
	CodeInvalidAddress       = -32011
	CodeFeeTooLow            = -32012
	CodeInvalidFeeParameters = -32013

	// CodeRateLimited is returned when a client exceeds its request budget.
	CodeRateLimited = -32029
)

// MethodList is the meta method returning every routable method name.
const MethodList = "rpc_methods"

// Request is a JSON-RPC 2.0 request. Params are passed to the dispatcher
// as-is and must be a JSON object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// ErrorData carries the dispatcher error code.
type ErrorData struct {
	Code dispatch.Code `json:"code"`
}

var rpcCodes = map[dispatch.Code]int{
	dispatch.CodeValidation:           CodeInvalidParams,
	dispatch.CodeInsufficientFunds:    CodeInsufficientFunds,
	dispatch.CodeInvalidAddress:       CodeInvalidAddress,
	dispatch.CodeFeeTooLow:            CodeFeeTooLow,
	dispatch.CodeInvalidFeeParameters: CodeInvalidFeeParameters,
	dispatch.CodePolicyDenied:         CodePolicyDenied,
	dispatch.CodeThreatBlocked:        CodeThreatBlocked,
	dispatch.CodeKeyState:             CodeKeyState,
	dispatch.CodeChallenge:            CodeChallenge,
	dispatch.CodeUnsupported:          CodeUnsupported,
	dispatch.CodeInternal:             CodeInternalError,
}

// fromDispatch converts a dispatcher error into a JSON-RPC error.
func fromDispatch(e *dispatch.Error) *Error {
	code, ok := rpcCodes[e.Code]
	if !ok {
		code = CodeInternalError
	}
	return &Error{Code: code, Message: e.Message, Data: &ErrorData{Code: e.Code}}
}
