package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies RPC failures by how callers should react.
type ErrorKind string

const (
	// ErrKindRateLimited - the node asked us to back off (HTTP 429)
	ErrKindRateLimited ErrorKind = "rate_limited"
	// ErrKindTransient - network faults and 5xx, safe to retry
	ErrKindTransient ErrorKind = "transient"
	// ErrKindFatal - the request itself is wrong, retrying cannot help
	ErrKindFatal ErrorKind = "fatal"
)

// Error is the typed error returned by the client.
type Error struct {
	Kind    ErrorKind
	Method  string
	Code    int // HTTP status or JSON-RPC error code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s (%s, code %d)", e.Method, e.Message, e.Kind, e.Code)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Kind == ErrKindRateLimited
}

// IsTransient reports whether err is a retryable IO failure.
func IsTransient(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Kind == ErrKindTransient
}

// IsFatal reports whether err is a non-retryable failure.
func IsFatal(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Kind == ErrKindFatal
}

// request is the JSON-RPC 2.0 request envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is the JSON-RPC 2.0 response envelope.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// codeNodeUnhealthy is returned by nodes that are behind; it is the one
// JSON-RPC application error worth retrying.
const codeNodeUnhealthy = -32005
