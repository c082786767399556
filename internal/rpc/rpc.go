// Package rpc holds the JSON-RPC 2.0 envelope types used by the
// WebSocket surface, and the method-name <-> endpoint-path convention
// that lets one invocation primitive serve both the REST and JSON-RPC
// adapters.
//
package rpc

import (
	"encoding/json"
	"errors"
	"strings"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error matches the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Notification is a server->client message without an ID. Params is
// always a single-element array per the protocol baseline (spec.md
// §4.5).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

func NewNotification(method string, param interface{}) Notification {
	return Notification{JSONRPC: "2.0", Method: method, Params: [1]interface{}{param}}
}

// ParseRequest decodes raw JSON into Request with basic validation.
// Positional (array) params are rejected by the caller via
// ParamsObject, not here, since the JSON-RPC error for that case
// (-32602) differs from a malformed-envelope error (-32700).
func ParseRequest(raw []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.JSONRPC != "2.0" {
		return nil, errors.New("unsupported jsonrpc version")
	}
	if r.Method == "" {
		return nil, errors.New("method required")
	}
	return &r, nil
}

// ParamsObject decodes Params as a JSON object (map), rejecting
// positional (array) params per spec.md §4.7.
func ParamsObject(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return nil, errors.New("positional params not supported")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EndpointForMethod maps a JSON-RPC method name to an HTTP-shaped
// endpoint per the gateway's "get_X_Y_Z" / "post_X_Y_Z" convention:
// get_printer_info -> (GET, /printer/info).
func EndpointForMethod(method string) (httpMethod, path string, ok bool) {
	var verb string
	switch {
	case strings.HasPrefix(method, "get_"):
		verb = "GET"
		method = strings.TrimPrefix(method, "get_")
	case strings.HasPrefix(method, "post_"):
		verb = "POST"
		method = strings.TrimPrefix(method, "post_")
	case strings.HasPrefix(method, "delete_"):
		verb = "DELETE"
		method = strings.TrimPrefix(method, "delete_")
	default:
		return "", "", false
	}
	if method == "" {
		return "", "", false
	}
	return verb, "/" + strings.ReplaceAll(method, "_", "/"), true
}
