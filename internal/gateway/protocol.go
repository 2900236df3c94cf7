package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC style error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32000
)

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func rpcErr(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Request is one inbound frame.
type Request struct {
	Method string
	Params map[string]any
	ID     json.RawMessage

	paramsErr *RPCError
}

// Response always echoes the request id (null when absent or unparseable).
type Response struct {
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	ID     json.RawMessage `json:"id"`
}

// Event is a server-pushed frame. It carries no id.
type Event struct {
	Event  string `json:"event"`
	Params any    `json:"params"`
}

// parseRequest validates the frame shape. Method lookup happens later, so
// unknown methods are not an error here; params are validated after the
// method resolves.
func parseRequest(raw []byte) (Request, json.RawMessage, *RPCError) {
	if !json.Valid(raw) {
		return Request{}, nil, rpcErr(CodeParseError, "parse error")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Request{}, nil, rpcErr(CodeInvalidRequest, "request must be a JSON object")
	}

	var req Request
	if id, ok := fields["id"]; ok && !isNull(id) {
		switch id[0] {
		case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			req.ID = id
		default:
			return Request{}, nil, rpcErr(CodeInvalidRequest, "id must be a number, string or null")
		}
	}

	m, ok := fields["method"]
	if !ok || json.Unmarshal(m, &req.Method) != nil || req.Method == "" {
		return Request{}, req.ID, rpcErr(CodeInvalidRequest, "method must be a non-empty string")
	}

	if p, ok := fields["params"]; ok && !isNull(p) {
		if json.Unmarshal(p, &req.Params) != nil {
			// reported once the method is known
			req.Params = nil
			req.paramsErr = rpcErr(CodeInvalidParams, "params must be an object")
		}
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return req, req.ID, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func stringParam(params map[string]any, name string) (string, bool) {
	v, ok := params[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// optString returns a string param or "" when absent; a non-string value
// is an error.
func optString(params map[string]any, name string) (string, *RPCError) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", rpcErr(CodeInvalidParams, "%s must be a string", name)
	}
	return s, nil
}

// optInt returns a non-negative integer param or 0 when absent.
func optInt(params map[string]any, name string) (int, *RPCError) {
	v, ok := params[name]
	if !ok || v == nil {
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f != float64(int(f)) {
		return 0, rpcErr(CodeInvalidParams, "%s must be a non-negative integer", name)
	}
	return int(f), nil
}
