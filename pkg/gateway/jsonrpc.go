package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC error codes surfaced by the gateway. Payloads are otherwise
// treated as opaque; only method names, ids, and session ids are inspected.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternal       = -32603
	codeServerBusy     = -32000
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is the gateway's view of one JSON-RPC 2.0 message. Params and
// Result are kept raw and passed through unmodified.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func parseMessage(data []byte) (*rpcMessage, error) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	return &msg, nil
}

// isNotification reports whether the message carries no id and therefore
// expects no response.
func (m *rpcMessage) isNotification() bool {
	return len(m.ID) == 0 || bytes.Equal(m.ID, []byte("null"))
}

func resultMessage(id json.RawMessage, result any) *rpcMessage {
	encoded, err := json.Marshal(result)
	if err != nil {
		return errorMessage(id, codeInternal, fmt.Sprintf("encode result: %v", err))
	}
	return &rpcMessage{JSONRPC: "2.0", ID: id, Result: encoded}
}

func errorMessage(id json.RawMessage, code int, message string) *rpcMessage {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &rpcMessage{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func notificationMessage(method string, params any) *rpcMessage {
	msg := &rpcMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		if encoded, err := json.Marshal(params); err == nil {
			msg.Params = encoded
		}
	}
	return msg
}
