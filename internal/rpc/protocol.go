package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONRPCVersion is the protocol version stamped on every frame.
const JSONRPCVersion = "2.0"

// DefaultRequestTimeout 是单个请求的默认超时 / DefaultRequestTimeout is the
// default per-request timeout when the caller passes zero.
const DefaultRequestTimeout = 60 * time.Second

// Request 表示一个出站请求或通知帧 / Request is an outbound request or
// notification frame. Notifications carry no ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response 表示一个出站响应帧 / Response is an outbound response frame,
// answering a request the agent sent to us.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// frame is the inbound wire shape before classification. A frame with a
// method is a request (with id) or notification (without); a frame without
// a method is a response to one of our requests.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error 是 JSON-RPC 错误对象 / Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used for replies we synthesize.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)
