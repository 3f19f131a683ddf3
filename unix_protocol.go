// unix_protocol.go: Wire format of the Unix socket transport
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import "encoding/json"

// Message types understood by the Unix socket server.
const (
	MessageCall  = "call"
	MessagePing  = "ping"
	MessageInfo  = "info"
	MessageWatch = "watch"
)

// Rejection codes carried in UnixResponse.Code.
const (
	ResponseCodeRateLimited      = "RATE_LIMITED"
	ResponseCodeShuttingDown     = "SHUTTING_DOWN"
	ResponseCodeUnknownOperation = "UNKNOWN_OPERATION"
	ResponseCodeBadRequest       = "BAD_REQUEST"
	ResponseCodeCallFailed       = "CALL_FAILED"
)

// UnixMessage is one newline-delimited JSON request.
//
// Example call:
//
//	{"type":"call","request_id":"4f0c...","data":{"operation":"add","a":3,"b":4},"timeout_ms":5000}
//
// A "watch" message is answered once and the connection is then held open
// until the server stops; its EOF tells the client the service died.
type UnixMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timeout   int64           `json:"timeout_ms,omitempty"`
}

// UnixResponse answers a UnixMessage with the same request id.
//
// Example responses:
//
//	{"type":"call","request_id":"4f0c...","success":true,"data":{"value":7}}
//	{"type":"call","request_id":"4f0c...","success":false,"code":"RATE_LIMITED","error":"rate limit exceeded"}
type UnixResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// callPayload is the data of a "call" message.
type callPayload struct {
	Operation string `json:"operation"`
	A         int32  `json:"a"`
	B         int32  `json:"b"`
}

// valuePayload is the data of a successful "call" response.
type valuePayload struct {
	Value int32 `json:"value"`
}
