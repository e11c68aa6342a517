package protocol

import "encoding/json"

// Frame kinds on the WebSocket wire.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client→server RPC call.
type RequestFrame struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame with the same ID.
type ResponseFrame struct {
	Kind   string      `json:"kind"`
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries a machine-readable code plus a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server→client push on a topic. For session streams the
// topic is "session:<id>"; global broadcasts use topic "global".
type EventFrame struct {
	Kind    string      `json:"kind"`
	Topic   string      `json:"topic"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame for a topic.
func NewEvent(topic, typ string, payload interface{}) *EventFrame {
	return &EventFrame{Kind: FrameEvent, Topic: topic, Type: typ, Payload: payload}
}

// OKResponse builds a success response for a request ID.
func OKResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{Kind: FrameResponse, ID: id, OK: true, Result: result}
}

// ErrResponse builds an error response for a request ID.
func ErrResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Kind: FrameResponse, ID: id, OK: false, Error: &ErrorBody{Code: code, Message: message}}
}
