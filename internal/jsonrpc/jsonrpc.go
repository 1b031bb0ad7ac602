// Package jsonrpc implements the JSON-RPC 2.0 message types and the
// newline-delimited codec used on both sides of the proxy: toward agent
// clients (stdio or HTTP) and toward upstream capability servers.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"io"
)

// Version is the protocol version string carried in every message.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Proxy-specific error codes in the implementation-defined range.
const (
	CodeUpstreamTimeout = -32001
	CodeUpstreamDown    = -32002
	CodeRateLimited     = -32029
	CodePolicyDenied    = -32030
)

// Message is a JSON-RPC 2.0 request, notification, or response. A request
// has Method and a non-nil ID; a notification has Method and a nil ID; a
// response has a non-nil ID and either Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ID is a JSON-RPC request id. The wire format permits numbers and strings;
// the raw form is preserved so responses echo exactly what the client sent.
type ID struct {
	raw json.RawMessage
}

// NewID builds an integer id.
func NewID(n int64) *ID {
	return &ID{raw: json.RawMessage(fmt.Sprintf("%d", n))}
}

// NewStringID builds a string id.
func NewStringID(s string) *ID {
	b, _ := json.Marshal(s)
	return &ID{raw: b}
}

// String returns the canonical textual form of the id, usable as a map key.
func (id *ID) String() string {
	if id == nil {
		return ""
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == nil {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		id.raw = nil
		return nil
	}
	id.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// NewRequest builds a request message. Params may be nil.
func NewRequest(id *ID, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a success response carrying the given result.
func NewResponse(id *ID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response. A nil id becomes an explicit
// null id on the wire, as required for responses to unparseable or
// id-less requests.
func NewErrorResponse(id *ID, code int, message string) *Message {
	if id == nil {
		id = &ID{}
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Decode parses a single line into a Message. The jsonrpc field is not
// strictly validated; some upstream servers omit it on notifications.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// WriteMessage encodes msg as a single line terminated by '\n'. The caller
// is responsible for serializing concurrent writers so lines never
// interleave.
func WriteMessage(w io.Writer, msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
