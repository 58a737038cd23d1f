// Package jsonrpc implements the line-oriented JSON-RPC 1.0-style message
// framer used between the server and its clients (component B).
//
// A Framer multiplexes a bidirectional queue of typed messages
// (request, reply, notification, error) atop a single stream. Sending is
// non-blocking and buffers into an unbounded outbound queue; receiving
// returns the next fully framed message or reports that none is ready
// without blocking the caller.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a decoded Message into one of the four wire shapes.
type Kind int

const (
	// KindUnknown is returned for a message that cannot be classified —
	// the caller should treat this as a protocol error.
	KindUnknown Kind = iota

	// KindRequest carries a method, params, and an id expecting a reply.
	KindRequest

	// KindNotify carries a method and params but no id.
	KindNotify

	// KindReply carries a result and the id of the request it answers.
	KindReply

	// KindError carries an error body and the id of the request it answers.
	KindError
)

// String returns a human-readable name for the Kind, used in log fields.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotify:
		return "notify"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrUnclassified is returned by decodeMessage when a decoded wireMessage
// matches none of the four valid shapes (§4.G: "protocol error",
// force-reconnect), and by encode for a Message of KindUnknown.
var ErrUnclassified = errors.New("jsonrpc: unclassified message")

// Message is the framer's in-memory representation of one JSON-RPC message,
// decoded from or destined for the wire.
type Message struct {
	Kind   Kind
	ID     json.RawMessage // opaque scalar or array; nil for notifications
	Method string          // set for KindRequest / KindNotify
	Params []any           // set for KindRequest / KindNotify
	Result any             // set for KindReply
	Error  any             // set for KindError; typically a string
}

// wireMessage is the literal on-the-wire JSON object shape.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method,omitempty"`
	Params []any           `json:"params,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  any             `json:"error,omitempty"`
}

// isNullOrAbsent reports whether a raw JSON id value is absent or the
// literal JSON null.
func isNullOrAbsent(id json.RawMessage) bool {
	return len(id) == 0 || string(id) == "null"
}

// classify derives a Message's Kind from the raw wire fields, per §4.B and
// §4.G's dispatch tables. Requests and notifications carry a method;
// replies and errors carry an id and exactly one of result/error.
func classify(w wireMessage) Kind {
	switch {
	case w.Method != nil && !isNullOrAbsent(w.ID):
		return KindRequest
	case w.Method != nil && isNullOrAbsent(w.ID):
		return KindNotify
	case w.Method == nil && !isNullOrAbsent(w.ID) && w.Error != nil:
		return KindError
	case w.Method == nil && !isNullOrAbsent(w.ID):
		// Neither method nor error: a reply, even one carrying a null or
		// empty result (§4.F monitor_cancel replies with an empty object).
		return KindReply
	default:
		return KindUnknown
	}
}

// decodeMessage converts a wireMessage into a Message, classifying it.
// Returns ErrUnclassified for a message matching none of the four shapes.
func decodeMessage(w wireMessage) (Message, error) {
	m := Message{
		ID:     w.ID,
		Params: w.Params,
		Result: w.Result,
		Error:  w.Error,
	}
	if w.Method != nil {
		m.Method = *w.Method
	}
	m.Kind = classify(w)
	if m.Kind == KindUnknown {
		return Message{}, fmt.Errorf("%w: id=%s method=%v", ErrUnclassified, w.ID, w.Method)
	}
	return m, nil
}

// encode renders a Message into its wire JSON form.
func encode(m Message) ([]byte, error) {
	w := wireMessage{ID: m.ID}
	switch m.Kind {
	case KindRequest, KindNotify:
		method := m.Method
		w.Method = &method
		w.Params = m.Params
		if m.Params == nil {
			w.Params = []any{}
		}
	case KindReply:
		w.Result = m.Result
		if w.Result == nil {
			w.Result = map[string]any{}
		}
	case KindError:
		w.Error = m.Error
	default:
		return nil, fmt.Errorf("jsonrpc: encode: %w", ErrUnclassified)
	}
	return json.Marshal(w)
}

// NewRequest builds a KindRequest Message.
func NewRequest(id json.RawMessage, method string, params []any) Message {
	return Message{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// NewNotify builds a KindNotify Message.
func NewNotify(method string, params []any) Message {
	return Message{Kind: KindNotify, Method: method, Params: params}
}

// NewReply builds a KindReply Message answering the given request id.
func NewReply(id json.RawMessage, result any) Message {
	return Message{Kind: KindReply, ID: id, Result: result}
}

// NewError builds a KindError Message answering the given request id.
func NewError(id json.RawMessage, errBody any) Message {
	return Message{Kind: KindError, ID: id, Error: errBody}
}
