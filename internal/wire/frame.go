// Package wire implements the framed bidirectional request/response/event
// transport that carries every mesh control-plane message. It generalizes
// the teacher's DHT WebSocket transport (internal/dht/transport.go) from a
// single Kademlia message envelope to the three-shape frame required here.
package wire

import (
	"encoding/json"

	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

// MaxFrameBytes is the maximum size of a single wire frame.
const MaxFrameBytes = 10 << 20 // 10 MiB

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is the wire encoding for all three message shapes:
//
//	Request:  {"type":"req","id":"<uuid>","method":"<name>","params":<object>}
//	Response: {"type":"res","id":"<uuid>","ok":<bool>,"payload":<any?>,"error":{...}?}
//	Event:    {"type":"event","event":"<name>","payload":<any>}
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireerr.Error  `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponseOK builds a successful response frame for the given request id.
func NewResponseOK(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewResponseError builds a failed response frame for the given request id.
func NewResponseError(id string, wireErr *wireerr.Error) Frame {
	ok := false
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Error: wireErr}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeEvent, Event: event, Payload: raw}, nil
}

// Succeeded reports whether a response frame indicates success.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}
