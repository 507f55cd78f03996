// Package protocol defines the gateway wire protocol: the three frame
// kinds exchanged over the WebSocket transport, the handshake payloads,
// and the shared error types.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminants
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is the interface for all wire frames
type Frame interface {
	frame() // marker method
}

// Request is a client- or server-initiated method call
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) frame() {}

// Response answers a Request, correlated by ID
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

func (*Response) frame() {}

// Event is an unsolicited server push
type Event struct {
	Type         string          `json:"type"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion *int64          `json:"stateVersion,omitempty"`
}

func (*Event) frame() {}

// ErrorInfo carries a structured error in a Response
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MalformedFrameError is returned by Decode for frames that cannot be
// interpreted: invalid JSON, missing discriminant, or missing required
// fields for the declared kind.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}

// NewRequest builds a request frame with the discriminant set
func NewRequest(id, method string, params json.RawMessage) *Request {
	return &Request{Type: TypeRequest, ID: id, Method: method, Params: params}
}

// NewResponse builds a successful response frame
func NewResponse(id string, payload json.RawMessage) *Response {
	return &Response{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame
func NewErrorResponse(id, code, message string) *Response {
	return &Response{Type: TypeResponse, ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// NewEvent builds an event frame
func NewEvent(event string, payload json.RawMessage) *Event {
	return &Event{Type: TypeEvent, Event: event, Payload: payload}
}

// Encode serializes a frame to its JSON wire form
func Encode(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case *Request:
		if fr.ID == "" {
			return nil, &MalformedFrameError{Reason: "request missing id"}
		}
		if fr.Method == "" {
			return nil, &MalformedFrameError{Reason: "request missing method"}
		}
	case *Response:
		if fr.ID == "" {
			return nil, &MalformedFrameError{Reason: "response missing id"}
		}
	case *Event:
		if fr.Event == "" {
			return nil, &MalformedFrameError{Reason: "event missing event name"}
		}
	default:
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("unknown frame %T", f)}
	}
	return json.Marshal(f)
}

// frameHead probes the discriminant before full decoding
type frameHead struct {
	Type string `json:"type"`
}

// Decode parses a JSON wire frame into its concrete kind.
// Frames missing the type discriminant or the required fields for their
// kind are rejected with a MalformedFrameError.
func Decode(data []byte) (Frame, error) {
	var head frameHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &MalformedFrameError{Reason: "invalid json: " + err.Error()}
	}

	switch head.Type {
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &MalformedFrameError{Reason: "bad request frame: " + err.Error()}
		}
		if req.ID == "" {
			return nil, &MalformedFrameError{Reason: "request missing id"}
		}
		if req.Method == "" {
			return nil, &MalformedFrameError{Reason: "request missing method"}
		}
		return &req, nil

	case TypeResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, &MalformedFrameError{Reason: "bad response frame: " + err.Error()}
		}
		if res.ID == "" {
			return nil, &MalformedFrameError{Reason: "response missing id"}
		}
		return &res, nil

	case TypeEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &MalformedFrameError{Reason: "bad event frame: " + err.Error()}
		}
		if ev.Event == "" {
			return nil, &MalformedFrameError{Reason: "event missing event name"}
		}
		return &ev, nil

	case "":
		return nil, &MalformedFrameError{Reason: "missing type discriminant"}

	default:
		return nil, &MalformedFrameError{Reason: "unknown frame type: " + head.Type}
	}
}
