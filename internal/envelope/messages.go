// Package envelope defines the {type,id,data} message wrapper and its
// validation rules.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type tags an Envelope as a request or a response.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
)

// Valid reports whether t is one of the recognized envelope types.
func (t Type) Valid() bool {
	return t == TypeRequest || t == TypeResponse
}

// Envelope is the {type,id,data} wrapper around every message on the wire.
// The id is chosen by whoever initiates an exchange and echoed unchanged by
// the responder.
type Envelope struct {
	Type Type            `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// NewRequest builds a request envelope, marshaling data.
func NewRequest(id string, data any) (*Envelope, error) {
	return build(TypeRequest, id, data)
}

// NewResponse builds a response envelope, marshaling data.
func NewResponse(id string, data any) (*Envelope, error) {
	return build(TypeResponse, id, data)
}

func build(t Type, id string, data any) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, ID: id, Data: raw}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if v == nil {
			return json.RawMessage("null"), nil
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("data is not valid JSON")
		}
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return b, nil
}

// Serialize encodes e as JSON.
func Serialize(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("invalid envelope type %q", e.Type)
	}
	out := *e
	if len(out.Data) == 0 {
		out.Data = json.RawMessage("null")
	}
	return json.Marshal(&out)
}

// Parse decodes b into an Envelope. Payloads that are not JSON at all yield
// ErrInvalidJSON; JSON that does not have the envelope shape yields a
// *MalformedError carrying whatever id and type could be recovered.
func Parse(b []byte) (*Envelope, error) {
	if !json.Valid(b) {
		return nil, ErrInvalidJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, &MalformedError{Reason: "envelope must be a JSON object"}
	}

	me := &MalformedError{}

	rawID, hasID := fields["id"]
	if hasID {
		var id string
		if err := json.Unmarshal(rawID, &id); err == nil && !isNull(rawID) {
			me.ID = id
			me.HasID = true
		}
	}
	if rawType, ok := fields["type"]; ok {
		var t string
		if err := json.Unmarshal(rawType, &t); err == nil {
			me.Type = Type(t)
		}
	}

	switch {
	case !hasID:
		me.Reason = "missing id"
	case !me.HasID:
		me.Reason = "id must be a string"
	case me.Type == "":
		me.Reason = "missing type"
	case !me.Type.Valid():
		me.Reason = fmt.Sprintf("unrecognized type %q", me.Type)
	}
	if me.Reason == "" {
		if _, ok := fields["data"]; !ok {
			me.Reason = "missing data"
		}
	}
	if me.Reason != "" {
		return nil, me
	}

	return &Envelope{Type: me.Type, ID: me.ID, Data: fields["data"]}, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
