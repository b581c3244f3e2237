package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJSON indicates a frame payload that is not JSON. The stream
	// can no longer be trusted once this happens.
	ErrInvalidJSON = errors.New("envelope: payload is not valid JSON")
	// ErrMalformed indicates JSON that does not have the envelope shape.
	ErrMalformed = errors.New("envelope: malformed")
)

// MalformedError describes an envelope that failed validation. ID and Type
// hold whatever could be recovered so the caller can still answer the sender.
type MalformedError struct {
	ID     string
	HasID  bool
	Type   Type
	Reason string
}

func (e *MalformedError) Error() string {
	if e.HasID {
		return fmt.Sprintf("envelope: malformed (id %q): %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("envelope: malformed: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// Answerable reports whether the sender can be sent an error response: the
// message was recognizably a request and its id survived.
func (e *MalformedError) Answerable() bool {
	return e.HasID && e.Type == TypeRequest
}
