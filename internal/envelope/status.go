package envelope

import (
	"encoding/json"
	"fmt"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Status is the terminal response body for requests whose answer is a plain
// success/failure indication.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK returns a success status.
func OK() Status { return Status{Status: StatusOK} }

// Errorf returns a failure status with a formatted message.
func Errorf(format string, args ...any) Status {
	return Status{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// AsErrorStatus reports whether raw is a {status:"error"} body.
func AsErrorStatus(raw json.RawMessage) (Status, bool) {
	var st Status
	if len(raw) == 0 || raw[0] != '{' {
		return st, false
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, false
	}
	return st, st.Status == StatusError
}
