package conn

import "encoding/json"

// CloseError signals that processing an inbound frame must terminate the Connection with a specific close code
// (spec §4.A, §7). Handler methods return one to request a close; any other error is treated as an unknown-error
// close.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string { return e.Reason }

// NewCloseError builds a CloseError for the given code and reason.
func NewCloseError(code int, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

// Handler is the finite table of inbound opcode handlers (spec §4.G), implemented by the orchestrating package so
// that Connection itself stays free of session/manager/auth dependencies.
type Handler interface {
	// HandleIdentify processes an op 2 Identify payload. The Connection must be in StateHandshaking.
	HandleIdentify(c *Connection, data json.RawMessage) error
	// HandleResume processes an op 4 Resume payload. The Connection must be in StateHandshaking.
	HandleResume(c *Connection, data json.RawMessage) error
	// HandleHeartbeat processes an op 1 Heartbeat. lastSeq is the client's `d` field (nil means null).
	HandleHeartbeat(c *Connection, lastSeq *int64) error
	// HandlePresenceUpdate processes an op 3 Presence Update payload. The Connection must already be authenticated.
	HandlePresenceUpdate(c *Connection, data json.RawMessage) error
}
