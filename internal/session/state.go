package session

import (
	"time"

	"unlockbot/internal/dispatch"
)

type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateOpen           State = "open"
	StateClosing        State = "closing"
	StateReconnecting   State = "reconnecting"
	StateLoggedOut      State = "logged_out"
	StateFailed         State = "failed"
	StateStopped        State = "stopped"
)

// Terminal states end the unit; a new Start creates a fresh one.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateFailed || s == StateStopped
}

type AuthMode int

const (
	AuthQR AuthMode = iota
	AuthPairingCode
)

func (m AuthMode) String() string {
	if m == AuthPairingCode {
		return "pairing_code"
	}
	return "qr"
}

// Snapshot is a read-only view of a unit.
type Snapshot struct {
	AccountID string           `json:"account_id"`
	State     State            `json:"state"`
	Mode      string           `json:"mode"`
	Armed     bool             `json:"armed"`
	Connected bool             `json:"connected"`
	Attempts  int              `json:"attempts"`
	Target    *dispatch.Target `json:"target,omitempty"`
	Since     time.Time        `json:"since"`
}
