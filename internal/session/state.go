package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the normalized connection state of one session.
type State int

const (
	Disconnected State = iota
	Connecting
	QRRequired
	Connected
	Reconnecting
	Failed
	Conflict
	ConflictResolved
)

var stateNames = map[State]string{
	Disconnected:     "disconnected",
	Connecting:       "connecting",
	QRRequired:       "qr_required",
	Connected:        "connected",
	Reconnecting:     "reconnecting",
	Failed:           "failed",
	Conflict:         "conflict",
	ConflictResolved: "conflict_resolved",
}

var stateFromName = map[string]State{
	"disconnected":      Disconnected,
	"connecting":        Connecting,
	"qr_required":       QRRequired,
	"connected":         Connected,
	"reconnecting":      Reconnecting,
	"failed":            Failed,
	"conflict":          Conflict,
	"conflict_resolved": ConflictResolved,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// ParseState maps a wire name back to a State.
func ParseState(name string) (State, error) {
	if s, ok := stateFromName[name]; ok {
		return s, nil
	}
	return Disconnected, fmt.Errorf("unknown session state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Key identifies a session across users.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string { return k.UserID + "/" + k.SessionID }

// Session is the Store-owned record of one (user, session) pair.
type Session struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	State     State     `json:"state"`
	QRCode    string    `json:"qrCode,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s Session) Key() Key { return Key{UserID: s.UserID, SessionID: s.SessionID} }

// Connected, Connecting and HasError derive the legacy booleans from the
// state. Nothing stores them.
func (s Session) Connected() bool { return s.State == Connected }

func (s Session) Connecting() bool {
	return s.State == Connecting || s.State == QRRequired || s.State == Reconnecting
}

func (s Session) HasError() bool { return s.State == Failed || s.State == Conflict }

// SocketState is the coarse transport view exposed to polling clients.
func (s Session) SocketState() string {
	switch {
	case s.Connected():
		return "open"
	case s.Connecting():
		return "connecting"
	default:
		return "closed"
	}
}
