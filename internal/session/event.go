package session

import "time"

// Delta records one accepted transition. It is handed to observers and then
// dropped; nothing persists it.
type Delta struct {
	UserID    string
	SessionID string
	Previous  State
	Current   State
	QRCode    string
	Error     string
	Timestamp time.Time
}

// Snapshot is a read-only copy of every session of one user.
type Snapshot struct {
	UserID   string
	Sessions map[string]Session // keyed by session id
	TakenAt  time.Time
}

// Observer is notified of store mutations. SessionChanged is called inside
// the per-session critical section, so calls for one session arrive in the
// order the store accepted them. Implementations must not block and must
// not call back into the store for the same session.
type Observer interface {
	SessionChanged(d Delta)
	SessionRemoved(userID, sessionID string, at time.Time)
}
