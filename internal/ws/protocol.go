package ws

import (
	"time"

	"github.com/wa-bridge/statussync/internal/session"
)

type MessageType string

const (
	MsgStatus           MessageType = "status"
	MsgStatusChange     MessageType = "status_change"
	MsgSessionRemoved   MessageType = "session_removed"
	MsgConnectionStatus MessageType = "connection_status"
)

// StatusView is the per-session body of the polling and snapshot messages.
// The booleans and socketState are derived from State for older clients.
type StatusView struct {
	Connected   bool          `json:"connected"`
	Connecting  bool          `json:"connecting"`
	QRCode      *string       `json:"qrCode"`
	WSReady     bool          `json:"wsReady"`
	SocketState string        `json:"socketState"`
	State       session.State `json:"state"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Error       *string       `json:"error"`
}

func NewStatusView(s session.Session) StatusView {
	v := StatusView{
		Connected:   s.Connected(),
		Connecting:  s.Connecting(),
		WSReady:     s.Connected(),
		SocketState: s.SocketState(),
		State:       s.State,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.QRCode != "" {
		qr := s.QRCode
		v.QRCode = &qr
	}
	if s.Error != "" {
		e := s.Error
		v.Error = &e
	}
	return v
}

type SnapshotBody struct {
	Sessions map[string]StatusView `json:"sessions"`
}

func newSnapshotBody(snap session.Snapshot) SnapshotBody {
	body := SnapshotBody{Sessions: make(map[string]StatusView, len(snap.Sessions))}
	for id, s := range snap.Sessions {
		body.Sessions[id] = NewStatusView(s)
	}
	return body
}

// StatusMessage is the first message of every stream.
type StatusMessage struct {
	Type      MessageType  `json:"type"`
	UserID    string       `json:"userId"`
	Status    SnapshotBody `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewStatusMessage(snap session.Snapshot) StatusMessage {
	return StatusMessage{
		Type:      MsgStatus,
		UserID:    snap.UserID,
		Status:    newSnapshotBody(snap),
		Timestamp: snap.TakenAt,
	}
}

type StatusChangeMessage struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"sessionId"`
	Status    session.State `json:"status"`
	Previous  session.State `json:"previous"`
	Timestamp time.Time     `json:"timestamp"`
	QRCode    string        `json:"qrCode,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func NewStatusChangeMessage(d session.Delta) StatusChangeMessage {
	return StatusChangeMessage{
		Type:      MsgStatusChange,
		SessionID: d.SessionID,
		Status:    d.Current,
		Previous:  d.Previous,
		Timestamp: d.Timestamp,
		QRCode:    d.QRCode,
		Error:     d.Error,
	}
}

type SessionRemovedMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConnectionStatusMessage reports transport events. Clients synthesize it
// locally; the server sends status "error" before closing a stream it
// gives up on.
type ConnectionStatusMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// StatusAllResponse is the body of GET /status-all/{userId}.
type StatusAllResponse struct {
	UserID    string                `json:"userId"`
	Sessions  map[string]StatusView `json:"sessions"`
	Timestamp time.Time             `json:"timestamp"`
}
