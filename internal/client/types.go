// Package client provides HTTP and stream clients for the status server.
// Types mirror the server wire protocol without importing server packages.
package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of stream message.
type MessageType string

const (
	MsgStatus           MessageType = "status"
	MsgStatusChange     MessageType = "status_change"
	MsgSessionRemoved   MessageType = "session_removed"
	MsgConnectionStatus MessageType = "connection_status"
)

// Connection status values carried by MsgConnectionStatus.
const (
	ConnConnected = "connected"
	ConnError     = "error"
)

// State is a session state as sent by the server. StateUnknown is the
// client-side sentinel for a session not observed yet.
type State string

const (
	StateUnknown          State = "unknown"
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateQRRequired       State = "qr_required"
	StateConnected        State = "connected"
	StateReconnecting     State = "reconnecting"
	StateFailed           State = "failed"
	StateConflict         State = "conflict"
	StateConflictResolved State = "conflict_resolved"
)

func (s State) Connected() bool { return s == StateConnected }

func (s State) Connecting() bool {
	return s == StateConnecting || s == StateQRRequired || s == StateReconnecting
}

func (s State) HasError() bool { return s == StateFailed || s == StateConflict }

func (s State) String() string {
	if s == "" {
		return string(StateUnknown)
	}
	return string(s)
}

// SessionStatus mirrors the server's per-session status view.
type SessionStatus struct {
	Connected   bool      `json:"connected"`
	Connecting  bool      `json:"connecting"`
	QRCode      *string   `json:"qrCode"`
	WSReady     bool      `json:"wsReady"`
	SocketState string    `json:"socketState"`
	State       State     `json:"state"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Error       *string   `json:"error"`
}

// StatusAll is the body of GET /status-all/{userId}.
type StatusAll struct {
	UserID    string                   `json:"userId"`
	Sessions  map[string]SessionStatus `json:"sessions"`
	Timestamp time.Time                `json:"timestamp"`
}

// Result is the body of the lifecycle endpoints.
type Result struct {
	Success bool   `json:"success"`
	Status  State  `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Message is one decoded stream message. Which fields are set depends on
// Type: Sessions for MsgStatus; SessionID, State, Previous, QRCode and Error
// for MsgStatusChange; SessionID for MsgSessionRemoved; Conn and Error for
// MsgConnectionStatus.
type Message struct {
	Type      MessageType
	UserID    string
	Sessions  map[string]SessionStatus
	SessionID string
	State     State
	Previous  State
	QRCode    string
	Error     string
	Conn      string
	Timestamp time.Time
}

type envelope struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	Status    json.RawMessage `json:"status"`
	Previous  State           `json:"previous"`
	QRCode    string          `json:"qrCode"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodeMessage parses a stream frame. Unknown message types are returned
// with only Type set.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode stream message: %w", err)
	}
	msg := Message{
		Type:      env.Type,
		UserID:    env.UserID,
		SessionID: env.SessionID,
		Previous:  env.Previous,
		QRCode:    env.QRCode,
		Error:     env.Error,
		Timestamp: env.Timestamp,
	}
	switch env.Type {
	case MsgStatus:
		var body struct {
			Sessions map[string]SessionStatus `json:"sessions"`
		}
		if err := json.Unmarshal(env.Status, &body); err != nil {
			return Message{}, fmt.Errorf("decode status snapshot: %w", err)
		}
		msg.Sessions = body.Sessions
		if msg.Sessions == nil {
			msg.Sessions = map[string]SessionStatus{}
		}
	case MsgStatusChange:
		if err := json.Unmarshal(env.Status, &msg.State); err != nil {
			return Message{}, fmt.Errorf("decode status change: %w", err)
		}
	case MsgConnectionStatus:
		if err := json.Unmarshal(env.Status, &msg.Conn); err != nil {
			return Message{}, fmt.Errorf("decode connection status: %w", err)
		}
	}
	return msg, nil
}
