// Package notify turns session state changes into user-visible
// notifications.
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/client"
)

// Notification is one user-visible message about a session.
type Notification struct {
	SessionID string
	From      client.State
	To        client.State
	Title     string
	Body      string
	At        time.Time
}

// Sink delivers notifications, e.g. to the terminal feed or stdout.
type Sink interface {
	Deliver(n Notification) error
}

type SinkFunc func(n Notification) error

func (f SinkFunc) Deliver(n Notification) error { return f(n) }

type transition struct{ from, to client.State }

// anyState matches every previous state.
const anyState client.State = "*"

type template struct{ title, body string }

// templates maps transition pairs to fixed texts. %s is the session id.
var templates = map[transition]template{
	{client.StateDisconnected, client.StateConnecting}:   {"Connecting", "Session %s is connecting."},
	{client.StateFailed, client.StateConnecting}:         {"Retrying", "Session %s is connecting again."},
	{client.StateConnecting, client.StateQRRequired}:     {"Scan the QR code", "Session %s is waiting for a QR scan to link."},
	{client.StateQRRequired, client.StateConnected}:      {"Linked", "Session %s is linked and connected."},
	{client.StateConnecting, client.StateConnected}:      {"Connected", "Session %s is connected."},
	{client.StateConnected, client.StateReconnecting}:    {"Connection lost", "Session %s dropped and is reconnecting."},
	{client.StateReconnecting, client.StateConnected}:    {"Reconnected", "Session %s is connected again."},
	{client.StateReconnecting, client.StateFailed}:       {"Connection failed", "Session %s could not reconnect."},
	{client.StateConnecting, client.StateFailed}:         {"Connection failed", "Session %s could not connect."},
	{client.StateQRRequired, client.StateFailed}:         {"Pairing failed", "Session %s was not linked in time."},
	{client.StateConflict, client.StateConflictResolved}: {"Conflict resolved", "Session %s can be connected again."},
	{anyState, client.StateConflict}:                     {"Session conflict", "Another device is linked to session %s. Resolve the conflict to continue."},
	{anyState, client.StateDisconnected}:                 {"Disconnected", "Session %s is disconnected."},
}

// Message returns the title and body for a transition of sessionID.
// Pairs without a fixed text get a generic message.
func Message(prev, next client.State, sessionID string) (string, string) {
	t, ok := templates[transition{prev, next}]
	if !ok {
		t, ok = templates[transition{anyState, next}]
	}
	if !ok {
		return "Status changed", fmt.Sprintf("Session %s changed from %s to %s.", sessionID, prev, next)
	}
	return t.title, fmt.Sprintf(t.body, sessionID)
}

// Dispatcher fires a notification for every real transition. The first
// observation of a session (previous state unknown) is never notified.
type Dispatcher struct {
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sinks: sinks, logger: logger.Named("notify"), now: time.Now}
}

// Notify reports whether a notification was fired.
func (d *Dispatcher) Notify(prev, next client.State, sessionID string) bool {
	if prev == next || prev == client.StateUnknown || prev == "" {
		return false
	}
	title, body := Message(prev, next, sessionID)
	n := Notification{SessionID: sessionID, From: prev, To: next, Title: title, Body: body, At: d.now()}
	for _, s := range d.sinks {
		if err := s.Deliver(n); err != nil {
			d.logger.Warn("deliver notification", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	d.logger.Debug("notified",
		zap.String("session_id", sessionID),
		zap.Stringer("from", prev),
		zap.Stringer("to", next))
	return true
}

// LogSink logs notifications.
type LogSink struct{ Logger *zap.Logger }

func (s LogSink) Deliver(n Notification) error {
	s.Logger.Info(n.Title,
		zap.String("session_id", n.SessionID),
		zap.Stringer("from", n.From),
		zap.Stringer("to", n.To),
		zap.String("body", n.Body))
	return nil
}

// WriterSink prints one line per notification.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

func (s *WriterSink) Deliver(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s  %s: %s\n", n.At.Format("15:04:05"), n.Title, n.Body)
	return err
}
