// Package adapter describes the boundary to the messaging-protocol client.
// The client itself is a black box: it is asked to connect or disconnect a
// session and reports raw lifecycle events back through a Sink. It never
// mutates session state directly.
package adapter

import (
	"context"
	"time"
)

// Kind classifies a raw lifecycle event reported by the protocol client.
type Kind int

const (
	KindConnecting     Kind = iota // transport dial started
	KindQR                         // pairing code available
	KindOpen                       // link established
	KindClosed                     // transport closed (see Event.Unexpected)
	KindRetryExhausted             // reconnect budget used up
	KindConflict                   // another device already linked
	KindLoggedOut                  // remote side revoked the link
	KindError                      // any other failure
)

var kindNames = map[Kind]string{
	KindConnecting:     "connecting",
	KindQR:             "qr",
	KindOpen:           "open",
	KindClosed:         "closed",
	KindRetryExhausted: "retry_exhausted",
	KindConflict:       "conflict",
	KindLoggedOut:      "logged_out",
	KindError:          "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one raw lifecycle report for a single session.
type Event struct {
	UserID     string
	SessionID  string
	Kind       Kind
	QRCode     string    // set for KindQR
	Unexpected bool      // set for KindClosed when the drop was not requested
	Err        error     // set for KindError and KindRetryExhausted
	At         time.Time // zero means "now"
}

// Sink receives raw events. The status store implements it.
type Sink interface {
	HandleEvent(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event) error

func (f SinkFunc) HandleEvent(ev Event) error { return f(ev) }

// Adapter is the control surface of a protocol client.
type Adapter interface {
	// Connect starts (or restarts) the session. Progress is reported
	// asynchronously through the Sink the adapter was built with.
	Connect(ctx context.Context, userID, sessionID string) error
	// Disconnect tears the session down. The adapter may report a
	// KindClosed event with Unexpected=false afterwards.
	Disconnect(ctx context.Context, userID, sessionID string) error
	// Close stops every running session.
	Close() error
}
