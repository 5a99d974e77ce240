// Package lifecycle turns operator requests (initiate, disconnect, resolve,
// forget) into adapter calls and Store transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/adapter"
	"github.com/wa-bridge/statussync/internal/registry"
	"github.com/wa-bridge/statussync/internal/session"
)

var (
	// ErrConflictPending rejects initiate while another device holds the link.
	ErrConflictPending = errors.New("session is in conflict, resolve it first")
	// ErrNotInConflict rejects resolve for a session that has no conflict.
	ErrNotInConflict = errors.New("session is not in conflict")
)

// AdapterError wraps a failure of the protocol client.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string { return fmt.Sprintf("adapter %s: %v", e.Op, e.Err) }

func (e *AdapterError) Unwrap() error { return e.Err }

// Registrar records newly created sessions.
type Registrar interface {
	Register(userID, sessionID string, createdAt time.Time) error
}

// Forgetter is implemented by adapters that hold per-session credentials.
type Forgetter interface {
	Forget(userID, sessionID string)
}

type rejectObserver interface {
	ObserveRejected(reason string)
}

// Result is the body of the initiate, disconnect and resolve endpoints.
type Result struct {
	Success bool          `json:"success"`
	Status  session.State `json:"status"`
	Message string        `json:"message,omitempty"`
}

type Controller struct {
	store     *session.Store
	adapter   adapter.Adapter
	registrar Registrar
	metrics   rejectObserver
	logger    *zap.Logger
}

type Option func(*Controller)

func WithRegistrar(r Registrar) Option { return func(c *Controller) { c.registrar = r } }

func WithRejectMetrics(m rejectObserver) Option { return func(c *Controller) { c.metrics = m } }

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewController(store *session.Store, a adapter.Adapter, opts ...Option) *Controller {
	c := &Controller{store: store, adapter: a, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("lifecycle")
	return c
}

// Initiate creates the session if needed and asks the adapter to connect
// it. A session already connecting or connected succeeds without a new
// transition.
func (c *Controller) Initiate(ctx context.Context, userID, sessionID string) (Result, error) {
	rec, created := c.store.Ensure(userID, sessionID)
	if created && c.registrar != nil {
		if err := c.registrar.Register(userID, sessionID, rec.CreatedAt); err != nil {
			c.logger.Warn("register session", fields(userID, sessionID, zap.Error(err))...)
		}
	}

	if res, done := c.settled(rec); done {
		return res, nil
	}
	if rec.State == session.Conflict {
		return Result{Status: rec.State, Message: ErrConflictPending.Error()}, ErrConflictPending
	}

	if _, err := c.store.Transition(session.Request{UserID: userID, SessionID: sessionID, To: session.Connecting}); err != nil {
		cur, ok := c.store.Get(userID, sessionID)
		if !ok {
			return Result{}, session.ErrNotFound
		}
		// lost a race with another initiate or an adapter event
		if res, done := c.settled(cur); done {
			return res, nil
		}
		c.rejected(err)
		return Result{Status: cur.State, Message: err.Error()}, err
	}

	if err := c.adapter.Connect(ctx, userID, sessionID); err != nil {
		c.logger.Warn("adapter connect failed", fields(userID, sessionID, zap.Error(err))...)
		_ = c.store.HandleEvent(adapter.Event{UserID: userID, SessionID: sessionID, Kind: adapter.KindError, Err: err})
		cur, _ := c.store.Get(userID, sessionID)
		return Result{Status: cur.State, Message: err.Error()}, &AdapterError{Op: "connect", Err: err}
	}

	c.logger.Info("session initiated", fields(userID, sessionID)...)
	return Result{Success: true, Status: session.Connecting, Message: "connection initiated"}, nil
}

// Disconnect tears the session down and leaves the record in Disconnected.
func (c *Controller) Disconnect(ctx context.Context, userID, sessionID string) (Result, error) {
	if _, ok := c.store.Get(userID, sessionID); !ok {
		return Result{}, session.ErrNotFound
	}
	if err := c.adapter.Disconnect(ctx, userID, sessionID); err != nil {
		// the record still moves to disconnected
		c.logger.Warn("adapter disconnect failed", fields(userID, sessionID, zap.Error(err))...)
	}
	_, err := c.store.Transition(session.Request{UserID: userID, SessionID: sessionID, To: session.Disconnected})
	switch {
	case err == nil, errors.Is(err, session.ErrNoChange):
	case errors.Is(err, session.ErrNotFound):
		return Result{}, err
	default:
		c.rejected(err)
		return Result{}, err
	}
	c.logger.Info("session disconnected", fields(userID, sessionID)...)
	return Result{Success: true, Status: session.Disconnected}, nil
}

// ResolveConflict is the operator action that clears a conflict. The session
// can then be initiated again.
func (c *Controller) ResolveConflict(_ context.Context, userID, sessionID string) (Result, error) {
	_, err := c.store.Transition(session.Request{UserID: userID, SessionID: sessionID, To: session.ConflictResolved})
	switch {
	case err == nil:
		c.logger.Info("conflict resolved", fields(userID, sessionID)...)
		return Result{Success: true, Status: session.ConflictResolved, Message: "conflict resolved"}, nil
	case errors.Is(err, session.ErrNoChange):
		return Result{Success: true, Status: session.ConflictResolved, Message: "conflict already resolved"}, nil
	case errors.Is(err, session.ErrNotFound):
		return Result{}, err
	default:
		c.rejected(err)
		cur, _ := c.store.Get(userID, sessionID)
		return Result{Status: cur.State, Message: ErrNotInConflict.Error()}, ErrNotInConflict
	}
}

// Forget disconnects the session and deletes its record everywhere.
func (c *Controller) Forget(ctx context.Context, userID, sessionID string) (Result, error) {
	if _, ok := c.store.Get(userID, sessionID); !ok {
		return Result{}, session.ErrNotFound
	}
	if err := c.adapter.Disconnect(ctx, userID, sessionID); err != nil {
		c.logger.Warn("adapter disconnect failed", fields(userID, sessionID, zap.Error(err))...)
	}
	if f, ok := c.adapter.(Forgetter); ok {
		f.Forget(userID, sessionID)
	}
	if err := c.store.Remove(userID, sessionID); err != nil {
		return Result{}, err
	}
	c.logger.Info("session forgotten", fields(userID, sessionID)...)
	return Result{Success: true, Status: session.Disconnected}, nil
}

// Restore seeds the Store with sessions known from a previous run. With
// initiate set each of them is connected again.
func (c *Controller) Restore(ctx context.Context, records []registry.Record, initiate bool) {
	for _, rec := range records {
		c.store.Seed(rec.UserID, rec.SessionID, rec.CreatedAt)
	}
	c.logger.Info("sessions restored", zap.Int("count", len(records)), zap.Bool("initiate", initiate))
	if !initiate {
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Initiate(ctx, rec.UserID, rec.SessionID); err != nil {
			c.logger.Warn("restore session", fields(rec.UserID, rec.SessionID, zap.Error(err))...)
		}
	}
}

// settled reports the idempotent initiate result for a session already
// on its way up.
func (c *Controller) settled(rec session.Session) (Result, bool) {
	switch {
	case rec.Connected():
		return Result{Success: true, Status: rec.State, Message: "already connected"}, true
	case rec.Connecting():
		return Result{Success: true, Status: rec.State, Message: "connection already in progress"}, true
	}
	return Result{}, false
}

func (c *Controller) rejected(err error) {
	if c.metrics == nil {
		return
	}
	reason := "invalid_transition"
	switch {
	case errors.Is(err, session.ErrNoChange):
		reason = "no_change"
	case errors.Is(err, session.ErrNotFound):
		reason = "not_found"
	}
	c.metrics.ObserveRejected(reason)
}

func fields(userID, sessionID string, extra ...zap.Field) []zap.Field {
	return append([]zap.Field{zap.String("user_id", userID), zap.String("session_id", sessionID)}, extra...)
}
