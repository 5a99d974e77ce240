package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-bridge/statussync/internal/adapter"
	"github.com/wa-bridge/statussync/internal/registry"
	"github.com/wa-bridge/statussync/internal/session"
)

type fakeAdapter struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	forgotten   []string
	connectErr  error
}

func (f *fakeAdapter) Connect(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, userID+"/"+sessionID)
	return f.connectErr
}

func (f *fakeAdapter) Disconnect(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, userID+"/"+sessionID)
	return nil
}

func (f *fakeAdapter) Forget(userID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, userID+"/"+sessionID)
}

func (f *fakeAdapter) Close() error { return nil }

type fakeRegistrar struct{ registered []string }

func (f *fakeRegistrar) Register(userID, sessionID string, _ time.Time) error {
	f.registered = append(f.registered, userID+"/"+sessionID)
	return nil
}

type rejectCounter struct{ reasons []string }

func (r *rejectCounter) ObserveRejected(reason string) { r.reasons = append(r.reasons, reason) }

type deltaLog struct {
	mu      sync.Mutex
	deltas  []session.Delta
	removed []string
}

func (d *deltaLog) SessionChanged(delta session.Delta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deltas = append(d.deltas, delta)
}

func (d *deltaLog) SessionRemoved(userID, sessionID string, _ time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, userID+"/"+sessionID)
}

func newTestController(t *testing.T) (*Controller, *session.Store, *fakeAdapter, *deltaLog) {
	t.Helper()
	store := session.NewStore()
	log := &deltaLog{}
	store.AddObserver(log)
	fa := &fakeAdapter{}
	return NewController(store, fa), store, fa, log
}

func TestInitiateCreatesAndConnects(t *testing.T) {
	store := session.NewStore()
	fa := &fakeAdapter{}
	reg := &fakeRegistrar{}
	c := NewController(store, fa, WithRegistrar(reg))

	res, err := c.Initiate(context.Background(), "u1", "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, session.Connecting, res.Status)
	assert.Equal(t, []string{"u1/main"}, fa.connects)
	assert.Equal(t, []string{"u1/main"}, reg.registered)

	rec, ok := store.Get("u1", "main")
	require.True(t, ok)
	assert.Equal(t, session.Connecting, rec.State)
}

func TestInitiateIsIdempotent(t *testing.T) {
	c, store, fa, log := newTestController(t)
	ctx := context.Background()

	_, err := c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	res, err := c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "connection already in progress", res.Message)
	assert.Len(t, fa.connects, 1)
	assert.Len(t, log.deltas, 1)

	require.NoError(t, store.HandleEvent(adapter.Event{UserID: "u1", SessionID: "main", Kind: adapter.KindOpen}))
	res, err = c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	assert.Equal(t, session.Connected, res.Status)
	assert.Equal(t, "already connected", res.Message)
	assert.Len(t, fa.connects, 1)
}

func TestInitiateAdapterFailureMarksFailed(t *testing.T) {
	c, store, fa, _ := newTestController(t)
	fa.connectErr = errors.New("dial refused")

	res, err := c.Initiate(context.Background(), "u1", "main")
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "connect", aerr.Op)
	assert.False(t, res.Success)
	assert.Equal(t, session.Failed, res.Status)

	rec, _ := store.Get("u1", "main")
	assert.Equal(t, session.Failed, rec.State)
	assert.Equal(t, "dial refused", rec.Error)

	// a failed session may be initiated again
	fa.connectErr = nil
	res, err = c.Initiate(context.Background(), "u1", "main")
	require.NoError(t, err)
	assert.Equal(t, session.Connecting, res.Status)
}

func TestConflictRequiresResolve(t *testing.T) {
	c, store, _, _ := newTestController(t)
	ctx := context.Background()
	metrics := &rejectCounter{}
	c.metrics = metrics

	_, err := c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	require.NoError(t, store.HandleEvent(adapter.Event{UserID: "u1", SessionID: "main", Kind: adapter.KindConflict}))

	res, err := c.Initiate(ctx, "u1", "main")
	assert.ErrorIs(t, err, ErrConflictPending)
	assert.False(t, res.Success)
	assert.Equal(t, session.Conflict, res.Status)

	res, err = c.ResolveConflict(ctx, "u1", "main")
	require.NoError(t, err)
	assert.Equal(t, session.ConflictResolved, res.Status)

	res, err = c.ResolveConflict(ctx, "u1", "main")
	require.NoError(t, err)
	assert.Equal(t, "conflict already resolved", res.Message)

	res, err = c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	assert.Equal(t, session.Connecting, res.Status)

	_, err = c.ResolveConflict(ctx, "u1", "main")
	assert.ErrorIs(t, err, ErrNotInConflict)
	assert.Equal(t, []string{"invalid_transition"}, metrics.reasons)

	_, err = c.ResolveConflict(ctx, "u1", "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDisconnect(t *testing.T) {
	c, store, fa, log := newTestController(t)
	ctx := context.Background()

	_, err := c.Disconnect(ctx, "u1", "main")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	res, err := c.Disconnect(ctx, "u1", "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"u1/main"}, fa.disconnects)

	rec, _ := store.Get("u1", "main")
	assert.Equal(t, session.Disconnected, rec.State)

	// already disconnected: success, no extra delta
	_, err = c.Disconnect(ctx, "u1", "main")
	require.NoError(t, err)
	assert.Len(t, log.deltas, 2)
}

func TestForgetRemovesSession(t *testing.T) {
	c, store, fa, log := newTestController(t)
	ctx := context.Background()

	_, err := c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	res, err := c.Forget(ctx, "u1", "main")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, ok := store.Get("u1", "main")
	assert.False(t, ok)
	assert.Equal(t, []string{"u1/main"}, fa.forgotten)
	assert.Equal(t, []string{"u1/main"}, log.removed)
	require.Len(t, log.deltas, 2)
	assert.Equal(t, session.Disconnected, log.deltas[1].Current)

	_, err = c.Forget(ctx, "u1", "main")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRestore(t *testing.T) {
	c, store, fa, _ := newTestController(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []registry.Record{
		{UserID: "u1", SessionID: "main", CreatedAt: created},
		{UserID: "u1", SessionID: "work", CreatedAt: created},
	}

	c.Restore(context.Background(), records, false)
	assert.Equal(t, 2, store.Count())
	assert.Empty(t, fa.connects)
	rec, _ := store.Get("u1", "work")
	assert.Equal(t, session.Disconnected, rec.State)
	assert.Equal(t, created, rec.CreatedAt)

	c.Restore(context.Background(), records, true)
	assert.Equal(t, []string{"u1/main", "u1/work"}, fa.connects)
}
