package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-bridge/statussync/internal/client"
	"github.com/wa-bridge/statussync/internal/notify"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeStream struct {
	msgs   chan client.Message
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs:   make(chan client.Message, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next() (client.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case err := <-s.errs:
		return client.Message{}, err
	case <-s.closed:
		return client.Message{}, client.ErrStreamClosed
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	users   []string
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, userID string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, userID)
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

func (d *fakeDialer) user(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[i]
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

type fakePoller struct {
	mu    sync.Mutex
	calls int
	resp  func(userID string) (*client.StatusAll, error)
}

func (p *fakePoller) StatusAll(_ context.Context, userID string) (*client.StatusAll, error) {
	p.mu.Lock()
	p.calls++
	resp := p.resp
	p.mu.Unlock()
	if resp == nil {
		return &client.StatusAll{UserID: userID, Sessions: map[string]client.SessionStatus{}}, nil
	}
	return resp(userID)
}

func (p *fakePoller) set(resp func(string) (*client.StatusAll, error)) {
	p.mu.Lock()
	p.resp = resp
	p.mu.Unlock()
}

func (p *fakePoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

// fakeClock captures timers; tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) timer(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

type notes struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notes) Deliver(x notify.Notification) error {
	n.mu.Lock()
	n.got = append(n.got, x)
	n.mu.Unlock()
	return nil
}

func (n *notes) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.got...)
}

type fixture struct {
	hook   *Hook
	poller *fakePoller
	dialer *fakeDialer
	clock  *fakeClock
	notes  *notes
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, user string, configure func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{poller: &fakePoller{}, dialer: &fakeDialer{}, clock: &fakeClock{}, notes: &notes{}}
	if configure != nil {
		configure(f)
	}
	f.hook = New(Options{
		UserID:    user,
		Poller:    f.poller,
		Dialer:    f.dialer,
		Notifier:  notify.NewDispatcher(nil, f.notes),
		AfterFunc: f.clock.AfterFunc,
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.hook.Run(ctx) }()
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) stop() {
	f.cancel()
	<-f.hook.Done()
}

func (f *fixture) waitView(t *testing.T, cond func(View) bool) View {
	t.Helper()
	require.Eventually(t, func() bool { return cond(f.hook.View()) }, waitFor, tick)
	return f.hook.View()
}

func (f *fixture) openStream(t *testing.T, n int) *fakeStream {
	t.Helper()
	require.Eventually(t, func() bool { return f.dialer.dials() >= n }, waitFor, tick)
	f.waitView(t, func(v View) bool { return v.Stream == StreamOpen && !v.PolledAt.IsZero() })
	return f.dialer.stream(n - 1)
}

func change(id string, prev, next client.State, at time.Time) client.Message {
	return client.Message{Type: client.MsgStatusChange, SessionID: id, Previous: prev, State: next, Timestamp: at}
}

func snapshot(states map[string]client.State) map[string]client.SessionStatus {
	out := make(map[string]client.SessionStatus, len(states))
	for id, st := range states {
		out[id] = client.SessionStatus{State: st, Connected: st.Connected(), Connecting: st.Connecting()}
	}
	return out
}

func TestOneNotificationPerTransition(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)

	now := time.Now()
	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: snapshot(map[string]client.State{"main": client.StateDisconnected})}
	s.msgs <- change("main", client.StateDisconnected, client.StateConnecting, now)
	s.msgs <- change("main", client.StateConnecting, client.StateConnecting, now.Add(time.Millisecond))
	s.msgs <- change("main", client.StateConnecting, client.StateConnected, now.Add(2*time.Millisecond))

	v := f.waitView(t, func(v View) bool { return v.Connected })
	assert.Equal(t, "main", v.ActiveSession)
	assert.False(t, v.Connecting)

	got := f.notes.all()
	require.Len(t, got, 2)
	assert.Equal(t, client.StateConnecting, got[0].To)
	assert.Equal(t, client.StateConnected, got[1].To)
}

func TestFirstObservationIsSilent(t *testing.T) {
	f := start(t, "u1", func(f *fixture) {
		f.poller.set(func(u string) (*client.StatusAll, error) {
			return &client.StatusAll{UserID: u, Sessions: snapshot(map[string]client.State{"main": client.StateConnected})}, nil
		})
	})
	s := f.openStream(t, 1)
	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: snapshot(map[string]client.State{
		"main": client.StateConnected,
		"work": client.StateQRRequired,
	})}

	v := f.waitView(t, func(v View) bool { return len(v.Sessions) == 2 })
	assert.True(t, v.Connected)
	assert.Empty(t, f.notes.all())
}

func TestSnapshotReplacesAndRemovalDeletes(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)

	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: snapshot(map[string]client.State{
		"a": client.StateConnected,
		"b": client.StateDisconnected,
	})}
	f.waitView(t, func(v View) bool { return len(v.Sessions) == 2 })

	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: snapshot(map[string]client.State{"b": client.StateDisconnected})}
	v := f.waitView(t, func(v View) bool { return len(v.Sessions) == 1 })
	assert.Contains(t, v.Sessions, "b")

	s.msgs <- client.Message{Type: client.MsgSessionRemoved, SessionID: "b"}
	v = f.waitView(t, func(v View) bool { return len(v.Sessions) == 0 })
	assert.Equal(t, client.StateUnknown, v.Active.State)
}

func TestStaleSnapshotKeepsNewerChange(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)

	at := time.Now()
	s.msgs <- change("main", client.StateConnecting, client.StateConnected, at)
	f.waitView(t, func(v View) bool { return v.Connected })

	stale := snapshot(map[string]client.State{"main": client.StateConnecting})
	st := stale["main"]
	st.UpdatedAt = at.Add(-time.Second)
	stale["main"] = st
	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: stale}
	s.msgs <- change("other", "", client.StateDisconnected, at)

	v := f.waitView(t, func(v View) bool { return len(v.Sessions) == 2 })
	assert.Equal(t, client.StateConnected, v.Sessions["main"].State)
}

func TestLateSeedPollKeepsSessionCreatedAfterIt(t *testing.T) {
	takenAt := time.Now()
	release := make(chan struct{})
	f := start(t, "u1", func(f *fixture) {
		f.poller.set(func(u string) (*client.StatusAll, error) {
			<-release
			return &client.StatusAll{UserID: u, Sessions: map[string]client.SessionStatus{}, Timestamp: takenAt}, nil
		})
	})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	require.Eventually(t, func() bool { return f.dialer.dials() == 1 }, waitFor, tick)
	f.waitView(t, func(v View) bool { return v.Stream == StreamOpen })
	s := f.dialer.stream(0)

	s.msgs <- change("main", client.StateDisconnected, client.StateConnecting, takenAt.Add(time.Millisecond))
	s.msgs <- change("main", client.StateConnecting, client.StateQRRequired, takenAt.Add(2*time.Millisecond))
	f.waitView(t, func(v View) bool { return v.Sessions["main"].State == client.StateQRRequired })

	unblock()
	v := f.waitView(t, func(v View) bool { return !v.PolledAt.IsZero() })
	require.Contains(t, v.Sessions, "main", "snapshot older than the session must not drop it")
	assert.Equal(t, client.StateQRRequired, v.Sessions["main"].State)

	s.msgs <- change("main", client.StateQRRequired, client.StateConnected, takenAt.Add(3*time.Millisecond))
	f.waitView(t, func(v View) bool { return v.Connected })

	got := f.notes.all()
	require.Len(t, got, 2)
	assert.Equal(t, client.StateQRRequired, got[0].To)
	assert.Equal(t, client.StateQRRequired, got[1].From)
	assert.Equal(t, client.StateConnected, got[1].To)
}

func TestStaleSnapshotDoesNotRestoreRemovedSession(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)

	takenAt := time.Now()
	s.msgs <- change("main", client.StateDisconnected, client.StateConnecting, takenAt.Add(-time.Second))
	f.waitView(t, func(v View) bool { return len(v.Sessions) == 1 })

	s.msgs <- client.Message{Type: client.MsgSessionRemoved, SessionID: "main", Timestamp: takenAt.Add(time.Millisecond)}
	f.waitView(t, func(v View) bool { return len(v.Sessions) == 0 })

	stale := snapshot(map[string]client.State{"main": client.StateConnecting})
	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: stale, Timestamp: takenAt}
	s.msgs <- change("other", "", client.StateDisconnected, takenAt.Add(2*time.Millisecond))

	v := f.waitView(t, func(v View) bool { return len(v.Sessions) > 0 })
	assert.NotContains(t, v.Sessions, "main")
	assert.Contains(t, v.Sessions, "other")

	fresh := snapshot(map[string]client.State{"main": client.StateDisconnected})
	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: fresh, Timestamp: takenAt.Add(time.Second)}
	v = f.waitView(t, func(v View) bool { _, ok := v.Sessions["main"]; return ok })
	assert.NotContains(t, v.Sessions, "other")
}

func TestConnectionErrorReopensOnceAfterDelay(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)
	pollsBefore := f.poller.count()

	s.msgs <- client.Message{Type: client.MsgConnectionStatus, Conn: client.ConnError, Error: "server shutting down"}

	v := f.waitView(t, func(v View) bool { return v.Stream == StreamReconnecting })
	assert.Equal(t, "server shutting down", v.LastError)
	assert.True(t, s.isClosed())
	require.Eventually(t, func() bool { return f.poller.count() == pollsBefore+1 }, waitFor, tick)

	require.Equal(t, 1, f.clock.count())
	assert.Equal(t, DefaultReconnectDelay, f.clock.timer(0).delay)
	assert.Equal(t, 1, f.dialer.dials())

	f.clock.timer(0).fn()
	f.openStream(t, 2)
	assert.Equal(t, 2, f.dialer.dials())
	assert.Equal(t, 1, f.clock.count())
}

func TestRepeatedFailuresScheduleOneReopen(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)

	// the error message closes the stream, so Next also fails afterwards
	s.msgs <- client.Message{Type: client.MsgConnectionStatus, Conn: client.ConnError}
	s.errs <- errors.New("read: connection reset")

	f.waitView(t, func(v View) bool { return v.Stream == StreamReconnecting })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.clock.count())

	f.clock.timer(0).fn()
	f.clock.timer(0).fn()
	f.openStream(t, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.dialer.dials())
}

func TestDialFailureKeepsRetrying(t *testing.T) {
	f := start(t, "u1", func(f *fixture) { f.dialer.err = errors.New("connection refused") })

	v := f.waitView(t, func(v View) bool { return v.Stream == StreamReconnecting })
	assert.Contains(t, v.LastError, "connection refused")
	require.Eventually(t, func() bool { return f.clock.count() == 1 }, waitFor, tick)

	f.clock.timer(0).fn()
	require.Eventually(t, func() bool { return f.clock.count() == 2 }, waitFor, tick)
	assert.Equal(t, 2, f.dialer.dials())
}

func TestPollFailureKeepsLastKnownState(t *testing.T) {
	f := start(t, "u1", func(f *fixture) {
		f.poller.set(func(u string) (*client.StatusAll, error) {
			return &client.StatusAll{UserID: u, Sessions: snapshot(map[string]client.State{"main": client.StateConnected})}, nil
		})
	})
	s := f.openStream(t, 1)
	f.waitView(t, func(v View) bool { return v.Connected })

	f.poller.set(func(string) (*client.StatusAll, error) { return nil, errors.New("503 unavailable") })
	s.errs <- errors.New("read: EOF")

	v := f.waitView(t, func(v View) bool { return v.Stream == StreamReconnecting && v.LastError != "read: EOF" })
	assert.Contains(t, v.LastError, "503 unavailable")
	assert.True(t, v.Connected)
	assert.Equal(t, client.StateConnected, v.Sessions["main"].State)
}

func TestRunCancelsPendingReopen(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)
	s.errs <- errors.New("read: EOF")
	require.Eventually(t, func() bool { return f.clock.count() == 1 }, waitFor, tick)

	f.stop()
	require.NoError(t, <-f.done)
	assert.True(t, f.clock.timer(0).stopped)
	assert.Equal(t, StreamIdle, f.hook.View().Stream)

	f.clock.timer(0).fn()
	assert.Equal(t, 1, f.dialer.dials())
}

func TestRunClosesOpenStream(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)
	f.stop()
	assert.True(t, s.isClosed())
	assert.ErrorIs(t, f.hook.Run(context.Background()), ErrRunning)
}

func TestSetUserResets(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)
	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: snapshot(map[string]client.State{"main": client.StateConnected})}
	f.waitView(t, func(v View) bool { return v.Connected })

	f.hook.SetUser("u2")
	f.waitView(t, func(v View) bool { return v.UserID == "u2" })
	assert.True(t, s.isClosed())

	s2 := f.openStream(t, 2)
	v := f.hook.View()
	assert.Empty(t, v.Sessions)
	assert.Equal(t, "u2", f.dialer.user(1))

	s2.msgs <- client.Message{Type: client.MsgStatus, Sessions: snapshot(map[string]client.State{"main": client.StateDisconnected})}
	f.waitView(t, func(v View) bool { return len(v.Sessions) == 1 })
	assert.Empty(t, f.notes.all(), "new user starts with no history")
}

func TestSetActiveSession(t *testing.T) {
	f := start(t, "u1", nil)
	s := f.openStream(t, 1)
	s.msgs <- client.Message{Type: client.MsgStatus, Sessions: snapshot(map[string]client.State{
		"a": client.StateConnected,
		"b": client.StateFailed,
	})}
	v := f.waitView(t, func(v View) bool { return len(v.Sessions) == 2 })
	assert.Equal(t, "a", v.ActiveSession)
	assert.True(t, v.Connected)

	f.hook.SetActiveSession("b")
	v = f.waitView(t, func(v View) bool { return v.ActiveSession == "b" })
	assert.True(t, v.HasError)
	assert.False(t, v.Connected)
	assert.Equal(t, []string{"a", "b"}, v.SessionIDs())
}

func TestRefreshPolls(t *testing.T) {
	f := start(t, "u1", nil)
	f.openStream(t, 1)
	before := f.poller.count()
	f.hook.Refresh()
	require.Eventually(t, func() bool { return f.poller.count() == before+1 }, waitFor, tick)
}
