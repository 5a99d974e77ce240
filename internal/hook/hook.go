// Package hook keeps a client-side view of one user's sessions in sync with
// the status server. It merges the status stream with a polling fallback and
// reopens the stream after failures.
package hook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/client"
)

// ErrRunning is returned by Run when the hook is already running.
var ErrRunning = errors.New("hook already running")

// Poller fetches the full status of a user.
type Poller interface {
	StatusAll(ctx context.Context, userID string) (*client.StatusAll, error)
}

// Stream is an open status stream.
type Stream interface {
	Next() (client.Message, error)
	Close() error
}

// Dialer opens status streams.
type Dialer interface {
	Dial(ctx context.Context, userID string) (Stream, error)
}

type DialFunc func(ctx context.Context, userID string) (Stream, error)

func (f DialFunc) Dial(ctx context.Context, userID string) (Stream, error) { return f(ctx, userID) }

// Notifier is told about every observed state change. prev is
// client.StateUnknown for the first observation of a session.
type Notifier interface {
	Notify(prev, next client.State, sessionID string) bool
}

// StreamState describes the hook's stream.
type StreamState string

const (
	StreamIdle         StreamState = "idle"
	StreamConnecting   StreamState = "connecting"
	StreamOpen         StreamState = "open"
	StreamReconnecting StreamState = "reconnecting"
)

// SessionView is the last known status of one session.
type SessionView struct {
	ID        string
	State     client.State
	QRCode    string
	Error     string
	UpdatedAt time.Time
}

// View is an immutable snapshot of the hook state.
type View struct {
	UserID        string
	Sessions      map[string]SessionView
	ActiveSession string
	Active        SessionView
	Connected     bool
	Connecting    bool
	HasError      bool
	Stream        StreamState
	LastError     string
	PolledAt      time.Time // last successful poll
	UpdatedAt     time.Time
}

// SessionIDs returns the session ids in sorted order.
func (v View) SessionIDs() []string {
	ids := make([]string, 0, len(v.Sessions))
	for id := range v.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Options struct {
	UserID        string
	ActiveSession string // empty selects the first session
	Poller        Poller
	Dialer        Dialer
	Notifier      Notifier

	ReconnectDelay time.Duration // DefaultReconnectDelay when zero
	AfterFunc      AfterFunc     // time.AfterFunc when nil
	Logger         *zap.Logger
}

// loop events; gen ties results to the user they were started for.
type (
	pollDone struct {
		gen    uint64
		status *client.StatusAll
		err    error
	}
	dialDone struct {
		gen    uint64
		lease  *Lease
		stream Stream
		err    error
	}
	streamMsg struct {
		lease *Lease
		msg   client.Message
	}
	streamEnd struct {
		lease *Lease
		err   error
	}
	reopen struct{ gen uint64 }
)

// Hook tracks the sessions of one user. All state is owned by the Run loop;
// other methods post commands to it.
type Hook struct {
	poller   Poller
	dialer   Dialer
	notifier Notifier
	sup      *Supervisor
	logger   *zap.Logger
	now      func() time.Time

	events  chan any
	cmds    chan func()
	updates chan View
	done    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context

	mu   sync.RWMutex
	view View

	// loop-owned
	gen      uint64
	userID   string
	active   string
	sessions map[string]SessionView
	seen     map[string]client.State
	removed  map[string]time.Time
	stream   StreamState
	lastErr  string
	polledAt time.Time
}

func New(opts Options) *Hook {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hook{
		poller:   opts.Poller,
		dialer:   opts.Dialer,
		notifier: opts.Notifier,
		sup:      NewSupervisor(opts.ReconnectDelay, opts.AfterFunc),
		logger:   logger.Named("hook"),
		now:      time.Now,
		events:   make(chan any, 16),
		cmds:     make(chan func(), 16),
		updates:  make(chan View, 1),
		done:     make(chan struct{}),
		userID:   opts.UserID,
		active:   opts.ActiveSession,
		sessions: map[string]SessionView{},
		seen:     map[string]client.State{},
		removed:  map[string]time.Time{},
		stream:   StreamIdle,
	}
	h.view = h.snapshot()
	return h
}

// View returns the latest published view.
func (h *Hook) View() View {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view
}

// Updates delivers the latest view after every change. Intermediate views
// are dropped when the reader falls behind.
func (h *Hook) Updates() <-chan View { return h.updates }

// Done is closed when Run has returned and all its goroutines have exited.
func (h *Hook) Done() <-chan struct{} { return h.done }

// SetActiveSession selects the session the Active fields describe.
func (h *Hook) SetActiveSession(id string) {
	h.command(func() { h.active = id })
}

// SetUser switches to another user. The stream, pending reopen and known
// sessions of the previous user are discarded.
func (h *Hook) SetUser(userID string) {
	h.command(func() {
		if userID == h.userID {
			return
		}
		h.sup.Reset()
		h.userID = userID
		h.active = ""
		h.sessions = map[string]SessionView{}
		h.seen = map[string]client.State{}
		h.removed = map[string]time.Time{}
		h.stream = StreamIdle
		h.lastErr = ""
		h.polledAt = time.Time{}
		h.start()
	})
}

// Refresh polls the server once.
func (h *Hook) Refresh() {
	h.command(func() { h.poll() })
}

func (h *Hook) command(fn func()) {
	select {
	case h.cmds <- fn:
	case <-h.done:
	}
}

// Run polls once, opens the stream and processes events until ctx is
// cancelled. When Run returns the stream is closed, no reopen is pending and
// every goroutine it started has exited.
func (h *Hook) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	h.ctx = ctx
	defer func() {
		cancel()
		h.sup.Stop()
		h.wg.Wait()
		h.stream = StreamIdle
		h.publish()
		close(h.done)
	}()

	h.start()
	h.publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.events:
			h.handle(ev)
		case fn := <-h.cmds:
			fn()
		}
		h.publish()
	}
}

func (h *Hook) start() {
	h.gen++
	if h.userID == "" {
		return
	}
	h.poll()
	h.open()
}

// post hands an event to the loop. It returns false once Run is stopping.
func (h *Hook) post(ev any) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hook) poll() {
	if h.userID == "" || h.poller == nil {
		return
	}
	gen, user := h.gen, h.userID
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		st, err := h.poller.StatusAll(h.ctx, user)
		h.post(pollDone{gen: gen, status: st, err: err})
	}()
}

func (h *Hook) open() {
	if h.dialer == nil {
		return
	}
	lease, ok := h.sup.Acquire()
	if !ok {
		return
	}
	if h.stream != StreamReconnecting {
		h.stream = StreamConnecting
	}
	gen, user := h.gen, h.userID
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		st, err := h.dialer.Dial(h.ctx, user)
		if !h.post(dialDone{gen: gen, lease: lease, stream: st, err: err}) && err == nil {
			_ = st.Close()
		}
	}()
}

func (h *Hook) read(lease *Lease, st Stream) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			msg, err := st.Next()
			if err != nil {
				h.post(streamEnd{lease: lease, err: err})
				return
			}
			if !h.post(streamMsg{lease: lease, msg: msg}) {
				return
			}
		}
	}()
}

func (h *Hook) handle(ev any) {
	switch ev := ev.(type) {
	case pollDone:
		if ev.gen != h.gen {
			return
		}
		if ev.err != nil {
			h.lastErr = "poll: " + ev.err.Error()
			h.logger.Warn("poll status", zap.String("user_id", h.userID), zap.Error(ev.err))
			return
		}
		if ev.status != nil {
			h.applySnapshot(ev.status.Sessions, ev.status.Timestamp)
		}
		h.polledAt = h.now()

	case dialDone:
		if ev.err != nil {
			h.fail(ev.lease, ev.err)
			return
		}
		if ev.gen != h.gen || !h.sup.Attach(ev.lease, ev.stream) {
			_ = ev.stream.Close()
			return
		}
		h.stream = StreamOpen
		h.lastErr = ""
		h.logger.Debug("stream open", zap.String("user_id", h.userID))
		h.read(ev.lease, ev.stream)

	case streamMsg:
		if !h.sup.Holds(ev.lease) {
			return
		}
		h.apply(ev.lease, ev.msg)

	case streamEnd:
		h.fail(ev.lease, ev.err)

	case reopen:
		if ev.gen == h.gen {
			h.open()
		}
	}
}

func (h *Hook) apply(lease *Lease, msg client.Message) {
	switch msg.Type {
	case client.MsgStatus:
		h.applySnapshot(msg.Sessions, msg.Timestamp)
	case client.MsgStatusChange:
		if msg.SessionID == "" {
			return
		}
		v := h.sessions[msg.SessionID]
		v.ID = msg.SessionID
		v.State = msg.State
		v.QRCode = msg.QRCode
		v.Error = msg.Error
		v.UpdatedAt = msg.Timestamp
		h.sessions[msg.SessionID] = v
		delete(h.removed, msg.SessionID)
		h.observe(msg.SessionID, msg.State)
	case client.MsgSessionRemoved:
		delete(h.sessions, msg.SessionID)
		delete(h.seen, msg.SessionID)
		at := msg.Timestamp
		if at.IsZero() {
			at = h.now()
		}
		h.removed[msg.SessionID] = at
	case client.MsgConnectionStatus:
		switch msg.Conn {
		case client.ConnError:
			reason := msg.Error
			if reason == "" {
				reason = "stream error"
			}
			h.fail(lease, errors.New(reason))
		case client.ConnConnected:
			h.stream = StreamOpen
		}
	}
}

// fail handles a failed or dropped stream: the lease is released, the
// server is polled once and one reopen is scheduled. Stale leases are
// ignored so one failure never schedules twice.
func (h *Hook) fail(lease *Lease, err error) {
	if !h.sup.Release(lease) {
		return
	}
	h.stream = StreamReconnecting
	h.lastErr = err.Error()
	h.logger.Warn("status stream failed",
		zap.String("user_id", h.userID),
		zap.Duration("retry_in", h.sup.Delay()),
		zap.Error(err))
	h.poll()
	gen := h.gen
	h.sup.Schedule(func() { h.post(reopen{gen: gen}) })
}

// applySnapshot replaces the known sessions with a snapshot taken at
// takenAt. Local changes newer than the snapshot win: an entry updated after
// takenAt keeps its state even when the snapshot omits it, and a session
// removed after takenAt stays removed. A zero takenAt only compares entries
// present in both.
func (h *Hook) applySnapshot(sessions map[string]client.SessionStatus, takenAt time.Time) {
	next := make(map[string]SessionView, len(sessions))
	for id, at := range h.removed {
		if takenAt.IsZero() || !at.After(takenAt) {
			delete(h.removed, id)
		}
	}
	for id, st := range sessions {
		if _, gone := h.removed[id]; gone {
			continue
		}
		v := SessionView{ID: id, State: st.State, UpdatedAt: st.UpdatedAt}
		if v.State == "" {
			v.State = client.StateUnknown
		}
		if st.QRCode != nil {
			v.QRCode = *st.QRCode
		}
		if st.Error != nil {
			v.Error = *st.Error
		}
		if cur, ok := h.sessions[id]; ok && cur.UpdatedAt.After(v.UpdatedAt) {
			v = cur
		}
		next[id] = v
		h.observe(id, v.State)
	}
	if !takenAt.IsZero() {
		for id, cur := range h.sessions {
			if _, ok := next[id]; !ok && cur.UpdatedAt.After(takenAt) {
				next[id] = cur
			}
		}
	}
	for id := range h.seen {
		if _, ok := next[id]; !ok {
			delete(h.seen, id)
		}
	}
	h.sessions = next
}

func (h *Hook) observe(id string, state client.State) {
	if state == client.StateUnknown {
		return
	}
	prev, ok := h.seen[id]
	if !ok {
		prev = client.StateUnknown
	}
	if prev == state {
		return
	}
	h.seen[id] = state
	if h.notifier != nil {
		h.notifier.Notify(prev, state, id)
	}
}

func (h *Hook) snapshot() View {
	sessions := make(map[string]SessionView, len(h.sessions))
	for id, s := range h.sessions {
		sessions[id] = s
	}
	v := View{
		UserID:        h.userID,
		Sessions:      sessions,
		ActiveSession: h.active,
		Stream:        h.stream,
		LastError:     h.lastErr,
		PolledAt:      h.polledAt,
		UpdatedAt:     h.now(),
	}
	if v.ActiveSession == "" {
		if ids := v.SessionIDs(); len(ids) > 0 {
			v.ActiveSession = ids[0]
		}
	}
	active, ok := sessions[v.ActiveSession]
	if !ok {
		active = SessionView{ID: v.ActiveSession, State: client.StateUnknown}
	}
	v.Active = active
	v.Connected = active.State.Connected()
	v.Connecting = active.State.Connecting()
	v.HasError = active.State.HasError()
	return v
}

func (h *Hook) publish() {
	v := h.snapshot()
	h.mu.Lock()
	h.view = v
	h.mu.Unlock()

	select {
	case <-h.updates:
	default:
	}
	select {
	case h.updates <- v:
	default:
	}
}
