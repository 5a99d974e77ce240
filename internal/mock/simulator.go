// Package mock provides a scripted stand-in for the messaging-protocol
// client. It walks each session through pairing, link, random transport
// drops and reconnect attempts, reporting raw events to an adapter.Sink.
package mock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/adapter"
)

var ErrClosed = errors.New("simulator closed")

// Options tune the script. Zero durations fall back to the defaults below;
// a zero DropAfter keeps links up until disconnected.
type Options struct {
	QRDelay        time.Duration // connecting -> first QR (or -> open with stored credentials)
	QRRotate       time.Duration // interval between QR payloads
	LinkDelay      time.Duration // first QR -> link completed
	DropAfter      time.Duration // mean time connected before a transport drop
	ReconnectDelay time.Duration // wait between reconnect attempts
	MaxRetries     int           // reconnect budget per drop
	ConflictChance float64       // per reconnect attempt, another device takes over
	Seed           int64
}

func (o Options) withDefaults() Options {
	if o.QRDelay <= 0 {
		o.QRDelay = 2 * time.Second
	}
	if o.QRRotate <= 0 {
		o.QRRotate = 20 * time.Second
	}
	if o.LinkDelay <= 0 {
		o.LinkDelay = 8 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Simulator implements adapter.Adapter.
type Simulator struct {
	sink   adapter.Sink
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	runs   map[string]*run
	linked map[string]bool // sessions that paired once and skip the QR step
	closed bool
}

func NewSimulator(sink adapter.Sink, opts Options, logger *zap.Logger) *Simulator {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		sink:   sink,
		opts:   opts,
		logger: logger.Named("simulator"),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		runs:   make(map[string]*run),
		linked: make(map[string]bool),
	}
}

// Connect restarts the script for the session. The ctx only bounds the
// call; the script itself runs until Disconnect or Close.
func (s *Simulator) Connect(ctx context.Context, userID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := userID + "/" + sessionID
	s.stop(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.runs[key]; ok {
		// a concurrent Connect won the race; its script is superseded
		prev.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.runs[key] = r
	go func() {
		defer close(r.done)
		s.script(runCtx, userID, sessionID, key)
	}()
	return nil
}

// Disconnect stops the script and reports an expected close once the
// script goroutine has exited, so no stale event can follow it.
func (s *Simulator) Disconnect(_ context.Context, userID, sessionID string) error {
	if !s.stop(userID + "/" + sessionID) {
		return nil
	}
	s.emit(context.Background(), adapter.Event{UserID: userID, SessionID: sessionID, Kind: adapter.KindClosed})
	return nil
}

// Forget drops stored credentials so the next Connect pairs again.
func (s *Simulator) Forget(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.linked, userID+"/"+sessionID)
}

// TriggerConflict reports that another device took over the account.
func (s *Simulator) TriggerConflict(userID, sessionID string) {
	s.stop(userID + "/" + sessionID)
	s.emit(context.Background(), conflictEvent(userID, sessionID))
}

func conflictEvent(userID, sessionID string) adapter.Event {
	return adapter.Event{
		UserID:    userID,
		SessionID: sessionID,
		Kind:      adapter.KindConflict,
		Err:       errors.New("account linked on another device"),
	}
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	keys := make([]string, 0, len(s.runs))
	for k := range s.runs {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.stop(k)
	}
	return nil
}

// stop cancels a running script and waits for it. It reports whether one
// was running.
func (s *Simulator) stop(key string) bool {
	s.mu.Lock()
	r, ok := s.runs[key]
	delete(s.runs, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

func (s *Simulator) script(ctx context.Context, userID, sessionID, key string) {
	ev := func(kind adapter.Kind) adapter.Event {
		return adapter.Event{UserID: userID, SessionID: sessionID, Kind: kind}
	}

	if !s.emit(ctx, ev(adapter.KindConnecting)) || !sleep(ctx, s.opts.QRDelay) {
		return
	}

	s.mu.Lock()
	linked := s.linked[key]
	s.mu.Unlock()

	if !linked && !s.pair(ctx, userID, sessionID) {
		return
	}
	s.mu.Lock()
	s.linked[key] = true
	s.mu.Unlock()

	if !s.emit(ctx, ev(adapter.KindOpen)) {
		return
	}

	for {
		if s.opts.DropAfter <= 0 {
			<-ctx.Done()
			return
		}
		if !sleep(ctx, s.jitter(s.opts.DropAfter)) {
			return
		}
		drop := ev(adapter.KindClosed)
		drop.Unexpected = true
		if !s.emit(ctx, drop) {
			return
		}
		if !s.reconnect(ctx, userID, sessionID) {
			return
		}
	}
}

// pair emits rotating QR payloads until LinkDelay has elapsed.
func (s *Simulator) pair(ctx context.Context, userID, sessionID string) bool {
	deadline := time.Now().Add(s.opts.LinkDelay)
	for {
		qr := adapter.Event{UserID: userID, SessionID: sessionID, Kind: adapter.KindQR, QRCode: s.qrPayload()}
		if !s.emit(ctx, qr) {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= s.opts.QRRotate {
			return sleep(ctx, remaining)
		}
		if !sleep(ctx, s.opts.QRRotate) {
			return false
		}
	}
}

// reconnect spends the retry budget. It returns false when the script
// should end, either cancelled or out of retries.
func (s *Simulator) reconnect(ctx context.Context, userID, sessionID string) bool {
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		if !sleep(ctx, s.opts.ReconnectDelay) {
			return false
		}
		if s.opts.ConflictChance > 0 && s.chance(s.opts.ConflictChance) {
			s.emit(ctx, conflictEvent(userID, sessionID))
			return false
		}
		if !s.emit(ctx, adapter.Event{UserID: userID, SessionID: sessionID, Kind: adapter.KindConnecting}) {
			return false
		}
		if s.chance(0.5) {
			return s.emit(ctx, adapter.Event{UserID: userID, SessionID: sessionID, Kind: adapter.KindOpen})
		}
		s.logger.Debug("reconnect attempt failed",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt))
	}
	s.emit(ctx, adapter.Event{
		UserID:    userID,
		SessionID: sessionID,
		Kind:      adapter.KindRetryExhausted,
		Err:       fmt.Errorf("gave up after %d reconnect attempts", s.opts.MaxRetries),
	})
	return false
}

// emit delivers ev unless ctx is already cancelled.
func (s *Simulator) emit(ctx context.Context, ev adapter.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := s.sink.HandleEvent(ev); err != nil {
		s.logger.Debug("event not applied",
			zap.String("user_id", ev.UserID),
			zap.String("session_id", ev.SessionID),
			zap.Stringer("kind", ev.Kind),
			zap.Error(err))
	}
	return true
}

func (s *Simulator) qrPayload() string {
	buf := make([]byte, 24)
	s.mu.Lock()
	s.rng.Read(buf)
	s.mu.Unlock()
	return "2@" + base64.StdEncoding.EncodeToString(buf)
}

func (s *Simulator) chance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < p
}

// jitter returns d scaled by a factor in [0.5, 1.5).
func (s *Simulator) jitter(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(float64(d) * (0.5 + s.rng.Float64()))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ adapter.Adapter = (*Simulator)(nil)
