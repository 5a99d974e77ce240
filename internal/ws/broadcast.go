package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/session"
)

var (
	ErrBroadcasterClosed = errors.New("broadcaster closed")
	ErrTooManyStreams    = errors.New("too many streams for user")
)

const defaultSendBuffer = 64

// BroadcastMetrics is the subset of telemetry.Metrics the Broadcaster feeds.
type BroadcastMetrics interface {
	SubscriberAdded()
	SubscriberRemoved()
	PushDropped()
}

type subscriber struct {
	id     string
	userID string
	send   chan []byte // closed by the Broadcaster on removal
}

// Subscription is one registered stream. Messages yields the snapshot first,
// then every change pushed for the user, and is closed on removal.
type Subscription struct {
	b    *Broadcaster
	sub  *subscriber
	stop func() bool
}

func (s *Subscription) ID() string { return s.sub.id }

func (s *Subscription) UserID() string { return s.sub.userID }

func (s *Subscription) Messages() <-chan []byte { return s.sub.send }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.stop()
	s.b.remove(s.sub)
}

// Broadcaster fans Store changes out to the subscribers of each user. It is
// registered on the Store as a session.Observer.
type Broadcaster struct {
	mu      sync.Mutex
	users   map[string]map[*subscriber]struct{}
	count   int
	closed  bool
	store   *session.Store
	buffer  int
	maxUser int
	logger  *zap.Logger
	metrics BroadcastMetrics
}

type BroadcasterOption func(*Broadcaster)

// WithSendBuffer sets the per-subscriber outbound buffer.
func WithSendBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMaxPerUser caps concurrent streams per user. Zero means no cap.
func WithMaxPerUser(n int) BroadcasterOption {
	return func(b *Broadcaster) { b.maxUser = n }
}

func WithBroadcastLogger(l *zap.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithBroadcastMetrics(m BroadcastMetrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

func NewBroadcaster(store *session.Store, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		users:  make(map[string]map[*subscriber]struct{}),
		store:  store,
		buffer: defaultSendBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("broadcaster")
	return b
}

// Subscribe registers a subscriber for userID and queues the user's
// snapshot as its first message. The subscription is removed when ctx is
// done, when Close is called, or when it falls behind.
func (b *Broadcaster) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBroadcasterClosed
	}
	if b.maxUser > 0 && len(b.users[userID]) >= b.maxUser {
		b.mu.Unlock()
		return nil, ErrTooManyStreams
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, b.buffer),
	}
	// Taking the snapshot under b.mu means every change accepted after it
	// is pushed to this subscriber.
	data, err := json.Marshal(NewStatusMessage(b.store.Snapshot(userID)))
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	sub.send <- data

	set, ok := b.users[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.users[userID] = set
	}
	set[sub] = struct{}{}
	b.count++
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscriberAdded()
	}
	b.logger.Debug("subscriber added", zap.String("user_id", userID), zap.String("subscriber_id", sub.id))

	s := &Subscription{b: b, sub: sub}
	s.stop = context.AfterFunc(ctx, func() { b.remove(sub) })
	return s, nil
}

// SessionChanged pushes the change to every subscriber of the user.
func (b *Broadcaster) SessionChanged(d session.Delta) {
	b.push(d.UserID, NewStatusChangeMessage(d))
}

func (b *Broadcaster) SessionRemoved(userID, sessionID string, at time.Time) {
	b.push(userID, SessionRemovedMessage{Type: MsgSessionRemoved, SessionID: sessionID, Timestamp: at})
}

func (b *Broadcaster) push(userID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshal push", zap.String("user_id", userID), zap.Error(err))
		return
	}

	var dropped []*subscriber
	b.mu.Lock()
	for sub := range b.users[userID] {
		select {
		case sub.send <- data:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		if b.metrics != nil {
			b.metrics.PushDropped()
			b.metrics.SubscriberRemoved()
		}
		b.logger.Warn("subscriber too slow, removing",
			zap.String("user_id", userID),
			zap.String("subscriber_id", sub.id))
	}
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	removed := b.removeLocked(sub)
	b.mu.Unlock()
	if removed {
		if b.metrics != nil {
			b.metrics.SubscriberRemoved()
		}
		b.logger.Debug("subscriber removed", zap.String("user_id", sub.userID), zap.String("subscriber_id", sub.id))
	}
}

func (b *Broadcaster) removeLocked(sub *subscriber) bool {
	set, ok := b.users[sub.userID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.users, sub.userID)
	}
	b.count--
	close(sub.send)
	return true
}

// Close removes every subscriber. Later Subscribe calls fail.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	var n int
	for _, set := range b.users {
		for sub := range set {
			close(sub.send)
			n++
		}
	}
	b.users = make(map[string]map[*subscriber]struct{})
	b.count = 0
	b.mu.Unlock()

	if b.metrics != nil {
		for i := 0; i < n; i++ {
			b.metrics.SubscriberRemoved()
		}
	}
}

// SubscriberCount returns the number of live subscribers of userID.
func (b *Broadcaster) SubscriberCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users[userID])
}

// ClientCount returns the number of live subscribers across all users.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

var _ session.Observer = (*Broadcaster)(nil)
