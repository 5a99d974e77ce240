package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wa-bridge/statussync/internal/adapter"
)

// Request asks the store to move a session to a new state.
type Request struct {
	UserID    string
	SessionID string
	To        State
	QRCode    string // kept only when To is QRRequired
	Error     string
}

func (r Request) key() Key { return Key{UserID: r.UserID, SessionID: r.SessionID} }

type entry struct {
	mu      sync.Mutex // serializes transitions of this session
	rec     Session    // guarded by Store.mu
	removed bool       // guarded by Store.mu
}

// Store is the in-memory status table. It owns every Session record.
type Store struct {
	mu        sync.RWMutex
	sessions  map[Key]*entry
	observers []Observer
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[Key]*entry),
		now:      time.Now,
	}
}

// AddObserver registers o for every later mutation.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]Observer, len(s.observers), len(s.observers)+1)
	copy(next, s.observers)
	s.observers = append(next, o)
}

// Ensure returns the record for the pair, creating it in Disconnected when
// absent. Creation is not a transition and emits nothing.
func (s *Store) Ensure(userID, sessionID string) (Session, bool) {
	return s.ensureAt(userID, sessionID, time.Time{})
}

// Seed creates a Disconnected record for a session known from a previous
// run. It is a no-op when the record already exists.
func (s *Store) Seed(userID, sessionID string, createdAt time.Time) {
	s.ensureAt(userID, sessionID, createdAt)
}

func (s *Store) ensureAt(userID, sessionID string, createdAt time.Time) (Session, bool) {
	k := Key{UserID: userID, SessionID: sessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[k]; ok {
		return e.rec, false
	}
	now := s.now()
	if createdAt.IsZero() {
		createdAt = now
	}
	e := &entry{rec: Session{
		UserID:    userID,
		SessionID: sessionID,
		State:     Disconnected,
		UpdatedAt: now,
		CreatedAt: createdAt,
	}}
	s.sessions[k] = e
	return e.rec, true
}

func (s *Store) Get(userID, sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[Key{UserID: userID, SessionID: sessionID}]
	if !ok {
		return Session{}, false
	}
	return e.rec, true
}

// Snapshot copies every session of userID. An unknown user yields an empty,
// non-nil map.
func (s *Store) Snapshot(userID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		UserID:   userID,
		Sessions: make(map[string]Session),
		TakenAt:  s.now(),
	}
	for k, e := range s.sessions {
		if k.UserID == userID {
			snap.Sessions[k.SessionID] = e.rec
		}
	}
	return snap
}

// Users returns every user with at least one session, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range s.sessions {
		seen[k.UserID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ConnectedCount returns the number of sessions in Connected.
func (s *Store) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.sessions {
		if e.rec.State == Connected {
			count++
		}
	}
	return count
}

// Transition applies req. It returns ErrNoChange when the session is already
// in req.To, a *TransitionError for an edge the machine does not have, and
// ErrNotFound for an unknown pair.
func (s *Store) Transition(req Request) (Delta, error) {
	e, err := s.lockEntry(req.key())
	if err != nil {
		return Delta{}, err
	}
	defer e.mu.Unlock()
	return s.transitionLocked(e, req)
}

// Remove drops the record. A session that is not Disconnected is first
// moved there, so subscribers see the final transition before the removal.
func (s *Store) Remove(userID, sessionID string) error {
	e, err := s.lockEntry(Key{UserID: userID, SessionID: sessionID})
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if _, err := s.transitionLocked(e, Request{UserID: userID, SessionID: sessionID, To: Disconnected}); err != nil && !errors.Is(err, ErrNoChange) {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, Key{UserID: userID, SessionID: sessionID})
	e.removed = true
	now := s.now()
	observers := s.observers
	s.mu.Unlock()

	for _, o := range observers {
		o.SessionRemoved(userID, sessionID, now)
	}
	return nil
}

// HandleEvent translates a raw adapter event into a transition request.
func (s *Store) HandleEvent(ev adapter.Event) error {
	e, err := s.lockEntry(Key{UserID: ev.UserID, SessionID: ev.SessionID})
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	s.mu.RLock()
	current := e.rec.State
	s.mu.RUnlock()

	req := Request{UserID: ev.UserID, SessionID: ev.SessionID}
	switch ev.Kind {
	case adapter.KindConnecting:
		req.To = Connecting
		if current == Connected || current == Reconnecting {
			req.To = Reconnecting
		}
	case adapter.KindQR:
		if current == QRRequired {
			// Pairing codes rotate while the state stays put.
			s.mu.Lock()
			e.rec.QRCode = ev.QRCode
			s.mu.Unlock()
			return nil
		}
		req.To = QRRequired
		req.QRCode = ev.QRCode
	case adapter.KindOpen:
		req.To = Connected
	case adapter.KindClosed:
		req.To = Disconnected
		if ev.Unexpected && (current == Connected || current == Reconnecting) {
			req.To = Reconnecting
		}
	case adapter.KindLoggedOut:
		req.To = Disconnected
	case adapter.KindRetryExhausted:
		req.To = Failed
		req.Error = errString(ev.Err, "reconnect attempts exhausted")
	case adapter.KindConflict:
		req.To = Conflict
		req.Error = errString(ev.Err, "another device is linked to this account")
	case adapter.KindError:
		if current == Connecting || current == QRRequired {
			req.To = Failed
			req.Error = errString(ev.Err, "connection failed")
			break
		}
		s.mu.Lock()
		e.rec.Error = errString(ev.Err, "adapter error")
		s.mu.Unlock()
		return nil
	default:
		return &TransitionError{From: current, To: current}
	}

	_, err = s.transitionLocked(e, req)
	return err
}

// lockEntry returns the entry for k with its mutex held.
func (s *Store) lockEntry(k Key) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[k]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()

	s.mu.RLock()
	removed := e.removed
	s.mu.RUnlock()
	if removed {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

// transitionLocked requires e.mu. Observers run before e.mu is released.
func (s *Store) transitionLocked(e *entry, req Request) (Delta, error) {
	s.mu.Lock()
	prev := e.rec.State
	if err := checkTransition(prev, req.To); err != nil {
		s.mu.Unlock()
		return Delta{}, err
	}

	now := s.now()
	e.rec.State = req.To
	e.rec.UpdatedAt = now
	e.rec.QRCode = ""
	if req.To == QRRequired {
		e.rec.QRCode = req.QRCode
	}
	e.rec.Error = req.Error

	d := Delta{
		UserID:    e.rec.UserID,
		SessionID: e.rec.SessionID,
		Previous:  prev,
		Current:   req.To,
		QRCode:    e.rec.QRCode,
		Error:     e.rec.Error,
		Timestamp: now,
	}
	observers := s.observers
	s.mu.Unlock()

	for _, o := range observers {
		o.SessionChanged(d)
	}
	return d, nil
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
