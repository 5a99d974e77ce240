package hook

import (
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed wait before a dropped stream is reopened.
const DefaultReconnectDelay = 5 * time.Second

// Timer is the part of *time.Timer the Supervisor uses.
type Timer interface {
	Stop() bool
}

// AfterFunc has the shape of time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Lease is a claim on the single active-stream slot. It is taken before
// dialing, so a stream being opened counts as active.
type Lease struct {
	stream Stream
}

// Supervisor guards the one active stream of a Hook and owns its reopen
// timer. At most one stream and one pending reopen exist at any time.
type Supervisor struct {
	delay time.Duration
	after AfterFunc

	mu      sync.Mutex
	active  *Lease
	pending Timer
	seq     uint64 // invalidates fired callbacks of cancelled timers
	stopped bool
	running sync.WaitGroup // reopen callbacks past the seq check
}

func NewSupervisor(delay time.Duration, after AfterFunc) *Supervisor {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if after == nil {
		after = stdAfterFunc
	}
	return &Supervisor{delay: delay, after: after}
}

func (s *Supervisor) Delay() time.Duration { return s.delay }

// Acquire claims the active-stream slot. It fails while another stream is
// open or being opened, and after Stop.
func (s *Supervisor) Acquire() (*Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.active != nil {
		return nil, false
	}
	l := &Lease{}
	s.active = l
	return l, true
}

// Attach binds an opened stream to l. It returns false when l lost the slot
// in the meantime; the caller still owns st and must close it.
func (s *Supervisor) Attach(l *Lease, st Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != l {
		return false
	}
	l.stream = st
	return true
}

// Holds reports whether l is the active lease.
func (s *Supervisor) Holds(l *Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l != nil && s.active == l
}

// Release frees the slot held by l and closes its stream. It returns false
// when l no longer held the slot.
func (s *Supervisor) Release(l *Lease) bool {
	s.mu.Lock()
	if l == nil || s.active != l {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	st := l.stream
	s.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
	return true
}

// Schedule arms one reopen attempt after the fixed delay. It is a no-op
// while an attempt is pending, while a stream is active, or after Stop.
func (s *Supervisor) Schedule(reopen func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pending != nil || s.active != nil {
		return false
	}
	s.seq++
	seq := s.seq
	// The callback blocks on s.mu until pending is assigned.
	s.pending = s.after(s.delay, func() {
		s.mu.Lock()
		if s.stopped || s.seq != seq || s.pending == nil {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.running.Add(1)
		s.mu.Unlock()
		defer s.running.Done()
		reopen()
	})
	return true
}

// Pending reports whether a reopen attempt is armed.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Reset cancels a pending attempt and frees the slot, closing the active
// stream. The Supervisor stays usable.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.seq++
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	l := s.active
	s.active = nil
	s.mu.Unlock()

	if l != nil && l.stream != nil {
		_ = l.stream.Close()
	}
}

// Stop is Reset followed by refusing every later Acquire and Schedule. It
// returns once a reopen callback that already fired has finished, so reopen
// must not block on the caller of Stop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Reset()
	s.running.Wait()
}
