// Package registry persists the set of known (user, session) pairs so a
// restarted server can show them again before the protocol client has
// reconnected anything.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/session"
)

var (
	ErrClosed   = errors.New("session registry is closed")
	ErrNotFound = errors.New("session not registered")
)

var sessionsBucket = []byte("sessions")

// keySep cannot appear in validated ids.
const keySep = "\x00"

// Record is one persisted session.
type Record struct {
	UserID          string        `json:"userId"`
	SessionID       string        `json:"sessionId"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastState       session.State `json:"lastState"`
	LastConnectedAt *time.Time    `json:"lastConnectedAt,omitempty"`
}

// pendingWrite is the latest observed change of one session that has not
// been committed yet.
type pendingWrite struct {
	removed     bool
	state       session.State
	connectedAt *time.Time
}

// Registry is a session.Observer. Observed changes are queued in memory and
// committed by a single writer goroutine, so the store never waits on disk.
type Registry struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
	logger *zap.Logger

	pmu      sync.Mutex
	pending  map[string]pendingWrite
	stopping bool
	flushMu  sync.Mutex
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func Open(path string, logger *zap.Logger) (*Registry, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure registry dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create registry bucket: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		db:      db,
		logger:  logger.Named("registry"),
		pending: map[string]pendingWrite{},
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.writer()
	return r, nil
}

// Close commits the queued changes and closes the database.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() {
		r.pmu.Lock()
		r.stopping = true
		r.pmu.Unlock()
		close(r.quit)
		<-r.done
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func (r *Registry) writer() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			r.Flush()
		case <-r.quit:
			r.Flush()
			return
		}
	}
}

// Flush commits every queued change in one transaction.
func (r *Registry) Flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.pmu.Lock()
	batch := r.pending
	r.pending = map[string]pendingWrite{}
	r.pmu.Unlock()
	if len(batch) == 0 {
		return
	}

	err := r.update(func(b *bolt.Bucket) error {
		for k, p := range batch {
			key := []byte(k)
			if p.removed {
				if err := b.Delete(key); err != nil {
					return err
				}
				continue
			}
			data := b.Get(key)
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			rec.LastState = p.state
			if p.connectedAt != nil {
				rec.LastConnectedAt = p.connectedAt
			}
			if err := putRecord(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		r.logger.Warn("commit session changes", zap.Int("sessions", len(batch)), zap.Error(err))
	}
}

// enqueue merges a change into the pending write of its session and wakes
// the writer. It never blocks.
func (r *Registry) enqueue(userID, sessionID string, merge func(p *pendingWrite)) {
	k := string(recordKey(userID, sessionID))
	r.pmu.Lock()
	if r.stopping {
		r.pmu.Unlock()
		return
	}
	p := r.pending[k]
	merge(&p)
	r.pending[k] = p
	r.pmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// forgetPending drops queued writes of the pair that a synchronous write
// supersedes. With removalOnly set a queued state change is kept.
func (r *Registry) forgetPending(userID, sessionID string, removalOnly bool) {
	k := string(recordKey(userID, sessionID))
	r.pmu.Lock()
	if p, ok := r.pending[k]; ok && (p.removed || !removalOnly) {
		delete(r.pending, k)
	}
	r.pmu.Unlock()
}

// Register stores the pair if it is not known yet. A removal of the pair
// still queued is discarded.
func (r *Registry) Register(userID, sessionID string, createdAt time.Time) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.forgetPending(userID, sessionID, true)
	return r.update(func(b *bolt.Bucket) error {
		k := recordKey(userID, sessionID)
		if b.Get(k) != nil {
			return nil
		}
		return putRecord(b, Record{
			UserID:    userID,
			SessionID: sessionID,
			CreatedAt: createdAt.UTC(),
			LastState: session.Disconnected,
		})
	})
}

func (r *Registry) Delete(userID, sessionID string) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.forgetPending(userID, sessionID, false)
	return r.update(func(b *bolt.Bucket) error {
		return b.Delete(recordKey(userID, sessionID))
	})
}

func (r *Registry) Get(userID, sessionID string) (Record, error) {
	var rec Record
	err := r.view(func(b *bolt.Bucket) error {
		data := b.Get(recordKey(userID, sessionID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// List returns every record ordered by user then session id.
func (r *Registry) List() ([]Record, error) {
	var out []Record
	err := r.view(func(b *bolt.Bucket) error {
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// SessionChanged queues the last state of a registered session. Sessions
// the registry does not know are ignored when the change is committed.
func (r *Registry) SessionChanged(d session.Delta) {
	r.enqueue(d.UserID, d.SessionID, func(p *pendingWrite) {
		p.removed = false
		p.state = d.Current
		if d.Current == session.Connected {
			at := d.Timestamp.UTC()
			p.connectedAt = &at
		}
	})
}

// SessionRemoved queues the deletion of the pair.
func (r *Registry) SessionRemoved(userID, sessionID string, _ time.Time) {
	r.enqueue(userID, sessionID, func(p *pendingWrite) {
		*p = pendingWrite{removed: true}
	})
}

func (r *Registry) view(fn func(b *bolt.Bucket) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return r.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(sessionsBucket))
	})
}

func (r *Registry) update(fn func(b *bolt.Bucket) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(sessionsBucket))
	})
}

func recordKey(userID, sessionID string) []byte {
	return []byte(userID + keySep + sessionID)
}

func putRecord(b *bolt.Bucket, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(recordKey(rec.UserID, rec.SessionID), data)
}

var _ session.Observer = (*Registry)(nil)
