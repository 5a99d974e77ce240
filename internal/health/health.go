// Package health reports process and status-table health for /healthz.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// SessionCounter is implemented by session.Store.
type SessionCounter interface {
	Count() int
	ConnectedCount() int
}

// SubscriberCounter is implemented by ws.Broadcaster.
type SubscriberCounter interface {
	ClientCount() int
}

type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	OpenFDs    int32   `json:"openFds,omitempty"`
	Goroutines int     `json:"goroutines"`
}

type Report struct {
	Status        string       `json:"status"`
	StartedAt     time.Time    `json:"startedAt"`
	UptimeSeconds float64      `json:"uptimeSeconds"`
	Sessions      int          `json:"sessions"`
	Connected     int          `json:"connected"`
	Subscribers   int          `json:"subscribers"`
	Process       ProcessStats `json:"process"`
}

type Checker struct {
	started     time.Time
	sessions    SessionCounter
	subscribers SubscriberCounter
	logger      *zap.Logger

	once sync.Once
	proc *process.Process
}

func NewChecker(sessions SessionCounter, subscribers SubscriberCounter, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		started:     time.Now(),
		sessions:    sessions,
		subscribers: subscribers,
		logger:      logger.Named("health"),
	}
}

// Report collects a fresh health report. Process stats the platform cannot
// provide are left at zero.
func (c *Checker) Report(ctx context.Context) Report {
	r := Report{
		Status:        "ok",
		StartedAt:     c.started,
		UptimeSeconds: time.Since(c.started).Seconds(),
		Process: ProcessStats{
			PID:        int32(os.Getpid()),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	if c.sessions != nil {
		r.Sessions = c.sessions.Count()
		r.Connected = c.sessions.ConnectedCount()
	}
	if c.subscribers != nil {
		r.Subscribers = c.subscribers.ClientCount()
	}

	p := c.process(ctx)
	if p == nil {
		return r
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		r.Process.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		r.Process.CPUPercent = cpu
	}
	if fds, err := p.NumFDsWithContext(ctx); err == nil {
		r.Process.OpenFDs = fds
	}
	return r
}

func (c *Checker) process(ctx context.Context) *process.Process {
	c.once.Do(func() {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			c.logger.Warn("process stats unavailable", zap.Error(err))
			return
		}
		c.proc = p
	})
	return c.proc
}
