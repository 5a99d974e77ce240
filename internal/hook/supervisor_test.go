package hook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorSingleStream(t *testing.T) {
	s := NewSupervisor(0, (&fakeClock{}).AfterFunc)
	assert.Equal(t, DefaultReconnectDelay, s.Delay())

	l, ok := s.Acquire()
	require.True(t, ok)
	_, ok = s.Acquire()
	assert.False(t, ok, "slot taken while dialing")

	st := newFakeStream()
	require.True(t, s.Attach(l, st))
	assert.True(t, s.Holds(l))

	assert.True(t, s.Release(l))
	assert.True(t, st.isClosed())
	assert.False(t, s.Release(l), "second release is stale")

	_, ok = s.Acquire()
	assert.True(t, ok)
}

func TestSupervisorAttachAfterReset(t *testing.T) {
	s := NewSupervisor(time.Second, (&fakeClock{}).AfterFunc)
	l, _ := s.Acquire()
	s.Reset()
	assert.False(t, s.Attach(l, newFakeStream()))
	assert.False(t, s.Holds(l))
}

func TestSupervisorSchedule(t *testing.T) {
	clock := &fakeClock{}
	s := NewSupervisor(time.Second, clock.AfterFunc)
	fired := 0
	reopen := func() { fired++ }

	l, _ := s.Acquire()
	assert.False(t, s.Schedule(reopen), "stream active")
	s.Release(l)

	require.True(t, s.Schedule(reopen))
	assert.False(t, s.Schedule(reopen), "already pending")
	assert.True(t, s.Pending())
	require.Equal(t, 1, clock.count())
	assert.Equal(t, time.Second, clock.timer(0).delay)

	clock.timer(0).fn()
	clock.timer(0).fn()
	assert.Equal(t, 1, fired)
	assert.False(t, s.Pending())

	require.True(t, s.Schedule(reopen))
	s.Reset()
	assert.True(t, clock.timer(1).stopped)
	clock.timer(1).fn()
	assert.Equal(t, 1, fired, "cancelled timer does not reopen")
}

func TestSupervisorStop(t *testing.T) {
	clock := &fakeClock{}
	s := NewSupervisor(time.Second, clock.AfterFunc)
	l, _ := s.Acquire()
	st := newFakeStream()
	s.Attach(l, st)

	s.Stop()
	assert.True(t, st.isClosed())
	_, ok := s.Acquire()
	assert.False(t, ok)
	assert.False(t, s.Schedule(func() {}))
}

func TestSupervisorStopWaitsForFiredReopen(t *testing.T) {
	clock := &fakeClock{}
	s := NewSupervisor(time.Second, clock.AfterFunc)
	entered := make(chan struct{})
	release := make(chan struct{})
	require.True(t, s.Schedule(func() {
		close(entered)
		<-release
	}))
	go clock.timer(0).fn()
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a reopen was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the reopen finished")
	}
}

func TestSupervisorRealTimer(t *testing.T) {
	s := NewSupervisor(time.Millisecond, nil)
	fired := make(chan struct{})
	require.True(t, s.Schedule(func() { close(fired) }))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reopen did not fire")
	}
}
