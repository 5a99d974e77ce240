package app

import "github.com/wa-bridge/statussync/internal/notify"

// FeedSink hands notifications to the TUI feed. Deliver never blocks; when
// the UI falls behind, notifications are dropped.
type FeedSink struct {
	ch chan notify.Notification
}

func NewFeedSink(buffer int) *FeedSink {
	if buffer <= 0 {
		buffer = 32
	}
	return &FeedSink{ch: make(chan notify.Notification, buffer)}
}

// C is the channel New reads from.
func (s *FeedSink) C() <-chan notify.Notification { return s.ch }

func (s *FeedSink) Deliver(n notify.Notification) error {
	select {
	case s.ch <- n:
	default:
	}
	return nil
}
