// Package changefeed delivers "your image set changed" notifications per
// owner. Notifications carry no payload: subscribers re-read the full set.
package changefeed

import (
	"context"
	"sync"
)

// Feed publishes and subscribes to per-owner change notifications.
type Feed interface {
	Publish(ctx context.Context, ownerID string) error
	Subscribe(ctx context.Context, ownerID string) (Subscription, error)
}

// Subscription receives coalesced notifications until closed. C is closed
// once the subscription ends.
type Subscription interface {
	C() <-chan struct{}
	Close() error
}

// signal is a one-slot notification channel; pending pings coalesce.
type signal struct {
	ch        chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1), done: make(chan struct{})}
}

func (s *signal) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// stop marks the signal done. The caller closes ch once no sender remains.
func (s *signal) stop() bool {
	stopped := false
	s.closeOnce.Do(func() {
		close(s.done)
		stopped = true
	})
	return stopped
}
