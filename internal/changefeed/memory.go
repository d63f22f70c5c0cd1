package changefeed

import (
	"context"
	"sync"
)

// MemoryFeed fans out notifications inside one process.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryFeed builds an in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (f *MemoryFeed) Publish(ctx context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[ownerID] {
		sub.sig.notify()
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, ownerID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{feed: f, ownerID: ownerID, sig: newSignal()}
	f.mu.Lock()
	if f.subs[ownerID] == nil {
		f.subs[ownerID] = make(map[*memorySubscription]struct{})
	}
	f.subs[ownerID][sub] = struct{}{}
	f.mu.Unlock()
	return sub, nil
}

// Subscribers reports the number of live subscriptions for ownerID.
func (f *MemoryFeed) Subscribers(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[ownerID])
}

type memorySubscription struct {
	feed    *MemoryFeed
	ownerID string
	sig     *signal
}

func (s *memorySubscription) C() <-chan struct{} { return s.sig.ch }

func (s *memorySubscription) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if !s.sig.stop() {
		return nil
	}
	if subs := s.feed.subs[s.ownerID]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.feed.subs, s.ownerID)
		}
	}
	close(s.sig.ch)
	return nil
}
