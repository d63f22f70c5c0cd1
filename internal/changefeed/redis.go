package changefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisFeed uses Redis pub/sub, one channel per owner, so every service
// instance sees changes made through any other.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

// NewRedisFeed builds a feed on a shared client. Channels are named
// "{prefix}:{ownerID}".
func NewRedisFeed(client *redis.Client, prefix string) *RedisFeed {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "photoshare:images"
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (f *RedisFeed) channel(ownerID string) string {
	return f.prefix + ":" + ownerID
}

func (f *RedisFeed) Publish(ctx context.Context, ownerID string) error {
	if err := f.client.Publish(ctx, f.channel(ownerID), "changed").Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so a
// Publish issued afterwards is never missed.
func (f *RedisFeed) Subscribe(ctx context.Context, ownerID string) (Subscription, error) {
	ps := f.client.Subscribe(ctx, f.channel(ownerID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	sub := &redisSubscription{ps: ps, sig: newSignal()}
	go sub.pump(ps.Channel())
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	sig *signal
}

func (s *redisSubscription) pump(messages <-chan *redis.Message) {
	defer close(s.sig.ch)
	for {
		select {
		case <-s.sig.done:
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			s.sig.notify()
		}
	}
}

func (s *redisSubscription) C() <-chan struct{} { return s.sig.ch }

func (s *redisSubscription) Close() error {
	if !s.sig.stop() {
		return nil
	}
	return s.ps.Close()
}
