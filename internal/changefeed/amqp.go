package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPFeed publishes to a topic exchange with the owner ID as routing key.
// Each subscription binds its own exclusive auto-delete queue.
type AMQPFeed struct {
	conn     *amqp.Connection
	exchange string

	mu  sync.Mutex
	pub *amqp.Channel
}

// NewAMQPFeed dials url and declares the exchange.
func NewAMQPFeed(url, exchange string) (*AMQPFeed, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("amqp exchange required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPFeed{conn: conn, exchange: exchange, pub: ch}, nil
}

// Close closes the connection and every subscription on it.
func (f *AMQPFeed) Close() error {
	return f.conn.Close()
}

func (f *AMQPFeed) Publish(ctx context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.pub.PublishWithContext(ctx, f.exchange, ownerRoutingKey(ownerID), false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte("changed"),
	})
	if err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (f *AMQPFeed) Subscribe(ctx context.Context, ownerID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, ownerRoutingKey(ownerID), f.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	sub := &amqpSubscription{ch: ch, sig: newSignal()}
	go sub.pump(deliveries)
	return sub, nil
}

type amqpSubscription struct {
	ch  *amqp.Channel
	sig *signal
}

func (s *amqpSubscription) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.sig.ch)
	for {
		select {
		case <-s.sig.done:
			return
		case _, ok := <-deliveries:
			if !ok {
				return
			}
			s.sig.notify()
		}
	}
}

func (s *amqpSubscription) C() <-chan struct{} { return s.sig.ch }

func (s *amqpSubscription) Close() error {
	if !s.sig.stop() {
		return nil
	}
	return s.ch.Close()
}

// ownerRoutingKey escapes topic wildcards and separators in owner IDs.
func ownerRoutingKey(ownerID string) string {
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(ownerID)
}
