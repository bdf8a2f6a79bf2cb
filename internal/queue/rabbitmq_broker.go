package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of an amqp091-go channel the broker needs.
type AMQPChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// RabbitMQBroker implements Broker against RabbitMQ, used when
// QueueConfig.Backend is "rabbitmq" (§6). Each logical queue (main, retry,
// dead-letter) is a plain durable queue name; retry delay is implemented
// via a per-message TTL plus dead-lettering back to the main queue,
// configured at the exchange/queue topology level outside this client.
type RabbitMQBroker struct {
	channel       AMQPChannel
	mainQueue     string
	retryQueue    string
	deadLetterQueue string

	mu      sync.Mutex
	pending map[string]uint64 // message id -> delivery tag, for Ack/Nack
	deliveries <-chan amqp.Delivery
}

// NewRabbitMQBroker constructs a RabbitMQBroker and starts consuming from
// mainQueue.
func NewRabbitMQBroker(channel AMQPChannel, mainQueue, retryQueue, deadLetterQueue string) (*RabbitMQBroker, error) {
	deliveries, err := channel.Consume(mainQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: rabbitmq consume failed: %w", err)
	}
	return &RabbitMQBroker{
		channel:         channel,
		mainQueue:       mainQueue,
		retryQueue:      retryQueue,
		deadLetterQueue: deadLetterQueue,
		pending:         make(map[string]uint64),
		deliveries:      deliveries,
	}, nil
}

// Receive implements Broker by draining up to maxMessages deliveries,
// waiting at most waitTime for the first one.
func (b *RabbitMQBroker) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	messages := make([]Message, 0, maxMessages)
	timeout := time.After(waitTime)

	for i := 0; i < maxMessages; i++ {
		select {
		case d, ok := <-b.deliveries:
			if !ok {
				return messages, nil
			}
			receipt := strconv.FormatUint(d.DeliveryTag, 10)

			b.mu.Lock()
			b.pending[receipt] = d.DeliveryTag
			b.mu.Unlock()

			// AMQP doesn't track an exact receive count; Redelivered only
			// distinguishes "at least once before" from "first delivery".
			receiveCount := 1
			if d.Redelivered {
				receiveCount = 2
			}
			messages = append(messages, Message{
				ID:                      d.MessageId,
				Body:                    d.Body,
				Receipt:                 receipt,
				ApproximateReceiveCount: receiveCount,
			})
		case <-timeout:
			return messages, nil
		case <-ctx.Done():
			return messages, ctx.Err()
		}
	}
	return messages, nil
}

// Ack implements Broker.
func (b *RabbitMQBroker) Ack(ctx context.Context, msg Message) error {
	tag, err := b.deliveryTag(msg)
	if err != nil {
		return err
	}
	return b.channel.Ack(tag, false)
}

// Nack implements Broker.
func (b *RabbitMQBroker) Nack(ctx context.Context, msg Message, requeue bool) error {
	tag, err := b.deliveryTag(msg)
	if err != nil {
		return err
	}
	return b.channel.Nack(tag, false, requeue)
}

func (b *RabbitMQBroker) deliveryTag(msg Message) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tag, ok := b.pending[msg.Receipt]
	if !ok {
		return 0, fmt.Errorf("queue: unknown delivery receipt %q", msg.Receipt)
	}
	delete(b.pending, msg.Receipt)
	return tag, nil
}

// PublishRetry implements Broker by publishing to the retry queue with a
// per-message TTL header matching delay; the retry queue's dead-letter
// exchange is expected to route expired messages back to mainQueue.
func (b *RabbitMQBroker) PublishRetry(ctx context.Context, env *Envelope, delay time.Duration) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.channel.Publish("", b.retryQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// PublishDeadLetter implements Broker.
func (b *RabbitMQBroker) PublishDeadLetter(ctx context.Context, env *Envelope, reason string) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.channel.Publish("", b.deadLetterQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Headers:      amqp.Table{"reason": reason},
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Close implements Broker.
func (b *RabbitMQBroker) Close() error {
	return b.channel.Close()
}
