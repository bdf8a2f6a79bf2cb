package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka-go's Writer the broker needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReader is the subset of kafka-go's Reader the broker needs.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBroker implements Broker against Apache Kafka, used when
// QueueConfig.Backend is "kafka". Retry/dead-letter are plain topics; a
// delayed retry is approximated by sleeping the delay before publishing,
// since Kafka has no native per-message delivery delay the way SQS and
// RabbitMQ do.
type KafkaBroker struct {
	mainWriter       KafkaWriter
	retryWriter      KafkaWriter
	deadLetterWriter KafkaWriter
	reader           KafkaReader

	mu      sync.Mutex
	pending map[string]kafka.Message
}

// NewKafkaBroker constructs a KafkaBroker. The caller supplies pre-built
// writers/reader so the broker stays testable against fakes.
func NewKafkaBroker(mainWriter, retryWriter, deadLetterWriter KafkaWriter, reader KafkaReader) *KafkaBroker {
	return &KafkaBroker{
		mainWriter:       mainWriter,
		retryWriter:      retryWriter,
		deadLetterWriter: deadLetterWriter,
		reader:           reader,
		pending:          make(map[string]kafka.Message),
	}
}

// Receive implements Broker by fetching up to maxMessages, waiting at most
// waitTime for the first one.
func (b *KafkaBroker) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, waitTime)
	defer cancel()

	messages := make([]Message, 0, maxMessages)
	for i := 0; i < maxMessages; i++ {
		km, err := b.reader.FetchMessage(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil {
				break
			}
			return messages, fmt.Errorf("queue: kafka fetch failed: %w", err)
		}

		receipt := fmt.Sprintf("%s/%d/%d", km.Topic, km.Partition, km.Offset)
		b.mu.Lock()
		b.pending[receipt] = km
		b.mu.Unlock()

		messages = append(messages, Message{
			ID:                      receipt,
			Body:                    km.Value,
			Receipt:                 receipt,
			ApproximateReceiveCount: 1,
		})
	}
	return messages, nil
}

// Ack implements Broker by committing the message's offset.
func (b *KafkaBroker) Ack(ctx context.Context, msg Message) error {
	km, err := b.takePending(msg.Receipt)
	if err != nil {
		return err
	}
	if err := b.reader.CommitMessages(ctx, km); err != nil {
		return fmt.Errorf("queue: kafka commit failed: %w", err)
	}
	return nil
}

// Nack implements Broker. Kafka has no redelivery primitive; requeue=true
// simply drops the offset uncommitted so the consumer group re-fetches it on
// the next rebalance or restart. requeue=false commits it regardless,
// leaving dead-letter routing entirely to PublishDeadLetter.
func (b *KafkaBroker) Nack(ctx context.Context, msg Message, requeue bool) error {
	km, err := b.takePending(msg.Receipt)
	if err != nil {
		return err
	}
	if !requeue {
		return b.reader.CommitMessages(ctx, km)
	}
	return nil
}

func (b *KafkaBroker) takePending(receipt string) (kafka.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	km, ok := b.pending[receipt]
	if !ok {
		return kafka.Message{}, fmt.Errorf("queue: unknown kafka receipt %q", receipt)
	}
	delete(b.pending, receipt)
	return km, nil
}

// PublishRetry implements Broker. The delay is applied by sleeping before
// the write rather than a broker-native delivery delay; callers use this on
// the bounded, short delays described in §4.6.
func (b *KafkaBroker) PublishRetry(ctx context.Context, env *Envelope, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.write(ctx, b.retryWriter, env)
}

// PublishDeadLetter implements Broker.
func (b *KafkaBroker) PublishDeadLetter(ctx context.Context, env *Envelope, reason string) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	err = b.deadLetterWriter.WriteMessages(ctx, kafka.Message{
		Value: body,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(reason)},
		},
		Time: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("queue: kafka dead-letter publish failed: %w", err)
	}
	return nil
}

func (b *KafkaBroker) write(ctx context.Context, w KafkaWriter, env *Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{Value: body, Time: time.Now()}); err != nil {
		return fmt.Errorf("queue: kafka publish failed: %w", err)
	}
	return nil
}

// Close implements Broker.
func (b *KafkaBroker) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{b.mainWriter, b.retryWriter, b.deadLetterWriter, b.reader} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
