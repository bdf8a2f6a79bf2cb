package queue

import (
	"context"
	"time"
)

// Message is one delivery pulled off a logical queue.
type Message struct {
	ID                       string
	Body                     []byte
	Receipt                  string
	ApproximateReceiveCount  int
}

// Broker is the generalized message-queue client behind the three logical
// queues of §4.6 (main, retry, dead-letter), abstracting over SQS, RabbitMQ,
// and Kafka the way the engine's MessageQueue interface abstracts over its
// own transports.
type Broker interface {
	// Receive pulls up to maxMessages from the main queue, long-polling up
	// to waitTime.
	Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error)
	// Ack removes a message from the main queue after successful handling
	// (or a terminal drop per §4.6 step 4).
	Ack(ctx context.Context, msg Message) error
	// Nack returns a message to the main queue (requeue=true) or lets it
	// fall through to the broker's configured DLQ policy (requeue=false).
	Nack(ctx context.Context, msg Message, requeue bool) error
	// PublishRetry enqueues env onto the retry queue with a delivery delay.
	PublishRetry(ctx context.Context, env *Envelope, delay time.Duration) error
	// PublishDeadLetter enqueues env onto the dead-letter queue for operator
	// inspection; reason is carried as a message attribute.
	PublishDeadLetter(ctx context.Context, env *Envelope, reason string) error
	// Close releases the broker's underlying connection.
	Close() error
}
