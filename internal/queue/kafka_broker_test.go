package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafkaWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

type fakeKafkaReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-time.After(time.Hour):
		return kafka.Message{}, io.EOF
	}
}

func (r *fakeKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeKafkaReader) Close() error {
	r.closed = true
	return nil
}

func newTestKafkaBroker() (*KafkaBroker, *fakeKafkaWriter, *fakeKafkaWriter, *fakeKafkaWriter, *fakeKafkaReader) {
	mainWriter := &fakeKafkaWriter{}
	retryWriter := &fakeKafkaWriter{}
	dlqWriter := &fakeKafkaWriter{}
	reader := &fakeKafkaReader{}
	return NewKafkaBroker(mainWriter, retryWriter, dlqWriter, reader), mainWriter, retryWriter, dlqWriter, reader
}

func TestKafkaBrokerReceiveReturnsFetchedMessages(t *testing.T) {
	b, _, _, _, reader := newTestKafkaBroker()
	reader.queue = []kafka.Message{
		{Topic: "executions", Partition: 0, Offset: 1, Value: []byte(`{"executionId":"e1"}`)},
	}

	msgs, err := b.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte(`{"executionId":"e1"}`), msgs[0].Body)
	assert.Equal(t, 1, msgs[0].ApproximateReceiveCount)
}

func TestKafkaBrokerAckCommitsOffset(t *testing.T) {
	b, _, _, _, reader := newTestKafkaBroker()
	reader.queue = []kafka.Message{{Topic: "executions", Partition: 0, Offset: 5, Value: []byte("x")}}

	msgs, err := b.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, b.Ack(context.Background(), msgs[0]))
	assert.Len(t, reader.committed, 1)
	assert.Equal(t, int64(5), reader.committed[0].Offset)
}

func TestKafkaBrokerAckUnknownReceiptFails(t *testing.T) {
	b, _, _, _, _ := newTestKafkaBroker()
	err := b.Ack(context.Background(), Message{Receipt: "nonexistent"})
	assert.Error(t, err)
}

func TestKafkaBrokerNackRequeueLeavesOffsetUncommitted(t *testing.T) {
	b, _, _, _, reader := newTestKafkaBroker()
	reader.queue = []kafka.Message{{Topic: "executions", Partition: 0, Offset: 2, Value: []byte("x")}}

	msgs, err := b.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, b.Nack(context.Background(), msgs[0], true))
	assert.Empty(t, reader.committed)
}

func TestKafkaBrokerNackNoRequeueCommitsOffset(t *testing.T) {
	b, _, _, _, reader := newTestKafkaBroker()
	reader.queue = []kafka.Message{{Topic: "executions", Partition: 0, Offset: 3, Value: []byte("x")}}

	msgs, err := b.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, b.Nack(context.Background(), msgs[0], false))
	assert.Len(t, reader.committed, 1)
}

func TestKafkaBrokerPublishRetryWritesAfterDelay(t *testing.T) {
	b, _, retryWriter, _, _ := newTestKafkaBroker()
	env := &Envelope{ExecutionID: "e1", WorkflowID: "w1", UserID: "u1"}

	start := time.Now()
	err := b.PublishRetry(context.Background(), env, 20*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Len(t, retryWriter.messages, 1)
}

func TestKafkaBrokerPublishRetryHonorsContextCancel(t *testing.T) {
	b, _, _, _, _ := newTestKafkaBroker()
	env := &Envelope{ExecutionID: "e1", WorkflowID: "w1", UserID: "u1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.PublishRetry(ctx, env, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKafkaBrokerPublishDeadLetterIncludesReason(t *testing.T) {
	b, _, _, dlqWriter, _ := newTestKafkaBroker()
	env := &Envelope{ExecutionID: "e1", WorkflowID: "w1", UserID: "u1"}

	require.NoError(t, b.PublishDeadLetter(context.Background(), env, "max retries exceeded"))
	require.Len(t, dlqWriter.messages, 1)

	var reasonFound bool
	for _, h := range dlqWriter.messages[0].Headers {
		if h.Key == "reason" && string(h.Value) == "max retries exceeded" {
			reasonFound = true
		}
	}
	assert.True(t, reasonFound)
}

func TestKafkaBrokerWritePropagatesWriterError(t *testing.T) {
	b, mainWriter, _, _, _ := newTestKafkaBroker()
	mainWriter.err = errors.New("broker unreachable")

	err := b.write(context.Background(), mainWriter, &Envelope{ExecutionID: "e1", WorkflowID: "w1", UserID: "u1"})
	assert.Error(t, err)
}

func TestKafkaBrokerCloseClosesAllResources(t *testing.T) {
	b, mainWriter, retryWriter, dlqWriter, reader := newTestKafkaBroker()

	require.NoError(t, b.Close())
	assert.True(t, mainWriter.closed)
	assert.True(t, retryWriter.closed)
	assert.True(t, dlqWriter.closed)
	assert.True(t, reader.closed)
}
