package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSClient is the subset of the aws-sdk-go-v2 SQS client the broker needs,
// narrowed for testability the way the engine narrows its SQSClient
// interface.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSBroker implements Broker against AWS SQS, using three queue URLs for
// the main/retry/dead-letter logical queues of §4.6. The retry queue is
// expected to be configured with per-message delay seconds; the
// dead-letter queue is expected to be wired as the main queue's redrive
// target so Nack(requeue=false) relies on SQS's own maxReceiveCount policy.
type SQSBroker struct {
	client      SQSClient
	mainURL     string
	retryURL    string
	deadLetterURL string
}

// NewSQSBroker constructs an SQSBroker.
func NewSQSBroker(client SQSClient, mainURL, retryURL, deadLetterURL string) *SQSBroker {
	return &SQSBroker{client: client, mainURL: mainURL, retryURL: retryURL, deadLetterURL: deadLetterURL}
}

const maxSQSBatch = 10

// Receive implements Broker.
func (b *SQSBroker) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	if maxMessages <= 0 || maxMessages > maxSQSBatch {
		maxMessages = maxSQSBatch
	}
	waitSeconds := int32(waitTime.Seconds())
	if waitSeconds > 20 {
		waitSeconds = 20
	}

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(b.mainURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: sqs receive failed: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		receiveCount := 1
		if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				receiveCount = n
			}
		}
		messages = append(messages, Message{
			ID:                      aws.ToString(m.MessageId),
			Body:                    []byte(aws.ToString(m.Body)),
			Receipt:                 aws.ToString(m.ReceiptHandle),
			ApproximateReceiveCount: receiveCount,
		})
	}
	return messages, nil
}

// Ack implements Broker by deleting the message from the main queue.
func (b *SQSBroker) Ack(ctx context.Context, msg Message) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.mainURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("queue: sqs delete failed: %w", err)
	}
	return nil
}

// Nack implements Broker. requeue=true resets visibility to zero so the
// message reappears immediately; requeue=false leaves the message alone so
// it exhausts SQS's own redrive policy into the dead-letter queue.
func (b *SQSBroker) Nack(ctx context.Context, msg Message, requeue bool) error {
	if !requeue {
		return nil
	}
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.mainURL),
		ReceiptHandle:     aws.String(msg.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("queue: sqs change visibility failed: %w", err)
	}
	return nil
}

// PublishRetry implements Broker, using SQS's per-message DelaySeconds (max
// 15 minutes; callers are expected to keep delay under that per §4.6's 30s
// cap).
func (b *SQSBroker) PublishRetry(ctx context.Context, env *Envelope, delay time.Duration) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	delaySeconds := int32(delay.Seconds())
	if delaySeconds > 900 {
		delaySeconds = 900
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(b.retryURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return fmt.Errorf("queue: sqs retry publish failed: %w", err)
	}
	return nil
}

// PublishDeadLetter implements Broker by writing directly to the DLQ so
// operators can inspect it without waiting on a redrive policy.
func (b *SQSBroker) PublishDeadLetter(ctx context.Context, env *Envelope, reason string) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.deadLetterURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"reason": {DataType: aws.String("String"), StringValue: aws.String(reason)},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: sqs dead-letter publish failed: %w", err)
	}
	return nil
}

// Close is a no-op for SQS; the underlying client owns no connection to
// release.
func (b *SQSBroker) Close() error {
	return nil
}
