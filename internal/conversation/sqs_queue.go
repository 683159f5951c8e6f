package conversation

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/replies-engine/internal/fault"
)

// QueueMessage is one received batch trigger plus the handle needed to
// delete or extend it.
type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type sqsAPI interface {
	SendMessage(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(context.Context, *sqs.ChangeMessageVisibilityInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue wraps one channel queue. The batch delay rides on SendMessage so
// the trigger surfaces only after the batching window has closed.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
}

// NewSQSQueue creates a queue wrapper around the provided SQS client.
func NewSQSQueue(client sqsAPI, queueURL string) *SQSQueue {
	if client == nil {
		panic("conversation: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("conversation: SQS queueURL cannot be empty")
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
	}
}

// SendDelayed enqueues body with the given delay in seconds.
func (q *SQSQueue) SendDelayed(ctx context.Context, body string, delaySeconds int32) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return fault.Transient(fmt.Errorf("conversation: send SQS message: %w", err))
	}
	return nil
}

// Send enqueues body without a delay.
func (q *SQSQueue) Send(ctx context.Context, body string) error {
	return q.SendDelayed(ctx, body, 0)
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error) {
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: receive SQS messages: %w", err)
	}

	messages := make([]QueueMessage, 0, len(output.Messages))
	for _, msg := range output.Messages {
		messages = append(messages, QueueMessage{
			ID:            aws.ToString(msg.MessageId),
			Body:          aws.ToString(msg.Body),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("conversation: delete SQS message: %w", err)
	}
	return nil
}

// Dispatcher sends to whichever queue the router picked, unlike SQSQueue
// which is bound to a single URL.
type Dispatcher struct {
	client sqsAPI
}

// NewDispatcher creates a dispatcher around the provided SQS client.
func NewDispatcher(client sqsAPI) *Dispatcher {
	if client == nil {
		panic("conversation: SQS client cannot be nil")
	}
	return &Dispatcher{client: client}
}

// SendTo enqueues body on the given queue with the given delay in seconds.
func (d *Dispatcher) SendTo(ctx context.Context, queueURL, body string, delaySeconds int32) error {
	if queueURL == "" {
		return fault.Validation(fmt.Errorf("conversation: queue URL required"))
	}
	_, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return fault.Transient(fmt.Errorf("conversation: send to %s: %w", queueURL, err))
	}
	return nil
}

// ExtendVisibility pushes the message's visibility timeout out by
// extensionSeconds from now, keeping a long-running batch invisible to other
// consumers.
func (q *SQSQueue) ExtendVisibility(ctx context.Context, receiptHandle string, extensionSeconds int32) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: extensionSeconds,
	})
	if err != nil {
		return fmt.Errorf("conversation: extend message visibility: %w", err)
	}
	return nil
}
