package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

// maxReceiveBatch is the SQS ceiling on messages per ReceiveMessage call.
const maxReceiveBatch = 10

// SQSReceiver abstracts the consumer side of the SQS API for testability.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Delivery is one leased job. The receipt handle represents the lease: until
// Ack is called (or the visibility timeout lapses) the queue hides the job
// from other consumers. Delivery is at-least-once; a job whose worker dies
// mid-attempt reappears after the lease expires.
type Delivery struct {
	Job           types.JobMessage
	ReceiptHandle string
	ReceivedAt    time.Time
}

// Consumer long-polls the messages queue on behalf of the worker pool.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	pollWait time.Duration
	lease    time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// NewConsumer creates a Consumer. The lease duration becomes the per-receive
// visibility timeout, so it must exceed the worker's job timeout.
func NewConsumer(client SQSReceiver, qcfg config.QueueConfig, wcfg config.WorkerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:   client,
		queueURL: qcfg.MessagesURL,
		pollWait: wcfg.PollWait,
		lease:    wcfg.LeaseDuration,
		logger:   logger,
		now:      time.Now,
	}
}

// Receive long-polls for up to the batch limit of jobs. An empty slice with
// a nil error means the poll simply timed out with nothing to do.
//
// A body that does not decode as a JobMessage is a poison pill: it is logged
// and deleted immediately, because redelivering it can never succeed and
// would otherwise clog the queue until the redrive policy catches it.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxReceiveBatch,
		WaitTimeSeconds:     int32(c.pollWait / time.Second),
		VisibilityTimeout:   int32(c.lease / time.Second),
	})
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeQueueUnavailable,
			"failed to receive from messages queue",
			err,
		)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		var job types.JobMessage
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
			c.logger.ErrorContext(ctx, "deleting undecodable queue message",
				"sqs_message_id", aws.ToString(m.MessageId),
				"error", err,
			)
			c.deleteByHandle(ctx, aws.ToString(m.ReceiptHandle))
			continue
		}

		deliveries = append(deliveries, Delivery{
			Job:           job,
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceivedAt:    c.now().UTC(),
		})
	}

	return deliveries, nil
}

// Ack deletes the job from the queue, ending the lease. Called after the
// attempt reached a decision: success, terminal failure, or a retryable
// failure that was already republished as a fresh job.
func (c *Consumer) Ack(ctx context.Context, d Delivery) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(d.ReceiptHandle),
	})
	if err != nil {
		// The lease will lapse and the job will be redelivered; at-least-once
		// semantics make this safe, if wasteful.
		return fmt.Errorf("queue: failed to ack job %s: %w", d.Job.JobID, err)
	}
	return nil
}

func (c *Consumer) deleteByHandle(ctx context.Context, handle string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to delete poison message", "error", err)
	}
}
