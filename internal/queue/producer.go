// Package queue provides the SQS-backed durable job queue between the
// webhook receiver and the message workers: a producer for enqueue,
// republish, and dead-letter operations, and a long-polling consumer.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

// maxSQSDelay is the hard ceiling SQS places on per-message DelaySeconds.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer writes JobMessages to the messages queue and, for exhausted jobs,
// to the dead-letter queue. It owns the job envelope: callers hand it a
// NormalizedMessage and the producer assigns JobID, TraceID, and attempt
// numbering.
type Producer struct {
	client        SQSSender
	messagesURL   string
	deadLetterURL string
	logger        *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewProducer creates a Producer targeting the configured queues.
func NewProducer(client SQSSender, cfg config.QueueConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		client:        client,
		messagesURL:   cfg.MessagesURL,
		deadLetterURL: cfg.DlqURL,
		logger:        logger,
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
}

// Enqueue wraps the message in a fresh job envelope (attempt 1) and sends it
// to the messages queue. Returns the assigned job ID. The request ID on the
// context becomes the job's TraceID, so worker log lines correlate back to
// the webhook request that produced them. This is the webhook receiver's
// only slow operation; a failure here surfaces as 503 so the provider
// redelivers.
func (p *Producer) Enqueue(ctx context.Context, msg types.NormalizedMessage) (string, error) {
	job := types.JobMessage{
		JobID:        p.newID(),
		Message:      msg,
		AttemptCount: 1,
		EnqueuedAt:   p.now().UTC(),
		TraceID:      types.GetRequestID(ctx),
	}
	if job.TraceID == "" {
		job.TraceID = p.newID()
	}

	if err := p.send(ctx, p.messagesURL, job, 0, "enqueue"); err != nil {
		return "", err
	}

	return job.JobID, nil
}

// Republish returns a retryable job to the messages queue for another
// attempt. The attempt count is incremented before serialization, so the
// next consumer sees the accurate attempt number; the job keeps its JobID
// and TraceID so the whole retry history correlates in logs. The delay is
// clamped to the SQS per-message maximum.
func (p *Producer) Republish(ctx context.Context, job types.JobMessage, delay time.Duration) error {
	job.AttemptCount++
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	return p.send(ctx, p.messagesURL, job, delay, "retry")
}

// DeadLetter moves an exhausted or poisoned job to the dead-letter queue.
// The reason travels as a message attribute so queue tooling can triage
// without parsing bodies.
func (p *Producer) DeadLetter(ctx context.Context, job types.JobMessage, reason string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal job %s for dead-letter: %w", job.JobID, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.deadLetterURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
			"attempt_count": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(fmt.Sprintf("%d", job.AttemptCount)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(
			types.ErrCodeQueueUnavailable,
			fmt.Sprintf("failed to dead-letter job %s", job.JobID),
			err,
		)
	}

	p.logger.WarnContext(ctx, "job dead-lettered",
		"job_id", job.JobID,
		"trace_id", job.TraceID,
		"message_id", job.Message.ID,
		"attempt_count", job.AttemptCount,
		"reason", reason,
	)

	return nil
}

func (p *Producer) send(ctx context.Context, queueURL string, job types.JobMessage, delay time.Duration, reason string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal job %s: %w", job.JobID, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}
	if delay > 0 {
		input.DelaySeconds = int32(delay / time.Second)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(
			types.ErrCodeQueueUnavailable,
			fmt.Sprintf("failed to send job %s", job.JobID),
			err,
		)
	}

	p.logger.InfoContext(ctx, "job sent",
		"job_id", job.JobID,
		"trace_id", job.TraceID,
		"message_id", job.Message.ID,
		"kind", job.Message.Kind,
		"attempt_count", job.AttemptCount,
		"delay", delay,
		"reason", reason,
	)

	return nil
}
