package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

// --- Test Helpers ---

const (
	testMessagesURL = "https://sqs.us-east-1.amazonaws.com/123456789/inbound-messages"
	testDLQURL      = "https://sqs.us-east-1.amazonaws.com/123456789/inbound-messages-dlq"
)

func newTestProducer(mock *mockSQSSender) *Producer {
	p := NewProducer(mock, config.QueueConfig{
		MessagesURL: testMessagesURL,
		DlqURL:      testDLQURL,
	}, slog.Default())
	p.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

	ids := []string{"job-1", "trace-1", "job-2", "trace-2"}
	p.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	return p
}

func testMessage() types.NormalizedMessage {
	return types.NormalizedMessage{
		ID:     "wamid.test",
		Sender: "15551234567",
		Kind:   types.KindText,
		Text:   "hello",
	}
}

func decodeBody(t *testing.T, call *sqs.SendMessageInput) types.JobMessage {
	t.Helper()
	var job types.JobMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &job); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}
	return job
}

// --- Tests ---

func TestEnqueue_WrapsMessageInFreshEnvelope(t *testing.T) {
	mock := &mockSQSSender{}
	producer := newTestProducer(mock)

	jobID, err := producer.Enqueue(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Enqueue returned unexpected error: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("jobID = %q, want job-1", jobID)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testMessagesURL {
		t.Errorf("queue URL = %q, want messages queue", *call.QueueUrl)
	}
	if call.DelaySeconds != 0 {
		t.Errorf("first enqueue must not be delayed, got %d", call.DelaySeconds)
	}

	job := decodeBody(t, call)
	if job.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", job.AttemptCount)
	}
	if job.JobID != "job-1" || job.TraceID != "trace-1" {
		t.Errorf("identity fields = %s/%s", job.JobID, job.TraceID)
	}
	if job.Message.ID != "wamid.test" {
		t.Errorf("Message.ID = %s", job.Message.ID)
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt must be set")
	}
}

func TestEnqueue_TraceIDComesFromRequestContext(t *testing.T) {
	mock := &mockSQSSender{}
	producer := newTestProducer(mock)

	ctx := types.WithRequestID(context.Background(), "req-abc-123")
	if _, err := producer.Enqueue(ctx, testMessage()); err != nil {
		t.Fatalf("Enqueue returned unexpected error: %v", err)
	}

	job := decodeBody(t, mock.calls[0])
	if job.TraceID != "req-abc-123" {
		t.Errorf("TraceID = %q, want the context's request ID", job.TraceID)
	}
	if job.JobID != "job-1" {
		t.Errorf("JobID = %q, want a freshly minted ID", job.JobID)
	}
}

func TestEnqueue_QueueFailure(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("sqs unavailable")}
	producer := newTestProducer(mock)

	_, err := producer.Enqueue(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error when SQS send fails")
	}
	if types.CodeOf(err) != types.ErrCodeQueueUnavailable {
		t.Errorf("code = %s, want queue_unavailable", types.CodeOf(err))
	}
}

func TestRepublish_IncrementsAttemptBeforeSerialization(t *testing.T) {
	mock := &mockSQSSender{}
	producer := newTestProducer(mock)

	job := types.JobMessage{
		JobID:        "job-retry",
		TraceID:      "trace-retry",
		Message:      testMessage(),
		AttemptCount: 1,
	}

	if err := producer.Republish(context.Background(), job, 30*time.Second); err != nil {
		t.Fatalf("Republish returned unexpected error: %v", err)
	}

	call := mock.calls[0]
	if *call.QueueUrl != testMessagesURL {
		t.Errorf("retries go back to the messages queue, got %q", *call.QueueUrl)
	}
	if call.DelaySeconds != 30 {
		t.Errorf("DelaySeconds = %d, want 30", call.DelaySeconds)
	}

	sent := decodeBody(t, call)
	if sent.AttemptCount != 2 {
		t.Errorf("serialized AttemptCount = %d, want 2", sent.AttemptCount)
	}
	// Identity is preserved across retries so logs correlate.
	if sent.JobID != "job-retry" || sent.TraceID != "trace-retry" {
		t.Errorf("identity fields changed: %s/%s", sent.JobID, sent.TraceID)
	}
}

func TestRepublish_ClampsDelayToSQSMaximum(t *testing.T) {
	mock := &mockSQSSender{}
	producer := newTestProducer(mock)

	job := types.JobMessage{JobID: "job-x", Message: testMessage(), AttemptCount: 1}
	if err := producer.Republish(context.Background(), job, 2*time.Hour); err != nil {
		t.Fatalf("Republish returned unexpected error: %v", err)
	}

	if got := mock.calls[0].DelaySeconds; got != 900 {
		t.Errorf("DelaySeconds = %d, want clamped 900", got)
	}
}

func TestDeadLetter_SendsToDLQWithReason(t *testing.T) {
	mock := &mockSQSSender{}
	producer := newTestProducer(mock)

	job := types.JobMessage{
		JobID:        "job-dead",
		Message:      testMessage(),
		AttemptCount: 3,
	}

	if err := producer.DeadLetter(context.Background(), job, "attempts exhausted"); err != nil {
		t.Fatalf("DeadLetter returned unexpected error: %v", err)
	}

	call := mock.calls[0]
	if *call.QueueUrl != testDLQURL {
		t.Errorf("queue URL = %q, want DLQ", *call.QueueUrl)
	}

	reason := call.MessageAttributes["reason"]
	if reason.StringValue == nil || *reason.StringValue != "attempts exhausted" {
		t.Errorf("reason attribute = %v", reason.StringValue)
	}
	attempts := call.MessageAttributes["attempt_count"]
	if attempts.StringValue == nil || *attempts.StringValue != "3" {
		t.Errorf("attempt_count attribute = %v", attempts.StringValue)
	}

	// The body keeps the attempt count as-is: dead-lettering is not an attempt.
	sent := decodeBody(t, call)
	if sent.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", sent.AttemptCount)
	}
}

func TestEnqueue_SameMessageTwiceGetsIndependentJobs(t *testing.T) {
	mock := &mockSQSSender{}
	producer := newTestProducer(mock)
	msg := testMessage()

	first, err := producer.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	second, err := producer.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}

	// Redelivered webhook batches re-enqueue already-seen messages; each
	// pass is its own job with its own identity and fresh attempt budget.
	if first == second {
		t.Errorf("both enqueues returned job ID %q", first)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("sends = %d, want 2", len(mock.calls))
	}
	a, b := decodeBody(t, mock.calls[0]), decodeBody(t, mock.calls[1])
	if a.JobID == b.JobID || a.TraceID == b.TraceID {
		t.Errorf("envelopes share identity: %+v vs %+v", a, b)
	}
	if a.AttemptCount != 1 || b.AttemptCount != 1 {
		t.Errorf("attempt counts = %d, %d, want 1 and 1", a.AttemptCount, b.AttemptCount)
	}
	if a.Message.ID != b.Message.ID {
		t.Errorf("payload message IDs differ: %q vs %q", a.Message.ID, b.Message.ID)
	}
}
