package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klauspost/compress/zstd"

	"chatgate/internal/types"
)

// AuditRepository records dispatch outcomes and dead-lettered jobs.
//
// Each row carries a zstd-compressed JSON snapshot of the full job envelope.
// The snapshot is what makes the audit trail useful for replay and triage:
// the queue deletes its copy on ack, so this row is the only place the
// original payload survives.
type AuditRepository struct {
	db DBTX

	encoder *zstd.Encoder
}

// NewAuditRepository creates an AuditRepository. The zstd encoder is shared
// and safe for concurrent EncodeAll use.
func NewAuditRepository(db DBTX) (*AuditRepository, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to initialize payload compressor", err)
	}
	return &AuditRepository{db: db, encoder: enc}, nil
}

// RecordOutcome inserts one row describing how a dispatch attempt ended.
// Called for every terminal decision: success, terminal failure, and each
// retryable failure (so the retry history is reconstructible per trace ID).
func (r *AuditRepository) RecordOutcome(ctx context.Context, job types.JobMessage, result types.ProcessingResult, dispatchedAt time.Time) error {
	snapshot, err := r.compressJob(job)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO dispatch_outcomes
		 (job_id, trace_id, message_id, sender, kind, attempt_count,
		  outcome, failure_reason, reply_text, recipient,
		  payload_snapshot, dispatched_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`,
		job.JobID,
		job.TraceID,
		job.Message.ID,
		job.Message.Sender,
		string(job.Message.Kind),
		job.AttemptCount,
		string(result.Outcome),
		nilIfEmpty(result.FailureReason),
		nilIfEmpty(result.Reply),
		nilIfEmpty(result.Recipient),
		snapshot,
		dispatchedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record dispatch outcome", err)
	}
	return nil
}

// RecordDeadLetter inserts one row for a job leaving the pipeline without
// success: attempts exhausted, or a terminal failure classification.
func (r *AuditRepository) RecordDeadLetter(ctx context.Context, job types.JobMessage, reason string) error {
	snapshot, err := r.compressJob(job)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO dead_letters
		 (job_id, trace_id, message_id, sender, kind, attempt_count,
		  reason, payload_snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		job.JobID,
		job.TraceID,
		job.Message.ID,
		job.Message.Sender,
		string(job.Message.Kind),
		job.AttemptCount,
		reason,
		snapshot,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record dead letter", err)
	}
	return nil
}

func (r *AuditRepository) compressJob(job types.JobMessage) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal job snapshot", err)
	}
	return r.encoder.EncodeAll(raw, nil), nil
}

// DecompressSnapshot reverses compressJob. Used by replay tooling and tests;
// never called on the dispatch path.
func DecompressSnapshot(snapshot []byte) (types.JobMessage, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return types.JobMessage{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to initialize payload decompressor", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(snapshot, nil)
	if err != nil {
		return types.JobMessage{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress job snapshot", err)
	}

	var job types.JobMessage
	if err := json.Unmarshal(raw, &job); err != nil {
		return types.JobMessage{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to unmarshal job snapshot", err)
	}
	return job, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
