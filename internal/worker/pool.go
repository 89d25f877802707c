package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"chatgate/internal/config"
	"chatgate/internal/queue"
	"chatgate/internal/types"
)

// receiveErrorBackoff spaces out polls while the queue itself is failing.
const receiveErrorBackoff = 5 * time.Second

// JobSource is the consuming side of the queue.
type JobSource interface {
	Receive(ctx context.Context) ([]queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
}

// JobRouter is the producing side the pool uses for retries and dead-letters.
type JobRouter interface {
	Republish(ctx context.Context, job types.JobMessage, delay time.Duration) error
	DeadLetter(ctx context.Context, job types.JobMessage, reason string) error
}

// JobDispatcher runs one processing attempt.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job types.JobMessage) types.ProcessingResult
}

// AuditTrail records outcomes and dead-letters. Both are best-effort from
// the pool's perspective: an audit outage must not stall the queue.
type AuditTrail interface {
	RecordOutcome(ctx context.Context, job types.JobMessage, result types.ProcessingResult, dispatchedAt time.Time) error
	RecordDeadLetter(ctx context.Context, job types.JobMessage, reason string) error
}

// Pool runs N concurrent workers, each with its own receive loop. Run blocks
// until the context is canceled; in-flight attempts finish (bounded by the
// job timeout) before Run returns.
type Pool struct {
	source     JobSource
	router     JobRouter
	dispatcher JobDispatcher
	audit      AuditTrail
	metrics    PipelineMetrics
	cfg        config.WorkerConfig
	policy     RetryPolicy
	logger     *slog.Logger

	now     func() time.Time
	sleepFn func(ctx context.Context, d time.Duration)
}

// NewPool creates a Pool. A nil metrics sink disables telemetry.
func NewPool(
	source JobSource,
	router JobRouter,
	dispatcher JobDispatcher,
	audit AuditTrail,
	metrics PipelineMetrics,
	cfg config.WorkerConfig,
	policy RetryPolicy,
	logger *slog.Logger,
) *Pool {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:     source,
		router:     router,
		dispatcher: dispatcher,
		audit:      audit,
		metrics:    metrics,
		cfg:        cfg,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
		sleepFn:    sleepCtx,
	}
}

// Run starts the workers and blocks until ctx is canceled. The returned
// error is nil on clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}

	p.logger.InfoContext(ctx, "worker pool started",
		"concurrency", p.cfg.Concurrency,
		"max_attempts", p.cfg.MaxAttempts,
		"job_timeout", p.cfg.JobTimeout,
	)

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	log := p.logger.With("worker_id", workerID)

	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := p.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WarnContext(ctx, "receive failed, backing off", "error", err)
			p.sleepFn(ctx, receiveErrorBackoff)
			continue
		}

		for _, d := range deliveries {
			p.process(ctx, log, d)
		}
	}
}

// process runs one attempt end to end: dispatch, outcome routing, ack.
func (p *Pool) process(ctx context.Context, log *slog.Logger, d queue.Delivery) {
	job := d.Job

	if !job.EnqueuedAt.IsZero() {
		p.metrics.RecordQueueLag(ctx, d.ReceivedAt.Sub(job.EnqueuedAt))
	}

	// The attempt must finish well inside the lease, or another worker
	// could start a parallel attempt on the same job. The job's TraceID
	// rides the attempt context so outbound calls and log lines carry the
	// request ID minted on the webhook side.
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	attemptCtx = types.WithRequestID(attemptCtx, job.TraceID)
	start := p.now()
	result := p.dispatcher.Dispatch(attemptCtx, job)
	cancel()
	latency := p.now().Sub(start)

	p.metrics.RecordDispatch(ctx, job.Message.Kind, result.Outcome, latency)

	switch result.Outcome {
	case types.OutcomeSucceeded:
		p.recordOutcome(ctx, log, job, result, start)
		p.ack(ctx, log, d)

	case types.OutcomeFailedRetryable:
		if job.AttemptCount >= p.cfg.MaxAttempts {
			// Budget exhausted: the retryable failure becomes terminal.
			result.Outcome = types.OutcomeFailedTerminal
			reason := fmt.Sprintf("attempts exhausted after %d tries: %s", job.AttemptCount, result.FailureReason)
			p.recordOutcome(ctx, log, job, result, start)
			p.deadLetter(ctx, log, job, reason)
			p.ack(ctx, log, d)
			return
		}

		p.recordOutcome(ctx, log, job, result, start)
		delay := CalculateNextRetry(p.policy, job.AttemptCount)
		if err := p.router.Republish(ctx, job, delay); err != nil {
			// Leave the lease to lapse: SQS redelivers this same job, at the
			// cost of the attempt count not advancing. Acking now would lose
			// the message entirely.
			log.ErrorContext(ctx, "republish failed, relying on lease redelivery",
				"job_id", job.JobID,
				"error", err,
			)
			return
		}
		p.ack(ctx, log, d)

	case types.OutcomeFailedTerminal:
		p.recordOutcome(ctx, log, job, result, start)
		p.deadLetter(ctx, log, job, result.FailureReason)
		p.ack(ctx, log, d)

	default:
		log.ErrorContext(ctx, "dispatcher returned unknown outcome",
			"job_id", job.JobID,
			"outcome", result.Outcome,
		)
		// Treat as terminal; cycling an undecidable job helps nobody.
		p.deadLetter(ctx, log, job, "unknown dispatch outcome "+string(result.Outcome))
		p.ack(ctx, log, d)
	}
}

func (p *Pool) recordOutcome(ctx context.Context, log *slog.Logger, job types.JobMessage, result types.ProcessingResult, dispatchedAt time.Time) {
	if p.audit == nil {
		return
	}
	if err := p.audit.RecordOutcome(ctx, job, result, dispatchedAt); err != nil {
		log.ErrorContext(ctx, "failed to record outcome",
			"job_id", job.JobID,
			"outcome", result.Outcome,
			"error", err,
		)
	}
}

func (p *Pool) deadLetter(ctx context.Context, log *slog.Logger, job types.JobMessage, reason string) {
	if p.audit != nil {
		if err := p.audit.RecordDeadLetter(ctx, job, reason); err != nil {
			log.ErrorContext(ctx, "failed to record dead letter",
				"job_id", job.JobID,
				"error", err,
			)
		}
	}
	if err := p.router.DeadLetter(ctx, job, reason); err != nil {
		log.ErrorContext(ctx, "failed to send job to dead-letter queue",
			"job_id", job.JobID,
			"error", err,
		)
	}
}

func (p *Pool) ack(ctx context.Context, log *slog.Logger, d queue.Delivery) {
	if err := p.source.Ack(ctx, d); err != nil {
		log.ErrorContext(ctx, "ack failed, job will be redelivered",
			"job_id", d.Job.JobID,
			"error", err,
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
