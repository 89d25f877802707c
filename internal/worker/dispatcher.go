// Package worker implements the consuming side of the pipeline: a pool of
// goroutines long-polling the job queue, a dispatcher that routes each
// message by kind through its processing branch, and the retry/dead-letter
// policy for failed attempts.
package worker

import (
	"context"
	"log/slog"

	"chatgate/internal/external"
	"chatgate/internal/types"
)

// ReplySender delivers outbound text messages back to the sender.
type ReplySender interface {
	SendText(ctx context.Context, to string, text string) (string, error)
}

// IntentDetector runs one conversational turn and returns the reply.
type IntentDetector interface {
	DetectIntent(ctx context.Context, sender string, text string) (external.IntentResult, error)
}

// MediaFetcher resolves a media reference into content.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, mediaID string) (external.MediaContent, error)
}

// MediaAnalyzer summarizes media content as text.
type MediaAnalyzer interface {
	Analyze(ctx context.Context, input external.AnalysisInput) (string, error)
}

// interimNotice is sent before the media branch starts its slow work, so the
// user is not left staring at a silent conversation while download and
// analysis run.
var interimNotice = map[types.MessageKind]string{
	types.KindImage:    "Taking a look at your image...",
	types.KindDocument: "Reading your document...",
	types.KindAudio:    "Listening to your message...",
}

// defaultFallbackReply goes out when the intent service produces no reply
// text: the conversational contract is that every text or media turn gets
// an answer.
const defaultFallbackReply = "I'm not sure how to help with that. Could you please rephrase?"

// Dispatcher routes a job through the branch its message kind selects and
// classifies the result. It is stateless and safe for concurrent use; all
// retry accounting lives in the job envelope and the pool.
type Dispatcher struct {
	sender   ReplySender
	intent   IntentDetector
	fetcher  MediaFetcher
	analyzer MediaAnalyzer
	fallback string
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	sender ReplySender,
	intent IntentDetector,
	fetcher MediaFetcher,
	analyzer MediaAnalyzer,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:   sender,
		intent:   intent,
		fetcher:  fetcher,
		analyzer: analyzer,
		fallback: defaultFallbackReply,
		logger:   logger,
	}
}

// SetFallbackReply overrides the text sent when the intent service produces
// an empty reply.
func (d *Dispatcher) SetFallbackReply(text string) {
	d.fallback = text
}

// Dispatch runs one processing attempt. The switch is exhaustive over the
// message kind enum; a kind with no processing branch is logged and counts
// as success, never as an error.
//
// The returned result is a decision, not an error: the pool maps
// OutcomeFailedRetryable to a republish and OutcomeFailedTerminal to the
// dead-letter queue.
func (d *Dispatcher) Dispatch(ctx context.Context, job types.JobMessage) types.ProcessingResult {
	msg := job.Message

	log := d.logger.With(
		"job_id", job.JobID,
		"trace_id", job.TraceID,
		"message_id", msg.ID,
		"kind", msg.Kind,
		"attempt_count", job.AttemptCount,
	)

	switch msg.Kind {
	case types.KindText:
		return d.dispatchText(ctx, log, msg)

	case types.KindImage, types.KindDocument, types.KindAudio:
		return d.dispatchMedia(ctx, log, msg)

	case types.KindVideo, types.KindLocation, types.KindContacts, types.KindOther:
		// Log-only branch: acknowledged, recorded, never replied to.
		log.InfoContext(ctx, "message logged without processing")
		return types.ProcessingResult{Outcome: types.OutcomeSucceeded}

	default:
		// A kind outside the enum means a version skew between producer and
		// worker. Terminal: redelivery runs the same binary again.
		log.ErrorContext(ctx, "unknown message kind")
		return types.ProcessingResult{
			Outcome:       types.OutcomeFailedTerminal,
			FailureReason: "unknown message kind " + string(msg.Kind),
		}
	}
}

// dispatchText runs the text branch: one intent turn, then the reply.
func (d *Dispatcher) dispatchText(ctx context.Context, log *slog.Logger, msg types.NormalizedMessage) types.ProcessingResult {
	result, err := d.intent.DetectIntent(ctx, msg.Sender, msg.Text)
	if err != nil {
		log.WarnContext(ctx, "intent detection failed", "error", err)
		return d.failure(err)
	}

	log.InfoContext(ctx, "intent detected",
		"intent", result.Intent,
		"confidence", result.Confidence,
	)

	return d.reply(ctx, log, msg.Sender, result.ReplyText)
}

// dispatchMedia runs the media branch: interim notice, download, analysis,
// then the summary goes through the intent service like a text turn.
func (d *Dispatcher) dispatchMedia(ctx context.Context, log *slog.Logger, msg types.NormalizedMessage) types.ProcessingResult {
	if msg.Media == nil {
		// Parser guarantees the reference; a missing one is a corrupted job.
		log.ErrorContext(ctx, "media message without media reference")
		return types.ProcessingResult{
			Outcome:       types.OutcomeFailedTerminal,
			FailureReason: "media message carries no media reference",
		}
	}

	// Best-effort: the notice failing must not fail the branch.
	if notice, ok := interimNotice[msg.Kind]; ok {
		if _, err := d.sender.SendText(ctx, msg.Sender, notice); err != nil {
			log.WarnContext(ctx, "interim notice failed", "error", err)
		}
	}

	content, err := d.fetcher.DownloadMedia(ctx, msg.Media.MediaID)
	if err != nil {
		log.WarnContext(ctx, "media download failed", "error", err)
		return d.failure(err)
	}

	summary, err := d.analyzer.Analyze(ctx, external.AnalysisInput{
		Data:     content.Data,
		MimeType: content.MimeType,
		Kind:     msg.Kind,
		Caption:  msg.Media.Caption,
	})
	if err != nil {
		log.WarnContext(ctx, "media analysis failed", "error", err)
		return d.failure(err)
	}

	result, err := d.intent.DetectIntent(ctx, msg.Sender, summary)
	if err != nil {
		log.WarnContext(ctx, "intent detection on summary failed", "error", err)
		return d.failure(err)
	}

	log.InfoContext(ctx, "media processed",
		"summary_len", len(summary),
		"intent", result.Intent,
	)

	return d.reply(ctx, log, msg.Sender, result.ReplyText)
}

// reply delivers the branch's answer. An empty reply text gets the fallback:
// every turn that reached this point deserves an answer. A failed send does
// not fail the job: the provider may have delivered despite the error, so
// redelivering the job risks a duplicate reply. The failure is recorded on
// the outcome for the audit trail instead.
func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger, recipient string, text string) types.ProcessingResult {
	if text == "" {
		log.InfoContext(ctx, "no reply produced, sending fallback")
		text = d.fallback
	}

	providerID, err := d.sender.SendText(ctx, recipient, text)
	if err != nil {
		log.ErrorContext(ctx, "reply delivery failed", "error", err)
		return types.ProcessingResult{
			Outcome:       types.OutcomeSucceeded,
			Reply:         text,
			Recipient:     recipient,
			FailureReason: err.Error(),
		}
	}

	log.InfoContext(ctx, "reply delivered", "provider_message_id", providerID)
	return types.ProcessingResult{
		Outcome:   types.OutcomeSucceeded,
		Reply:     text,
		Recipient: recipient,
	}
}

// failure classifies a collaborator error into the retryable or terminal
// outcome via the shared taxonomy.
func (d *Dispatcher) failure(err error) types.ProcessingResult {
	outcome := types.OutcomeFailedTerminal
	if types.IsRetryable(err) {
		outcome = types.OutcomeFailedRetryable
	}
	return types.ProcessingResult{
		Outcome:       outcome,
		FailureReason: err.Error(),
	}
}
