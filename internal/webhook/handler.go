// Package webhook implements the public ingestion surface for the WhatsApp
// Cloud API: the GET subscription handshake and the POST message receiver.
//
// The POST handler is NOT behind auth middleware -- it is called directly by
// Meta's delivery infrastructure. Security is provided by verifying the
// X-Hub-Signature-256 header (HMAC-SHA256 over the raw body) before any
// parsing happens.
package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatgate/internal/core"
	"chatgate/internal/types"
)

// maxWebhookBodySize is the maximum allowed inbound payload (256 KB).
// Cloud API webhook bodies carry references, never media content, so
// anything larger is abuse.
const maxWebhookBodySize = 256 * 1024

// signatureHeader carries the provider's HMAC over the raw body.
const signatureHeader = "X-Hub-Signature-256"

// Enqueuer hands a normalized message to the durable job queue. The handler
// never processes messages inline; enqueue is the only slow thing it does.
type Enqueuer interface {
	// Enqueue persists the message as a new job and returns its job ID.
	Enqueue(ctx context.Context, msg types.NormalizedMessage) (string, error)
}

// ReadMarker acknowledges receipt to the sender (the "read" checkmarks).
// Failures are tolerated; a missing read receipt never blocks ingestion.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Handler serves the webhook endpoints.
type Handler struct {
	parser      *Parser
	enqueuer    Enqueuer
	readMarker  ReadMarker
	appSecret   types.SecretString
	verifyToken types.SecretString
	logger      *slog.Logger
}

// NewHandler creates a webhook Handler. readMarker may be nil, in which case
// read receipts are skipped entirely.
func NewHandler(
	parser *Parser,
	enqueuer Enqueuer,
	readMarker ReadMarker,
	appSecret types.SecretString,
	verifyToken types.SecretString,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		parser:      parser,
		enqueuer:    enqueuer,
		readMarker:  readMarker,
		appSecret:   appSecret,
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// RegisterRoutes mounts the webhook endpoints. Both are public: the GET
// handshake authenticates with the verify token, the POST receiver with the
// body signature.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook", h.HandleVerify)
	r.Post("/webhook", h.HandleInbound)
}

// HandleVerify implements Meta's subscription handshake. The provider calls
// GET /webhook?hub.mode=subscribe&hub.verify_token=...&hub.challenge=... and
// expects the raw challenge echoed back with 200 on a token match.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token == "" || token != h.verifyToken.Unmask() {
		h.logger.WarnContext(r.Context(), "webhook verification rejected",
			"mode", mode,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthVerifyToken,
			"verification token mismatch",
			nil,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "webhook subscription verified")

	// The challenge must be echoed verbatim, not wrapped in JSON.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// HandleInbound processes an inbound message batch.
//
//  1. Reads the raw body with a size limit.
//  2. Verifies the X-Hub-Signature-256 header against the raw bytes.
//  3. Parses and normalizes the batch (malformed elements are skipped).
//  4. Marks each message read, best-effort.
//  5. Enqueues each message; the first enqueue failure aborts with 503 so
//     the provider redelivers the whole batch. Duplicate delivery of the
//     already-enqueued prefix is tolerated downstream.
//  6. Returns 200 with the accepted count.
func (h *Handler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMalformedPayload,
			"failed to read request body",
			err,
		))
		return
	}

	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		h.logger.WarnContext(r.Context(), "missing webhook signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing "+signatureHeader+" header",
			nil,
		))
		return
	}

	if !VerifySignature(raw, sig, h.appSecret) {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"body_size", len(raw),
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			nil,
		))
		return
	}

	messages, stats, err := h.parser.Parse(raw)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook payload",
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	if stats.Skipped > 0 {
		h.logger.WarnContext(r.Context(), "webhook batch contained malformed elements",
			"entries", stats.Entries,
			"skipped", stats.Skipped,
		)
	}

	enqueued := 0
	for _, msg := range messages {
		h.markRead(r.Context(), msg.ID)

		jobID, err := h.enqueuer.Enqueue(r.Context(), msg)
		if err != nil {
			// 503 tells the provider to redeliver. Messages enqueued before
			// the failure will arrive again; dedup is deliberately not our
			// problem here.
			h.logger.ErrorContext(r.Context(), "failed to enqueue message",
				"message_id", msg.ID,
				"kind", msg.Kind,
				"enqueued_so_far", enqueued,
				"error", err,
			)
			core.Error(w, r, types.NewAppError(
				types.ErrCodeQueueUnavailable,
				"message queue unavailable",
				err,
			))
			return
		}

		h.logger.InfoContext(r.Context(), "message enqueued",
			"message_id", msg.ID,
			"job_id", jobID,
			"kind", msg.Kind,
			"sender", msg.Sender,
		)
		enqueued++
	}

	core.JSON(w, r, http.StatusOK, map[string]any{
		"status":   "accepted",
		"enqueued": enqueued,
		"skipped":  stats.Skipped,
	})
}

// markRead acknowledges a message to the sender. Errors are logged and
// swallowed: a failed read receipt must never cost us the message.
func (h *Handler) markRead(ctx context.Context, messageID string) {
	if h.readMarker == nil {
		return
	}
	if err := h.readMarker.MarkRead(ctx, messageID); err != nil {
		h.logger.WarnContext(ctx, "failed to mark message read",
			"message_id", messageID,
			"error", err,
		)
	}
}
