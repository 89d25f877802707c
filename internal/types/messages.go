// Package types defines the shared domain model for the chatgate pipeline:
// normalized inbound messages, the queue job envelope, processing outcomes,
// and the application error taxonomy. It has no dependencies on other
// internal packages so that every layer can import it freely.
package types

import "time"

// MessageKind is the closed set of message classifications the dispatcher
// routes on. The parser maps every provider type string into this enum;
// unrecognized values become KindOther rather than failing the parse.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindDocument MessageKind = "document"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindLocation MessageKind = "location"
	KindContacts MessageKind = "contacts"
	// KindOther covers provider types we do not process (stickers,
	// interactive replies, future schema additions). Routed to the
	// log-only branch.
	KindOther MessageKind = "other"
)

// AllMessageKinds lists every member of the enum. Used by tests to assert
// the dispatcher handles the full closed set.
var AllMessageKinds = []MessageKind{
	KindText, KindImage, KindDocument, KindAudio,
	KindVideo, KindLocation, KindContacts, KindOther,
}

// IsMedia reports whether the kind carries a downloadable media reference.
func (k MessageKind) IsMedia() bool {
	switch k {
	case KindImage, KindDocument, KindAudio:
		return true
	default:
		return false
	}
}

// MediaRef is the kind-specific payload for media messages. The worker
// resolves MediaID into raw bytes via the channel provider; the webhook
// never downloads content on the hot path.
type MediaRef struct {
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// LocationRef is the payload for location messages. Logged only.
type LocationRef struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ContactRef is a single shared contact card. Logged only.
type ContactRef struct {
	Name string `json:"name"`
	WaID string `json:"wa_id,omitempty"`
}

// NormalizedMessage is the unit of work produced by the payload parser and
// placed on the job queue. Exactly one of Text/Media/Location/Contacts is
// populated, matching Kind.
type NormalizedMessage struct {
	// ID is the provider-assigned message identifier. Unique per provider.
	// Duplicate delivery of the same ID is tolerated, not deduplicated.
	ID     string      `json:"id"`
	Sender string      `json:"sender"`
	Kind   MessageKind `json:"kind"`

	Text     string       `json:"text,omitempty"`
	Media    *MediaRef    `json:"media,omitempty"`
	Location *LocationRef `json:"location,omitempty"`
	Contacts []ContactRef `json:"contacts,omitempty"`

	// ReceivedAt is best-effort ordering metadata within a sender. No
	// cross-worker ordering guarantee is derived from it.
	ReceivedAt time.Time `json:"received_at"`
}

// JobMessage is the queue envelope around a NormalizedMessage. It is the
// JSON wire format of the SQS message body. The queue owns the job until a
// worker receives it; the receipt handle (carried outside this struct)
// represents that ownership transfer.
type JobMessage struct {
	// JobID identifies this enqueue operation, not the logical message:
	// a redelivered message gets a fresh JobID on republish.
	JobID string `json:"job_id"`

	Message NormalizedMessage `json:"message"`

	// AttemptCount is the 1-based attempt number this delivery represents.
	// Set to 1 on first enqueue and incremented by the producer on
	// republish, before serialization, so every consumer sees an accurate
	// attempt number.
	AttemptCount int `json:"attempt_count"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	TraceID    string    `json:"trace_id"`
}

// Outcome is the terminal state of one dispatch attempt.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailedRetryable Outcome = "failed_retryable"
	OutcomeFailedTerminal  Outcome = "failed_terminal"
)

// ProcessingResult describes how a dispatch attempt ended. Reply and
// Recipient are set when a reply was produced (whether or not delivery
// ultimately succeeded -- delivery failure does not roll back the branch).
type ProcessingResult struct {
	Outcome       Outcome
	Reply         string
	Recipient     string
	FailureReason string
}

// Succeeded is shorthand for checking the happy-path outcome.
func (r ProcessingResult) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded
}
