package webhook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chatgate/internal/types"
)

// Wire format structs for the WhatsApp Cloud API webhook payload. Entries,
// changes, and messages are decoded as json.RawMessage first so that one
// malformed element never aborts the rest of the batch.

type payloadEnvelope struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type entryBody struct {
	ID      string            `json:"id"`
	Changes []json.RawMessage `json:"changes"`
}

type changeBody struct {
	Field string    `json:"field"`
	Value valueBody `json:"value"`
}

type valueBody struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         wireMetadata      `json:"metadata"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type wireMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type wireMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text     *wireText     `json:"text,omitempty"`
	Image    *wireMedia    `json:"image,omitempty"`
	Document *wireMedia    `json:"document,omitempty"`
	Audio    *wireMedia    `json:"audio,omitempty"`
	Voice    *wireMedia    `json:"voice,omitempty"`
	Video    *wireMedia    `json:"video,omitempty"`
	Sticker  *wireMedia    `json:"sticker,omitempty"`
	Location *wireLocation `json:"location,omitempty"`
	Contacts []wireContact `json:"contacts,omitempty"`
}

type wireText struct {
	Body string `json:"body"`
}

type wireMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type wireLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type wireContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// ParseStats summarizes one parse for logging and metrics.
type ParseStats struct {
	Entries  int // webhook entries seen
	Messages int // messages normalized
	Skipped  int // malformed elements skipped
}

// Parser normalizes raw WhatsApp webhook bodies into NormalizedMessages.
type Parser struct {
	logger *slog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewParser creates a Parser.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger, now: time.Now}
}

// Parse extracts every message from the payload in delivery order. A batch
// may contain zero or multiple entries, each with zero or multiple changes;
// status-only payloads yield an empty slice and no error.
//
// Malformed individual entries, changes, or messages are skipped and logged,
// never aborting the rest of the batch. An error is returned only when the
// top-level document itself cannot be decoded.
func (p *Parser) Parse(raw []byte) ([]types.NormalizedMessage, ParseStats, error) {
	var stats ParseStats

	var envelope payloadEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, stats, types.NewAppError(
			types.ErrCodeValidationMalformedPayload,
			"webhook payload is not valid JSON",
			err,
		)
	}

	var out []types.NormalizedMessage

	for _, rawEntry := range envelope.Entry {
		stats.Entries++

		var entry entryBody
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			stats.Skipped++
			p.logger.Warn("skipping malformed webhook entry", "error", err)
			continue
		}

		for _, rawChange := range entry.Changes {
			var change changeBody
			if err := json.Unmarshal(rawChange, &change); err != nil {
				stats.Skipped++
				p.logger.Warn("skipping malformed webhook change",
					"entry_id", entry.ID,
					"error", err,
				)
				continue
			}

			for _, rawMsg := range change.Value.Messages {
				msg, err := p.normalize(rawMsg)
				if err != nil {
					stats.Skipped++
					p.logger.Warn("skipping malformed message entry",
						"entry_id", entry.ID,
						"phone_number_id", change.Value.Metadata.PhoneNumberID,
						"error", err,
					)
					continue
				}
				stats.Messages++
				out = append(out, msg)
			}
		}
	}

	return out, stats, nil
}

// normalize converts one wire message into the internal representation.
// Unknown type strings map to KindOther; that is forward compatibility with
// provider schema changes, not an error.
func (p *Parser) normalize(raw json.RawMessage) (types.NormalizedMessage, error) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return types.NormalizedMessage{}, fmt.Errorf("decoding message: %w", err)
	}

	if wm.ID == "" {
		return types.NormalizedMessage{}, fmt.Errorf("message missing id")
	}
	if wm.From == "" {
		return types.NormalizedMessage{}, fmt.Errorf("message %s missing sender", wm.ID)
	}

	msg := types.NormalizedMessage{
		ID:         wm.ID,
		Sender:     wm.From,
		ReceivedAt: p.parseTimestamp(wm.Timestamp),
	}

	switch wm.Type {
	case "text":
		if wm.Text == nil {
			return types.NormalizedMessage{}, fmt.Errorf("text message %s missing body", wm.ID)
		}
		msg.Kind = types.KindText
		msg.Text = wm.Text.Body

	case "image":
		return p.normalizeMedia(msg, types.KindImage, wm.Image, wm.ID)

	case "document":
		return p.normalizeMedia(msg, types.KindDocument, wm.Document, wm.ID)

	case "audio":
		return p.normalizeMedia(msg, types.KindAudio, wm.Audio, wm.ID)

	case "voice":
		// Voice notes are audio for dispatch purposes.
		return p.normalizeMedia(msg, types.KindAudio, wm.Voice, wm.ID)

	case "video":
		msg.Kind = types.KindVideo
		if wm.Video != nil {
			msg.Media = mediaRef(wm.Video)
		}

	case "location":
		if wm.Location == nil {
			return types.NormalizedMessage{}, fmt.Errorf("location message %s missing coordinates", wm.ID)
		}
		msg.Kind = types.KindLocation
		msg.Location = &types.LocationRef{
			Latitude:  wm.Location.Latitude,
			Longitude: wm.Location.Longitude,
			Name:      wm.Location.Name,
			Address:   wm.Location.Address,
		}

	case "contacts":
		msg.Kind = types.KindContacts
		for _, c := range wm.Contacts {
			msg.Contacts = append(msg.Contacts, types.ContactRef{
				Name: c.Profile.Name,
				WaID: c.WaID,
			})
		}

	default:
		// Stickers, interactive replies, and future provider types.
		msg.Kind = types.KindOther
	}

	return msg, nil
}

func (p *Parser) normalizeMedia(msg types.NormalizedMessage, kind types.MessageKind, media *wireMedia, id string) (types.NormalizedMessage, error) {
	if media == nil || media.ID == "" {
		return types.NormalizedMessage{}, fmt.Errorf("%s message %s missing media reference", kind, id)
	}
	msg.Kind = kind
	msg.Media = mediaRef(media)
	return msg, nil
}

func mediaRef(m *wireMedia) *types.MediaRef {
	return &types.MediaRef{
		MediaID:  m.ID,
		MimeType: m.MimeType,
		Caption:  m.Caption,
		Filename: m.Filename,
	}
}

// parseTimestamp converts the provider's epoch-seconds string. A missing or
// unparseable timestamp falls back to receipt time; ordering within a sender
// is best-effort anyway.
func (p *Parser) parseTimestamp(ts string) time.Time {
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return p.now().UTC()
}
