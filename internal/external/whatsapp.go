package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

// maxMediaDownloadSize caps media content pulled from the provider (32 MB,
// above the Cloud API's own per-type limits).
const maxMediaDownloadSize = 32 << 20

// MediaContent is downloaded media plus the provider's content type.
type MediaContent struct {
	Data     []byte
	MimeType string
}

// WhatsAppClient talks to the Meta Graph API on behalf of the business phone
// number: outbound text replies, read receipts, and the two-step media
// download (resolve media ID to a short-lived URL, then fetch the bytes).
type WhatsAppClient struct {
	// base carries the default retry policy and serves mark-read and media
	// download, where a repeated request is harmless.
	base *BaseClient
	// sendBase never retries. A reply send that timed out or got a 5xx may
	// still have been delivered, and resending inside the same attempt would
	// duplicate the reply to the user.
	sendBase    *BaseClient
	baseURL     string
	phoneID     string
	accessToken types.SecretString
	logger      *slog.Logger
}

// NewWhatsAppClient creates a WhatsAppClient from configuration.
func NewWhatsAppClient(httpClient *http.Client, cfg config.WhatsAppConfig, logger *slog.Logger) *WhatsAppClient {
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"whatsapp",
		DefaultRetryPolicy(),
		"chatgate/1.0",
	)

	sendPolicy := DefaultRetryPolicy()
	sendPolicy.MaxRetries = 0
	sendBase := NewBaseClient(
		httpClient,
		"whatsapp-send",
		sendPolicy,
		"chatgate/1.0",
	)

	return &WhatsAppClient{
		base:        base,
		sendBase:    sendBase,
		baseURL:     strings.TrimSuffix(cfg.APIBaseURL, "/"),
		phoneID:     cfg.PhoneID,
		accessToken: cfg.AccessToken,
		logger:      logger,
	}
}

// NewWhatsAppClientWithBase creates a WhatsAppClient that routes every
// operation, sends included, through the given BaseClient. For tests that
// need retry/breaker control.
func NewWhatsAppClientWithBase(base *BaseClient, cfg config.WhatsAppConfig, logger *slog.Logger) *WhatsAppClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppClient{
		base:        base,
		sendBase:    base,
		baseURL:     strings.TrimSuffix(cfg.APIBaseURL, "/"),
		phoneID:     cfg.PhoneID,
		accessToken: cfg.AccessToken,
		logger:      logger,
	}
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

type outboundTextPayload struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             outboundText `json:"text"`
}

type outboundText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type markReadPayload struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText delivers a text reply to the recipient and returns the provider
// message ID.
//
// The request goes out exactly once, with no transport retries, and every
// failure is mapped to delivery_failed: a send that errored may still have
// been delivered, so neither this client nor the job queue may ever rerun
// it without risking a duplicate reply to the user.
func (c *WhatsAppClient) SendText(ctx context.Context, to string, text string) (string, error) {
	payload := outboundTextPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             outboundText{Body: text},
	}

	resp, err := c.postJSON(ctx, c.sendBase, c.messagesURL(), payload)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeDeliveryFailed,
			"failed to deliver reply",
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.NewAppError(
			types.ErrCodeDeliveryFailed,
			fmt.Sprintf("reply delivery rejected with status %d", resp.StatusCode),
			nil,
		)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Messages) == 0 {
		// The provider accepted the message; a malformed ack only costs the ID.
		c.logger.WarnContext(ctx, "reply accepted but response unparseable", "error", err)
		return "", nil
	}

	return out.Messages[0].ID, nil
}

// MarkRead flags an inbound message as read. Best-effort: callers log and
// ignore the error.
func (c *WhatsAppClient) MarkRead(ctx context.Context, messageID string) error {
	payload := markReadPayload{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}

	resp, err := c.postJSON(ctx, c.base, c.messagesURL(), payload)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mark read %s: status %d", messageID, resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Media download
// ---------------------------------------------------------------------------

type mediaMetadata struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// DownloadMedia resolves a media ID into content. The Graph API hands out a
// short-lived CDN URL first; the actual bytes come from a second
// authenticated request against that URL.
//
// Error mapping follows the shared taxonomy: transient failures keep their
// retryable upstream codes from BaseClient, a non-429 4xx on either step is
// upstream_rejected (the media ID expired or never existed, retrying cannot
// help).
func (c *WhatsAppClient) DownloadMedia(ctx context.Context, mediaID string) (MediaContent, error) {
	meta, err := c.fetchMediaMetadata(ctx, mediaID)
	if err != nil {
		return MediaContent{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return MediaContent{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build media content request",
			err,
		)
	}
	c.setAuthHeader(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return MediaContent{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return MediaContent{}, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("media content fetch for %s rejected with status %d", mediaID, resp.StatusCode),
			nil,
		)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaDownloadSize+1))
	if err != nil {
		return MediaContent{}, types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("media content read for %s interrupted", mediaID),
			err,
		)
	}
	if len(data) > maxMediaDownloadSize {
		return MediaContent{}, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("media %s exceeds download size limit", mediaID),
			nil,
		)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = meta.MimeType
	}

	c.logger.DebugContext(ctx, "media downloaded",
		"media_id", mediaID,
		"bytes", len(data),
		"mime_type", mime,
	)

	return MediaContent{Data: data, MimeType: mime}, nil
}

func (c *WhatsAppClient) fetchMediaMetadata(ctx context.Context, mediaID string) (mediaMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+mediaID, nil)
	if err != nil {
		return mediaMetadata{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build media metadata request",
			err,
		)
	}
	c.setAuthHeader(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return mediaMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mediaMetadata{}, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("media metadata for %s rejected with status %d", mediaID, resp.StatusCode),
			nil,
		)
	}

	var meta mediaMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return mediaMetadata{}, types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("media metadata for %s unparseable", mediaID),
			err,
		)
	}
	if meta.URL == "" {
		return mediaMetadata{}, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("media metadata for %s carries no download URL", mediaID),
			nil,
		)
	}

	return meta, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *WhatsAppClient) messagesURL() string {
	return c.baseURL + "/" + c.phoneID + "/messages"
}

func (c *WhatsAppClient) setAuthHeader(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.accessToken.Unmask())
}

func (c *WhatsAppClient) postJSON(ctx context.Context, base *BaseClient, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal request payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	return base.Do(req)
}
