package external

import (
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

// IntentResult is the collaborator's answer for one conversational turn.
type IntentResult struct {
	ReplyText  string  `json:"reply_text"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	// MatchType distinguishes a real intent match from the agent's
	// fallback ("NO_MATCH") answer. Logged, not branched on.
	MatchType string `json:"match_type"`
}

// IntentClient calls the intent-detection service that runs the actual
// conversation logic. The pipeline treats it as a black box: text in, reply
// text out, keyed by a session ID so the service keeps conversational state
// per sender.
type IntentClient struct {
	base          *BaseClient
	baseURL       string
	apiKey        types.SecretString
	sessionPrefix string
	languageCode  string
	logger        *slog.Logger
}

// NewIntentClient creates an IntentClient from configuration.
func NewIntentClient(httpClient *http.Client, cfg config.IntentConfig, logger *slog.Logger) *IntentClient {
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"intent",
		DefaultRetryPolicy(),
		"chatgate/1.0",
	)

	return &IntentClient{
		base:          base,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		sessionPrefix: cfg.SessionPrefix,
		languageCode:  cfg.LanguageCode,
		logger:        logger,
	}
}

// NewIntentClientWithBase creates an IntentClient with a pre-configured
// BaseClient. For tests.
func NewIntentClientWithBase(base *BaseClient, cfg config.IntentConfig, logger *slog.Logger) *IntentClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentClient{
		base:          base,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		sessionPrefix: cfg.SessionPrefix,
		languageCode:  cfg.LanguageCode,
		logger:        logger,
	}
}

type detectIntentRequest struct {
	SessionID    string `json:"session_id"`
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

// DetectIntent sends one turn of conversation for the given sender and
// returns the service's reply. The session ID is derived from the sender so
// consecutive messages from the same person share conversational state.
//
// Transient failures keep their retryable upstream codes from BaseClient; a
// non-429 4xx means the service rejected the input and maps to the terminal
// upstream_rejected.
func (c *IntentClient) DetectIntent(ctx context.Context, sender string, text string) (IntentResult, error) {
	reqBody := detectIntentRequest{
		SessionID:    c.sessionID(sender),
		Text:         text,
		LanguageCode: c.languageCode,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return IntentResult{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal intent request",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/detect-intent", strings.NewReader(string(body)))
	if err != nil {
		return IntentResult{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build intent request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return IntentResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return IntentResult{}, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("intent service rejected input with status %d: %s", resp.StatusCode, snippet),
			nil,
		)
	}

	var result IntentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return IntentResult{}, types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"intent service response unparseable",
			err,
		)
	}

	c.logger.DebugContext(ctx, "intent detected",
		"intent", result.Intent,
		"confidence", result.Confidence,
		"match_type", result.MatchType,
	)

	return result, nil
}

// sessionID namespaces the sender into the channel's session space, e.g.
// "meta-whatsapp-15551234567".
func (c *IntentClient) sessionID(sender string) string {
	return c.sessionPrefix + "-" + sender
}
