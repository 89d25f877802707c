package external

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

// AnalysisInput carries downloaded media into the analysis service.
type AnalysisInput struct {
	Data     []byte
	MimeType string
	Kind     types.MessageKind
	// Caption is the user's own text attached to the media, forwarded so
	// the analysis can honor an explicit question about the content.
	Caption string
}

// MediaAnalysisClient calls the media-analysis service, which turns media
// bytes (images, documents, audio) into a short text summary. The summary is
// then fed through the intent service like an ordinary text turn.
type MediaAnalysisClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
	logger  *slog.Logger
}

// NewMediaAnalysisClient creates a MediaAnalysisClient from configuration.
func NewMediaAnalysisClient(httpClient *http.Client, cfg config.MediaConfig, logger *slog.Logger) *MediaAnalysisClient {
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"media-analysis",
		DefaultRetryPolicy(),
		"chatgate/1.0",
	)

	return &MediaAnalysisClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// NewMediaAnalysisClientWithBase creates a MediaAnalysisClient with a
// pre-configured BaseClient. For tests.
func NewMediaAnalysisClientWithBase(base *BaseClient, cfg config.MediaConfig, logger *slog.Logger) *MediaAnalysisClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaAnalysisClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

type analyzeRequest struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mime_type"`
	Kind     string `json:"kind"`
	Caption  string `json:"caption,omitempty"`
}

type analyzeResponse struct {
	Summary string `json:"summary"`
}

// Analyze submits media content and returns the service's text summary.
// An empty summary from a 200 response is treated as a rejection: it means
// the service could not make sense of the content, and retrying the same
// bytes cannot change that.
func (c *MediaAnalysisClient) Analyze(ctx context.Context, input AnalysisInput) (string, error) {
	reqBody := analyzeRequest{
		Data:     base64.StdEncoding.EncodeToString(input.Data),
		MimeType: input.MimeType,
		Kind:     string(input.Kind),
		Caption:  input.Caption,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal analysis request",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build analysis request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("analysis service rejected media with status %d: %s", resp.StatusCode, snippet),
			nil,
		)
	}

	var result analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"analysis service response unparseable",
			err,
		)
	}
	if result.Summary == "" {
		return "", types.NewAppError(
			types.ErrCodeUpstreamRejected,
			"analysis service produced no summary for media",
			nil,
		)
	}

	c.logger.DebugContext(ctx, "media analyzed",
		"kind", input.Kind,
		"mime_type", input.MimeType,
		"summary_len", len(result.Summary),
	)

	return result.Summary, nil
}
