package external

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

func newTestMedia(baseURL string) *MediaAnalysisClient {
	return NewMediaAnalysisClientWithBase(noRetryBase(), config.MediaConfig{
		BaseURL: baseURL,
		APIKey:  types.SecretString("media-key"),
	}, slog.Default())
}

func TestAnalyze_Success(t *testing.T) {
	content := []byte("jpeg bytes")
	var gotBody analyzeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyze" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(analyzeResponse{Summary: "a receipt for $42"})
	}))
	defer srv.Close()

	client := newTestMedia(srv.URL)
	summary, err := client.Analyze(t.Context(), AnalysisInput{
		Data:     content,
		MimeType: "image/jpeg",
		Kind:     types.KindImage,
		Caption:  "what is this?",
	})
	if err != nil {
		t.Fatalf("Analyze returned unexpected error: %v", err)
	}
	if summary != "a receipt for $42" {
		t.Errorf("summary = %q", summary)
	}

	if gotBody.Data != base64.StdEncoding.EncodeToString(content) {
		t.Error("media bytes must travel base64-encoded")
	}
	if gotBody.Kind != "image" || gotBody.Caption != "what is this?" {
		t.Errorf("request = %+v", gotBody)
	}
}

func TestAnalyze_EmptySummaryIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(analyzeResponse{Summary: ""})
	}))
	defer srv.Close()

	client := newTestMedia(srv.URL)
	_, err := client.Analyze(t.Context(), AnalysisInput{Data: []byte("x"), Kind: types.KindImage})
	if err == nil {
		t.Fatal("expected error for empty summary")
	}
	if types.CodeOf(err) != types.ErrCodeUpstreamRejected {
		t.Errorf("code = %s, want upstream_rejected", types.CodeOf(err))
	}
	if types.IsRetryable(err) {
		t.Error("empty summary must not be retried; same bytes give the same answer")
	}
}

func TestAnalyze_OutageIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestMedia(srv.URL)
	_, err := client.Analyze(t.Context(), AnalysisInput{Data: []byte("x"), Kind: types.KindImage})
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsRetryable(err) {
		t.Error("5xx from analysis service must stay retryable")
	}
}
