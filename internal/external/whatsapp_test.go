package external

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

func noRetryBase() *BaseClient {
	return NewBaseClient(http.DefaultClient, "whatsapp-test",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"chatgate-test/1.0", WithSleepFunc(noSleep))
}

func newTestWhatsApp(baseURL string) *WhatsAppClient {
	return NewWhatsAppClientWithBase(noRetryBase(), config.WhatsAppConfig{
		APIBaseURL:  baseURL,
		PhoneID:     "phone-42",
		AccessToken: types.SecretString("token-abc"),
	}, slog.Default())
}

func TestSendText_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.sent1"}]}`))
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	id, err := client.SendText(t.Context(), "15551234567", "hello back")
	if err != nil {
		t.Fatalf("SendText returned unexpected error: %v", err)
	}
	if id != "wamid.sent1" {
		t.Errorf("message ID = %q", id)
	}

	if gotPath != "/phone-42/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer token-abc" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["messaging_product"] != "whatsapp" || gotBody["to"] != "15551234567" {
		t.Errorf("payload = %v", gotBody)
	}
	text, _ := gotBody["text"].(map[string]any)
	if text["body"] != "hello back" {
		t.Errorf("text body = %v", text)
	}
}

func TestSendText_RejectionIsDeliveryFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	_, err := client.SendText(t.Context(), "15551234567", "hello")
	if err == nil {
		t.Fatal("expected error for rejected send")
	}
	if types.CodeOf(err) != types.ErrCodeDeliveryFailed {
		t.Errorf("code = %s, want delivery_failed", types.CodeOf(err))
	}
	if types.IsRetryable(err) {
		t.Error("delivery failures must never be retryable")
	}
}

func TestSendText_TransportFailureIsDeliveryFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	_, err := client.SendText(t.Context(), "15551234567", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	// Even transient failures are terminal once a send was attempted: the
	// provider may have delivered the reply despite the failed response.
	if types.CodeOf(err) != types.ErrCodeDeliveryFailed {
		t.Errorf("code = %s, want delivery_failed", types.CodeOf(err))
	}
}

func TestSendText_NeverRetriesTransport(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.dup"}]}`))
	}))
	defer srv.Close()

	// The production constructor, so the send path's own retry policy is
	// what gets exercised.
	client := NewWhatsAppClient(srv.Client(), config.WhatsAppConfig{
		APIBaseURL:  srv.URL,
		PhoneID:     "phone-42",
		AccessToken: types.SecretString("token-abc"),
	}, slog.Default())

	_, err := client.SendText(t.Context(), "15551234567", "hello")

	// A 5xx on a reply send may still have delivered; resending would risk
	// a duplicate message, so the first response is final.
	if requests != 1 {
		t.Errorf("send issued %d requests, want exactly 1", requests)
	}
	if types.CodeOf(err) != types.ErrCodeDeliveryFailed {
		t.Errorf("code = %s, want delivery_failed", types.CodeOf(err))
	}
}

func TestMarkRead_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	if err := client.MarkRead(t.Context(), "wamid.inbound1"); err != nil {
		t.Fatalf("MarkRead returned unexpected error: %v", err)
	}

	if gotBody["status"] != "read" || gotBody["message_id"] != "wamid.inbound1" {
		t.Errorf("payload = %v", gotBody)
	}
}

func TestMarkRead_FailureSurfacesAsPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	if err := client.MarkRead(t.Context(), "wamid.x"); err == nil {
		t.Fatal("expected error for rejected mark-read")
	}
}

func TestDownloadMedia_TwoStepFetch(t *testing.T) {
	content := []byte("fake image bytes")

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media-99":
			// Step 1: metadata with the CDN URL.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"url":       srv.URL + "/cdn/media-99",
				"mime_type": "image/jpeg",
				"file_size": len(content),
			})
		case "/cdn/media-99":
			// Step 2: authenticated content fetch.
			if r.Header.Get("Authorization") != "Bearer token-abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(content)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	got, err := client.DownloadMedia(t.Context(), "media-99")
	if err != nil {
		t.Fatalf("DownloadMedia returned unexpected error: %v", err)
	}
	if string(got.Data) != string(content) {
		t.Errorf("data = %q", got.Data)
	}
	if got.MimeType != "image/jpeg" {
		t.Errorf("mime = %q", got.MimeType)
	}
}

func TestDownloadMedia_ExpiredMediaIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"message":"media not found"}}`)
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	_, err := client.DownloadMedia(t.Context(), "media-gone")
	if err == nil {
		t.Fatal("expected error for missing media")
	}
	if types.CodeOf(err) != types.ErrCodeUpstreamRejected {
		t.Errorf("code = %s, want upstream_rejected", types.CodeOf(err))
	}
	if types.IsRetryable(err) {
		t.Error("expired media must not be retried")
	}
}

func TestDownloadMedia_TransientFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestWhatsApp(srv.URL)
	_, err := client.DownloadMedia(t.Context(), "media-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsRetryable(err) {
		t.Error("5xx on media download must stay retryable")
	}
}
