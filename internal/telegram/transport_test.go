package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ottolabs/otto/internal/outbound"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) *Transport {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tr, err := NewTransport(Config{
		BotToken:   "test-token",
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
	}, nil)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	return tr
}

func TestSendPostsChatIDAndText(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	if err := tr.Send(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != float64(42) || gotBody["text"] != "hello" {
		t.Errorf("body = %#v", gotBody)
	}
}

func TestSendClassifiesClientErrorsAsPermanent(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 403, "description": "Forbidden: bot was blocked by the user",
		})
	})

	err := tr.Send(context.Background(), 42, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !outbound.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "blocked by the user") {
		t.Errorf("expected api description in error, got %v", err)
	}
}

func TestSendKeepsRateLimitRetryable(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 429, "description": "Too Many Requests: retry after 30",
		})
	})

	err := tr.Send(context.Background(), 42, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if outbound.IsPermanent(err) {
		t.Errorf("429 must stay retryable, got permanent: %v", err)
	}
}

func TestSendKeepsServerErrorsRetryable(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := tr.Send(context.Background(), 42, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if outbound.IsPermanent(err) {
		t.Errorf("5xx must stay retryable, got permanent: %v", err)
	}
}

func TestNewTransportRequiresToken(t *testing.T) {
	if _, err := NewTransport(Config{}, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}
