package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL: srv.URL,
		Model:   "test-model",
		APIKey:  "sk-test",
	}, testLogger())
}

func TestComplete(t *testing.T) {
	var gotReq chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "  Olá! Como posso ajudar?  "}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
		})
	})

	got, err := c.Complete(context.Background(), "You are a sales assistant.", "oi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Olá! Como posso ajudar?" {
		t.Errorf("expected trimmed content, got %q", got)
	}

	if gotReq.Model != "test-model" {
		t.Errorf("expected model test-model, got %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Errorf("unexpected roles: %+v", gotReq.Messages)
	}
}

func TestCompleteNoSystemPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("expected single user message, got %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "ok"}},
			},
		})
	})

	if _, err := c.Complete(context.Background(), "", "oi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCompleteServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"internal server error"}}`, http.StatusInternalServerError)
	})

	_, err := c.Complete(context.Background(), "sys", "oi")
	if err == nil {
		t.Fatal("expected error")
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *GatewayError, got %T: %v", err, err)
	}
	if gwErr.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", gwErr.Status)
	}
	if !strings.Contains(gwErr.Error(), "500") {
		t.Errorf("expected status in message, got %q", gwErr.Error())
	}
}

func TestCompleteErrorBodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 1000)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, long, http.StatusBadGateway)
	})

	_, err := c.Complete(context.Background(), "sys", "oi")
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *GatewayError, got %v", err)
	}
	if len(gwErr.Error()) > 300 {
		t.Errorf("expected truncated message, got %d chars", len(gwErr.Error()))
	}
	// The full body is preserved for callers that want it.
	if len(gwErr.Body) < 1000 {
		t.Errorf("expected full body preserved, got %d chars", len(gwErr.Body))
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	c := New(Config{BaseURL: "https://example.invalid", Model: "m"}, testLogger())
	_, err := c.Complete(context.Background(), "sys", "oi")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	if _, err := c.Complete(context.Background(), "sys", "oi"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestCompleteContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "late"}}},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Complete(ctx, "sys", "oi"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("unexpected: %q", got)
	}
	if got := truncate(strings.Repeat("a", 20), 10); got != strings.Repeat("a", 10)+"..." {
		t.Errorf("unexpected: %q", got)
	}
}
