package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []*channels.InboundMessage
}

func (h *recordingHandler) HandleInbound(_ context.Context, msg *channels.InboundMessage, _ channels.Replier) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func TestNew(t *testing.T) {
	t.Run("creates instance with defaults", func(t *testing.T) {
		s := New(Config{}, "owner-1", "asst-1", &recordingHandler{}, testLogger())

		if s.Kind() != channels.KindWhatsApp {
			t.Errorf("expected kind whatsapp, got %s", s.Kind())
		}
		if s.State() != channels.StateInitializing {
			t.Errorf("expected initial state initializing, got %s", s.State())
		}
		if s.cfg.DedupWindow != 64 {
			t.Errorf("expected default dedup window 64, got %d", s.cfg.DedupWindow)
		}
		if s.cfg.DeviceName != "ZapFunnel" {
			t.Errorf("expected default device name, got %q", s.cfg.DeviceName)
		}
	})

	t.Run("uses default logger if nil", func(t *testing.T) {
		s := New(DefaultConfig(), "o", "a", &recordingHandler{}, nil)
		if s.logger == nil {
			t.Error("expected logger to be set")
		}
	})
}

func TestTransition(t *testing.T) {
	s := New(DefaultConfig(), "o", "a", &recordingHandler{}, testLogger())

	t.Run("updates state and emits event", func(t *testing.T) {
		s.transition(channels.StateActive, "connected", nil)

		if s.State() != channels.StateActive {
			t.Errorf("expected active, got %s", s.State())
		}
		select {
		case evt := <-s.Events():
			if evt.State != channels.StateActive || evt.Reason != "connected" {
				t.Errorf("unexpected event: %+v", evt)
			}
		case <-time.After(time.Second):
			t.Error("timeout waiting for state event")
		}
	})

	t.Run("clears credential on leaving awaiting state", func(t *testing.T) {
		s.credMu.Lock()
		s.credential = &channels.Credential{Kind: "qr", Value: "payload"}
		s.credMu.Unlock()
		s.state.Store(channels.StateAwaitingCredential)

		if _, ok := s.Credential(); !ok {
			t.Fatal("expected credential while awaiting")
		}

		s.transition(channels.StateAuthenticated, "paired", nil)
		if _, ok := s.Credential(); ok {
			t.Error("expected credential cleared after pairing")
		}
	})

	t.Run("full event buffer does not block", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			s.transition(channels.StateActive, "spam", nil)
		}
		// Reaching here without deadlock is the assertion.
	})
}

func TestSendWhenNotActive(t *testing.T) {
	s := New(DefaultConfig(), "o", "a", &recordingHandler{}, testLogger())

	err := s.Send(context.Background(), "5511999999999", "hello")
	if err != channels.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRelayLoopDedup(t *testing.T) {
	h := &recordingHandler{}
	s := New(DefaultConfig(), "o", "a", h, testLogger())
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.relayLoop()

	msg := &channels.InboundMessage{
		ID:             "ext-1",
		Channel:        channels.KindWhatsApp,
		ConversationID: "5511999999999@s.whatsapp.net",
		Text:           "oi",
	}
	s.enqueue(msg)
	s.enqueue(msg) // duplicate external ID
	s.enqueue(&channels.InboundMessage{ID: "ext-2", Text: "tudo bem?"})

	deadline := time.After(2 * time.Second)
	for h.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 relayed messages, got %d", h.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Give the duplicate a chance to (incorrectly) arrive.
	time.Sleep(50 * time.Millisecond)
	if h.count() != 2 {
		t.Errorf("expected duplicate to be skipped, got %d messages", h.count())
	}

	s.cancel()
	s.wg.Wait()
}

func TestEnqueueDuringClose(t *testing.T) {
	s := New(DefaultConfig(), "o", "a", &recordingHandler{}, testLogger())
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.relayLoop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.enqueue(&channels.InboundMessage{
				ID:   fmt.Sprintf("ext-%d", i),
				Text: "oi",
			})
		}
	}()

	if err := s.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	wg.Wait()
	// Finishing without a panic from a send racing teardown is the
	// assertion; run with -race to catch regressions.
}

func TestClose(t *testing.T) {
	s := New(DefaultConfig(), "o", "a", &recordingHandler{}, testLogger())
	s.ctx, s.cancel = context.WithCancel(context.Background())

	t.Run("close is idempotent and terminal", func(t *testing.T) {
		if err := s.Close(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("unexpected error on second close: %v", err)
		}
		if !s.State().Terminal() {
			t.Errorf("expected terminal state after close, got %s", s.State())
		}
	})

	t.Run("enqueue after close is a no-op", func(t *testing.T) {
		s.enqueue(&channels.InboundMessage{ID: "late"})
		// No panic from sending on a closed channel is the assertion.
	})

	t.Run("send after close", func(t *testing.T) {
		err := s.Send(context.Background(), "5511999999999", "late")
		if err != channels.ErrSessionClosed {
			t.Errorf("expected ErrSessionClosed, got %v", err)
		}
	})
}

func TestParseJID(t *testing.T) {
	t.Run("bare phone number", func(t *testing.T) {
		jid, err := parseJID("+55 11 99999-9999")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("expected digits only, got %q", jid.User)
		}
	})

	t.Run("full JID passthrough", func(t *testing.T) {
		jid, err := parseJID("5511999999999@s.whatsapp.net")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("unexpected user %q", jid.User)
		}
	})

	t.Run("rejects short numbers", func(t *testing.T) {
		if _, err := parseJID("12345"); err == nil {
			t.Error("expected error for short number")
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		if _, err := parseJID("  "); err == nil {
			t.Error("expected error for empty JID")
		}
	})
}

func TestExtractText(t *testing.T) {
	if extractText(nil) != "" {
		t.Error("expected empty text for nil message")
	}
}

func TestHealth(t *testing.T) {
	s := New(DefaultConfig(), "o", "a", &recordingHandler{}, testLogger())
	s.errorCount.Store(3)

	h := s.Health()
	if h.State != channels.StateInitializing {
		t.Errorf("expected initializing, got %s", h.State)
	}
	if h.ErrorCount != 3 {
		t.Errorf("expected error count 3, got %d", h.ErrorCount)
	}
	if h.LastActivityAt.IsZero() {
		t.Error("expected last activity to be set")
	}
}
