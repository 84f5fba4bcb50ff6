package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// fakeSession is a scriptable channels.Session.
type fakeSession struct {
	kind    channels.Kind
	state   atomic.Value
	events  chan channels.StateEvent
	cred    atomic.Value // channels.Credential
	hasCred atomic.Bool
	closed  atomic.Bool

	// startState is entered (and emitted) when Start is called.
	startState channels.State
	startErr   error
	startCred  *channels.Credential
}

func newFakeSession(kind channels.Kind, startState channels.State) *fakeSession {
	f := &fakeSession{
		kind:       kind,
		events:     make(chan channels.StateEvent, 8),
		startState: startState,
	}
	f.state.Store(channels.StateInitializing)
	return f
}

func (f *fakeSession) Kind() channels.Kind   { return f.kind }
func (f *fakeSession) State() channels.State { return f.state.Load().(channels.State) }

func (f *fakeSession) Credential() (channels.Credential, bool) {
	if !f.hasCred.Load() {
		return channels.Credential{}, false
	}
	return f.cred.Load().(channels.Credential), true
}

func (f *fakeSession) Events() <-chan channels.StateEvent { return f.events }

func (f *fakeSession) Health() channels.Health {
	return channels.Health{State: f.State()}
}

func (f *fakeSession) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.startCred != nil {
		f.cred.Store(*f.startCred)
		f.hasCred.Store(true)
	}
	f.transition(f.startState, "start")
	return nil
}

func (f *fakeSession) Send(context.Context, string, string) error { return nil }

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	f.transition(channels.StateDisconnected, "closed")
	return nil
}

func (f *fakeSession) transition(s channels.State, reason string) {
	f.state.Store(s)
	select {
	case f.events <- channels.StateEvent{State: s, Reason: reason, Timestamp: time.Now()}:
	default:
	}
}

// trackingFactory records every session it builds.
type trackingFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	build    func(OpenRequest) *fakeSession
}

func (tf *trackingFactory) factory(req OpenRequest, _ channels.Handler) (channels.Session, error) {
	s := tf.build(req)
	tf.mu.Lock()
	tf.sessions = append(tf.sessions, s)
	tf.mu.Unlock()
	return s, nil
}

func (tf *trackingFactory) built() []*fakeSession {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return append([]*fakeSession(nil), tf.sessions...)
}

func nopHandler() channels.Handler {
	return channels.HandlerFunc(func(context.Context, *channels.InboundMessage, channels.Replier) {})
}

func newTestRegistry(t *testing.T, tf *trackingFactory) *Registry {
	t.Helper()
	r := New(DefaultConfig(), nopHandler(), testLogger())
	r.RegisterFactory(channels.KindWhatsApp, tf.factory)
	r.RegisterFactory(channels.KindInstagram, tf.factory)
	t.Cleanup(r.Shutdown)
	return r
}

func activeBuilder(OpenRequest) *fakeSession {
	return newFakeSession(channels.KindInstagram, channels.StateActive)
}

func TestOpenDirectConnect(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	r := newTestRegistry(t, tf)

	out, err := r.Open(context.Background(), OpenRequest{
		OwnerID: "u1", AssistantID: "a1", Kind: channels.KindInstagram,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeConnected {
		t.Errorf("expected connected, got %s", out.Status)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", r.Len())
	}
}

func TestOpenIsIdempotentWhileActive(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	r := newTestRegistry(t, tf)

	req := OpenRequest{OwnerID: "u1", AssistantID: "a1", Kind: channels.KindInstagram}
	if _, err := r.Open(context.Background(), req); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := r.Open(context.Background(), req); err != nil {
		t.Fatalf("second open: %v", err)
	}

	if got := len(tf.built()); got != 1 {
		t.Errorf("expected exactly 1 session built, got %d", got)
	}
}

func TestConcurrentOpensYieldOneLiveHandle(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	r := newTestRegistry(t, tf)

	req := OpenRequest{OwnerID: "u1", AssistantID: "a1", Kind: channels.KindWhatsApp}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Open(context.Background(), req); err != nil {
				t.Errorf("open: %v", err)
			}
		}()
	}
	wg.Wait()

	live := 0
	for _, s := range tf.built() {
		if !s.closed.Load() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("expected exactly 1 live handle, got %d (built %d)", live, len(tf.built()))
	}
}

func TestOpenReplacesStaleEntry(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	r := newTestRegistry(t, tf)

	req := OpenRequest{OwnerID: "u1", AssistantID: "a1", Kind: channels.KindInstagram}
	if _, err := r.Open(context.Background(), req); err != nil {
		t.Fatalf("first open: %v", err)
	}

	// Simulate an external disconnect, then reconnect.
	first := tf.built()[0]
	first.transition(channels.StateDisconnected, "auth_expired")

	if _, err := r.Open(context.Background(), req); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if !first.closed.Load() {
		t.Error("expected stale session to be torn down")
	}
	if got := len(tf.built()); got != 2 {
		t.Errorf("expected a replacement session, got %d built", got)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry after replacement, got %d", r.Len())
	}
}

func TestPairingFlow(t *testing.T) {
	cred := &channels.Credential{Kind: "qr", Value: "2@abc123", IssuedAt: time.Now()}
	tf := &trackingFactory{build: func(OpenRequest) *fakeSession {
		s := newFakeSession(channels.KindWhatsApp, channels.StateAwaitingCredential)
		s.startCred = cred
		return s
	}}
	r := newTestRegistry(t, tf)

	req := OpenRequest{OwnerID: "u1", AssistantID: "a1", Kind: channels.KindWhatsApp}
	out, err := r.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeAwaitingCredential {
		t.Fatalf("expected awaiting_credential, got %s", out.Status)
	}
	if out.Credential == nil || out.Credential.Value != "2@abc123" {
		t.Fatalf("expected credential artifact, got %+v", out.Credential)
	}

	// Mid-flow status shows the pairing artifact.
	rep := r.Status("u1", "a1")
	if rep.State != channels.StateAwaitingCredential {
		t.Errorf("expected awaiting_credential, got %s", rep.State)
	}
	if rep.Credential == nil || rep.Credential.Value == "" {
		t.Error("expected non-empty credential in status")
	}

	// Operator scans; the backend reports ready.
	s := tf.built()[0]
	s.hasCred.Store(false)
	s.transition(channels.StateAuthenticated, "paired")
	s.transition(channels.StateActive, "ready")

	deadline := time.After(2 * time.Second)
	for r.Status("u1", "a1").State != channels.StateActive {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for active, got %s", r.Status("u1", "a1").State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOpenPairingTimeout(t *testing.T) {
	tf := &trackingFactory{build: func(OpenRequest) *fakeSession {
		// Session stays initializing forever.
		return newFakeSession(channels.KindWhatsApp, channels.StateInitializing)
	}}
	cfg := DefaultConfig()
	cfg.PairingTimeout = 30 * time.Millisecond
	r := New(cfg, nopHandler(), testLogger())
	r.RegisterFactory(channels.KindWhatsApp, tf.factory)
	t.Cleanup(r.Shutdown)

	_, err := r.Open(context.Background(), OpenRequest{
		OwnerID: "u1", AssistantID: "a1", Kind: channels.KindWhatsApp,
	})
	if err != ErrPairingTimeout {
		t.Fatalf("expected ErrPairingTimeout, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("expected entry removed after timeout so a retry is possible")
	}
	if !tf.built()[0].closed.Load() {
		t.Error("expected session torn down after timeout")
	}
}

func TestOpenInitFailure(t *testing.T) {
	t.Run("factory error", func(t *testing.T) {
		r := New(DefaultConfig(), nopHandler(), testLogger())
		r.RegisterFactory(channels.KindInstagram, func(OpenRequest, channels.Handler) (channels.Session, error) {
			return nil, fmt.Errorf("no such account")
		})
		t.Cleanup(r.Shutdown)

		_, err := r.Open(context.Background(), OpenRequest{
			OwnerID: "u1", AssistantID: "a1", Kind: channels.KindInstagram,
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if r.Len() != 0 {
			t.Error("expected no entry after factory failure")
		}
	})

	t.Run("session fails during start", func(t *testing.T) {
		tf := &trackingFactory{build: func(OpenRequest) *fakeSession {
			return newFakeSession(channels.KindInstagram, channels.StateFailed)
		}}
		r := newTestRegistry(t, tf)

		_, err := r.Open(context.Background(), OpenRequest{
			OwnerID: "u1", AssistantID: "a1", Kind: channels.KindInstagram,
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if r.Len() != 0 {
			t.Error("expected entry removed so a retry is possible")
		}
	})

	t.Run("unknown channel kind", func(t *testing.T) {
		r := New(DefaultConfig(), nopHandler(), testLogger())
		t.Cleanup(r.Shutdown)

		_, err := r.Open(context.Background(), OpenRequest{
			OwnerID: "u1", AssistantID: "a1", Kind: channels.Kind("telegram"),
		})
		if err == nil {
			t.Fatal("expected error for unknown kind")
		}
	})
}

func TestStatusNotConnected(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	r := newTestRegistry(t, tf)

	rep := r.Status("nobody", "nothing")
	if rep.State != channels.StateNotConnected {
		t.Errorf("expected not_connected, got %s", rep.State)
	}
}

func TestClose(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	r := newTestRegistry(t, tf)

	req := OpenRequest{OwnerID: "u1", AssistantID: "a1", Kind: channels.KindInstagram}
	if _, err := r.Open(context.Background(), req); err != nil {
		t.Fatalf("open: %v", err)
	}

	if !r.Close("u1", "a1") {
		t.Error("expected close to report an existing entry")
	}
	if !tf.built()[0].closed.Load() {
		t.Error("expected session torn down")
	}
	if r.Close("u1", "a1") {
		t.Error("expected second close to report no entry")
	}
	if r.Status("u1", "a1").State != channels.StateNotConnected {
		t.Error("expected not_connected after close")
	}
}

func TestListForOwner(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	r := newTestRegistry(t, tf)

	for i := 1; i <= 3; i++ {
		_, err := r.Open(context.Background(), OpenRequest{
			OwnerID: "u1", AssistantID: fmt.Sprintf("a%d", i), Kind: channels.KindInstagram,
		})
		if err != nil {
			t.Fatalf("open a%d: %v", i, err)
		}
	}
	if _, err := r.Open(context.Background(), OpenRequest{
		OwnerID: "u2", AssistantID: "b1", Kind: channels.KindInstagram,
	}); err != nil {
		t.Fatalf("open u2: %v", err)
	}

	got := r.ListForOwner("u1")
	if len(got) != 3 {
		t.Fatalf("expected 3 summaries for u1, got %d", len(got))
	}
	for _, s := range got {
		if s.OwnerID != "u1" || s.State != channels.StateActive {
			t.Errorf("unexpected summary: %+v", s)
		}
	}
	if len(r.ListForOwner("u3")) != 0 {
		t.Error("expected no summaries for unknown owner")
	}
}

func TestSweepRemovesTerminalEntries(t *testing.T) {
	tf := &trackingFactory{build: activeBuilder}
	cfg := DefaultConfig()
	cfg.SweepRetention = 10 * time.Millisecond
	r := New(cfg, nopHandler(), testLogger())
	r.RegisterFactory(channels.KindInstagram, tf.factory)
	t.Cleanup(r.Shutdown)

	req := OpenRequest{OwnerID: "u1", AssistantID: "a1", Kind: channels.KindInstagram}
	if _, err := r.Open(context.Background(), req); err != nil {
		t.Fatalf("open: %v", err)
	}

	tf.built()[0].transition(channels.StateDisconnected, "auth_expired")

	// Wait past the retention window, then sweep directly.
	deadline := time.After(2 * time.Second)
	for r.Len() != 0 {
		time.Sleep(15 * time.Millisecond)
		r.sweep()
		select {
		case <-deadline:
			t.Fatal("timeout waiting for sweep to remove entry")
		default:
		}
	}
}
