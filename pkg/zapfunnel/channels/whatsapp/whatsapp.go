// Package whatsapp implements the push-style WhatsApp channel session using
// whatsmeow, the native Go WhatsApp Web API library.
//
// Lifecycle: a fresh device goes through QR pairing (the QR payload is
// surfaced as the session credential for the operator to scan); an
// already-paired device reconnects straight to active. Logout, stream
// replacement, and unrecoverable connect failures are terminal — the
// session registry creates a new instance on the next connect request.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds WhatsApp driver configuration.
type Config struct {
	// SessionDir is the directory for whatsmeow session databases. Each
	// (owner, assistant) pair gets its own SQLite file so teardown of one
	// session never touches another account's pairing state.
	SessionDir string `yaml:"session_dir"`

	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name"`

	// DedupWindow is the capacity of the recent-message dedup set.
	DedupWindow int `yaml:"dedup_window"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:  "./sessions/whatsapp",
		DeviceName:  "ZapFunnel",
		DedupWindow: 64,
	}
}

// Session implements channels.Session for WhatsApp.
type Session struct {
	cfg         Config
	ownerID     string
	assistantID string
	handler     channels.Handler
	logger      *slog.Logger

	client *whatsmeow.Client

	// state is the authoritative lifecycle state.
	state atomic.Value // channels.State

	// credential holds the QR payload while awaiting pairing.
	credMu     sync.Mutex
	credential *channels.Credential

	// events notifies the registry of transitions. Sends never block.
	events chan channels.StateEvent

	// inbound feeds the single relay worker, preserving arrival order.
	// Never closed; the worker exits via ctx so a late event handler
	// delivery can never hit a closed channel.
	inbound chan *channels.InboundMessage

	// lastActivity and errorCount are liveness bookkeeping.
	lastActivity atomic.Value // time.Time
	errorCount   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a WhatsApp session for one (owner, assistant) pair.
func New(cfg Config, ownerID, assistantID string, handler channels.Handler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = DefaultConfig().SessionDir
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultConfig().DeviceName
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}

	s := &Session{
		cfg:         cfg,
		ownerID:     ownerID,
		assistantID: assistantID,
		handler:     handler,
		logger: logger.With("component", "whatsapp",
			"owner", ownerID, "assistant", assistantID),
		events:  make(chan channels.StateEvent, 8),
		inbound: make(chan *channels.InboundMessage, 64),
	}
	s.state.Store(channels.StateInitializing)
	s.lastActivity.Store(time.Now())
	return s
}

// Kind returns channels.KindWhatsApp.
func (s *Session) Kind() channels.Kind { return channels.KindWhatsApp }

// State returns the current lifecycle state.
func (s *Session) State() channels.State {
	return s.state.Load().(channels.State)
}

// Credential returns the QR payload while pairing is pending.
func (s *Session) Credential() (channels.Credential, bool) {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	if s.credential == nil {
		return channels.Credential{}, false
	}
	return *s.credential, true
}

// Events returns the lifecycle event stream.
func (s *Session) Events() <-chan channels.StateEvent { return s.events }

// Health returns liveness bookkeeping.
func (s *Session) Health() channels.Health {
	h := channels.Health{
		State:      s.State(),
		ErrorCount: int(s.errorCount.Load()),
	}
	if t, ok := s.lastActivity.Load().(time.Time); ok {
		h.LastActivityAt = t
	}
	return h
}

// Start initializes the whatsmeow client and begins the connect flow.
// For unpaired devices the QR login runs in the background; the registry
// observes the credential via Events/Credential.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	dbPath := filepath.Join(s.cfg.SessionDir,
		fmt.Sprintf("wa-%s-%s.db", s.ownerID, s.assistantID))
	container, err := sqlstore.New(s.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		s.fail("session_store", err)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := s.getDevice(s.ctx, container)
	if err != nil {
		s.fail("device", err)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(s.cfg.DeviceName, [3]uint32{1, 0, 0})

	s.client = whatsmeow.NewClient(device, waLog.Noop)
	s.client.AddEventHandler(s.handleEvent)

	// Single relay worker keeps per-conversation reply order.
	s.wg.Add(1)
	go s.relayLoop()

	if s.client.Store.ID == nil {
		// First login — QR pairing required.
		s.logger.Info("whatsapp: no existing session, starting QR pairing")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.loginWithQR(s.ctx); err != nil {
				s.logger.Warn("whatsapp: QR pairing did not complete", "error", err)
			}
		}()
		return nil
	}

	// Existing session — reconnect directly.
	if err := s.client.Connect(); err != nil {
		s.fail("connect", err)
		return fmt.Errorf("connecting: %w", err)
	}
	s.logger.Info("whatsapp: reconnecting existing session",
		"jid", s.client.Store.ID.String())
	return nil
}

// Send delivers a text message to the given JID.
func (s *Session) Send(ctx context.Context, conversationID, text string) error {
	if s.closed.Load() {
		return channels.ErrSessionClosed
	}
	if s.State() != channels.StateActive {
		return channels.ErrNotConnected
	}

	jid, err := parseJID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", conversationID, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once; waits for the
// QR loop and relay worker to finish so the client is never leaked.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		s.client.Disconnect()
	}
	s.wg.Wait()

	if !s.State().Terminal() {
		s.transition(channels.StateDisconnected, "closed", nil)
	}
	s.logger.Info("whatsapp: session closed")
	return nil
}

// ---------- Internal ----------

// transition updates the state and notifies observers without blocking.
func (s *Session) transition(state channels.State, reason string, err error) {
	s.state.Store(state)
	if state != channels.StateAwaitingCredential {
		s.credMu.Lock()
		s.credential = nil
		s.credMu.Unlock()
	}
	evt := channels.StateEvent{
		State:     state,
		Reason:    reason,
		Err:       err,
		Timestamp: time.Now(),
	}
	select {
	case s.events <- evt:
	default:
		// Observer lagging; State() remains authoritative.
	}
}

// fail marks the session failed during initialization.
func (s *Session) fail(reason string, err error) {
	s.transition(channels.StateFailed, reason, err)
}

// getDevice retrieves the stored device or creates a fresh one.
func (s *Session) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR drives the QR pairing flow. Each fresh code replaces the
// session credential; success hands off to the Connected event.
func (s *Session) loginWithQR(ctx context.Context) error {
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		s.fail("qr_channel", err)
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := s.client.Connect(); err != nil {
		s.fail("connect", err)
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed")
			}
			switch evt.Event {
			case "code":
				s.credMu.Lock()
				s.credential = &channels.Credential{
					Kind:     "qr",
					Value:    evt.Code,
					IssuedAt: time.Now(),
				}
				s.credMu.Unlock()
				s.transition(channels.StateAwaitingCredential, "qr_ready", nil)
				s.logger.Info("whatsapp: QR code ready for pairing")

			case "success":
				s.transition(channels.StateAuthenticated, "qr_scanned", nil)
				s.logger.Info("whatsapp: QR pairing succeeded")
				return nil

			case "timeout":
				s.transition(channels.StateFailed, "qr_timeout", nil)
				s.logger.Warn("whatsapp: QR code expired before pairing")
				return fmt.Errorf("QR pairing timed out")

			default:
				if evt.Error != nil {
					s.fail("qr_error", evt.Error)
					return fmt.Errorf("QR pairing: %w", evt.Error)
				}
			}
		}
	}
}

// relayLoop processes inbound messages one at a time in arrival order.
// The dedup window lives here so only this goroutine touches it.
func (s *Session) relayLoop() {
	defer s.wg.Done()

	dedup := channels.NewDedupWindow(s.cfg.DedupWindow)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbound:
			if !dedup.Observe(msg.ID) {
				s.logger.Debug("whatsapp: duplicate message skipped", "id", msg.ID)
				continue
			}
			s.lastActivity.Store(time.Now())
			s.handler.HandleInbound(s.ctx, msg, s.Send)
		}
	}
}

// enqueue hands a message to the relay worker, dropping if the session is
// closing or the worker is saturated.
func (s *Session) enqueue(msg *channels.InboundMessage) {
	if s.closed.Load() {
		return
	}
	select {
	case s.inbound <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("whatsapp: inbound queue full, dropping message",
			"from", msg.SenderID)
	}
}
