package instagram

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
)

// Config holds Instagram driver configuration.
type Config struct {
	// PollInterval is the delay between inbox polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ThreadCount is how many recent threads each poll inspects.
	ThreadCount int `yaml:"thread_count"`

	// MaxConsecutiveErrors disconnects the session after this many
	// non-auth poll failures in a row.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`

	// DedupWindow is the capacity of the recent-message dedup set.
	DedupWindow int `yaml:"dedup_window"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         20 * time.Second,
		ThreadCount:          10,
		MaxConsecutiveErrors: 10,
		DedupWindow:          64,
	}
}

// Session implements channels.Session for Instagram by polling the inbox.
type Session struct {
	cfg         Config
	ownerID     string
	assistantID string
	username    string
	password    string
	client      Client
	handler     channels.Handler
	logger      *slog.Logger

	state  atomic.Value // channels.State
	events chan channels.StateEvent

	lastActivity atomic.Value // time.Time
	errorCount   atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

// New creates an Instagram session. The client is injected so tests can
// substitute a fake for the private API.
func New(cfg Config, ownerID, assistantID, username, password string, client Client, handler channels.Handler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ThreadCount <= 0 {
		cfg.ThreadCount = def.ThreadCount
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}

	s := &Session{
		cfg:         cfg,
		ownerID:     ownerID,
		assistantID: assistantID,
		username:    username,
		password:    password,
		client:      client,
		handler:     handler,
		logger: logger.With("component", "instagram",
			"owner", ownerID, "assistant", assistantID),
		events: make(chan channels.StateEvent, 8),
		done:   make(chan struct{}),
	}
	s.state.Store(channels.StateInitializing)
	s.lastActivity.Store(time.Now())
	return s
}

// Kind returns channels.KindInstagram.
func (s *Session) Kind() channels.Kind { return channels.KindInstagram }

// State returns the current lifecycle state.
func (s *Session) State() channels.State {
	return s.state.Load().(channels.State)
}

// Credential always reports absent: Instagram logs in with password
// credentials supplied on the connect request, no pairing artifact.
func (s *Session) Credential() (channels.Credential, bool) {
	return channels.Credential{}, false
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

// Start logs in and launches the poll loop. Login runs in the background;
// the registry observes the outcome via Events.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	go func() {
		defer close(s.done)

		if err := s.client.Login(s.ctx, s.username, s.password); err != nil {
			if IsAuthError(err) {
				s.logger.Warn("instagram: login rejected", "error", err)
			} else {
				s.logger.Error("instagram: login failed", "error", err)
			}
			s.transition(channels.StateFailed, "login", err)
			return
		}

		s.logger.Info("instagram: logged in", "username", s.username)
		s.transition(channels.StateAuthenticated, "login", nil)
		s.transition(channels.StateActive, "polling", nil)
		s.pollLoop()
	}()

	return nil
}

// Send posts a reply into the given thread.
func (s *Session) Send(ctx context.Context, conversationID, text string) error {
	if s.closed.Load() {
		return channels.ErrSessionClosed
	}
	if s.State() != channels.StateActive {
		return channels.ErrNotConnected
	}
	if err := s.client.SendReply(ctx, conversationID, text); err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Close stops the poll loop synchronously and logs out best-effort. Safe
// to call while a poll cycle is in flight; it waits for the loop to exit.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.started.Load() {
		<-s.done
	}

	logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Logout(logoutCtx); err != nil {
		s.logger.Warn("instagram: logout failed during teardown", "error", err)
	}

	if !s.State().Terminal() {
		s.transition(channels.StateDisconnected, "closed", nil)
	}
	s.logger.Info("instagram: session closed")
	return nil
}

// ---------- Internal ----------

func (s *Session) transition(state channels.State, reason string, err error) {
	s.state.Store(state)
	evt := channels.StateEvent{
		State:     state,
		Reason:    reason,
		Err:       err,
		Timestamp: time.Now(),
	}
	select {
	case s.events <- evt:
	default:
	}
}

// pollLoop runs one poll per tick until the context is cancelled or the
// session disconnects. The dedup window and consecutive-error counter are
// owned by this goroutine exclusively.
func (s *Session) pollLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	dedup := channels.NewDedupWindow(s.cfg.DedupWindow)
	consecutive := 0

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.pollOnce(dedup)
			switch {
			case err == nil:
				consecutive = 0
			case IsAuthError(err):
				s.logger.Warn("instagram: session expired, disconnecting", "error", err)
				s.transition(channels.StateDisconnected, "auth_expired", err)
				return
			default:
				consecutive++
				s.errorCount.Add(1)
				s.logger.Warn("instagram: poll failed",
					"consecutive", consecutive, "error", err)
				if consecutive >= s.cfg.MaxConsecutiveErrors {
					s.logger.Error("instagram: too many consecutive poll errors, disconnecting",
						"count", consecutive)
					s.transition(channels.StateDisconnected, "error_threshold", err)
					return
				}
			}
		}
	}
}

// pollOnce fetches the recent threads and relays each thread's latest
// unseen message. A handler invocation error never aborts the cycle.
func (s *Session) pollOnce(dedup *channels.DedupWindow) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PollInterval)
	defer cancel()

	threads, err := s.client.ListRecentThreads(ctx, s.cfg.ThreadCount)
	if err != nil {
		return err
	}

	selfID := s.client.SelfID()
	for _, th := range threads {
		msg := th.LastMessage
		if msg.ID == "" || msg.Text == "" {
			continue
		}
		if msg.SenderID == selfID {
			continue
		}
		if !dedup.Observe(msg.ID) {
			continue
		}

		s.lastActivity.Store(time.Now())
		s.handler.HandleInbound(s.ctx, &channels.InboundMessage{
			ID:             msg.ID,
			OwnerID:        s.ownerID,
			AssistantID:    s.assistantID,
			Channel:        channels.KindInstagram,
			ConversationID: th.ID,
			SenderID:       msg.SenderID,
			SenderName:     th.Username,
			Text:           msg.Text,
			Timestamp:      msg.SentAt,
		}, s.Send)
	}
	return nil
}

var _ channels.Session = (*Session)(nil)
