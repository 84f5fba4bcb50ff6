// Package sessions implements the process-wide registry of live channel
// sessions. The registry owns every session exclusively: it creates them on
// connect requests, serializes open/close per key, answers status queries,
// and sweeps terminal entries on a schedule.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
)

// Errors returned by Open.
var (
	ErrUnknownChannel = errors.New("sessions: unknown channel kind")
	ErrPairingTimeout = errors.New("sessions: timed out waiting for pairing credential")
	ErrInit           = errors.New("sessions: channel initialization failed")
)

// Config holds registry tunables.
type Config struct {
	// PairingTimeout bounds how long Open waits for a credential artifact
	// or a direct connection before giving up.
	PairingTimeout time.Duration `yaml:"pairing_timeout"`

	// SweepSchedule is the cron spec for the terminal-entry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// SweepRetention is how long disconnected/failed entries are kept
	// around for status queries before the sweep removes them.
	SweepRetention time.Duration `yaml:"sweep_retention"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PairingTimeout: 60 * time.Second,
		SweepSchedule:  "@every 5m",
		SweepRetention: 30 * time.Minute,
	}
}

// OpenRequest describes one connect request.
type OpenRequest struct {
	OwnerID     string
	AssistantID string
	Kind        channels.Kind

	// Username and Password carry login credentials for password-style
	// channels (Instagram). Empty for pairing-style channels.
	Username string
	Password string
}

// Factory builds a channel session for a request. The handler is the relay
// the session delivers qualifying inbound messages to.
type Factory func(req OpenRequest, handler channels.Handler) (channels.Session, error)

// OutcomeStatus describes what Open produced.
type OutcomeStatus string

const (
	// OutcomeConnected means the session reached active directly.
	OutcomeConnected OutcomeStatus = "connected"

	// OutcomeAwaitingCredential means the operator must complete pairing;
	// the credential artifact is included.
	OutcomeAwaitingCredential OutcomeStatus = "awaiting_credential"
)

// ConnectOutcome is the successful result of Open.
type ConnectOutcome struct {
	Status     OutcomeStatus        `json:"status"`
	Credential *channels.Credential `json:"credential,omitempty"`
}

// StatusReport answers a status query.
type StatusReport struct {
	State      channels.State       `json:"state"`
	Kind       channels.Kind        `json:"channel,omitempty"`
	Credential *channels.Credential `json:"credential,omitempty"`
	Health     *channels.Health     `json:"health,omitempty"`
}

// Summary describes one registry entry for listings.
type Summary struct {
	OwnerID     string          `json:"owner_id"`
	AssistantID string          `json:"assistant_id"`
	Kind        channels.Kind   `json:"channel"`
	State       channels.State  `json:"state"`
	OpenedAt    time.Time       `json:"opened_at"`
	Health      channels.Health `json:"health"`
}

// key identifies one registry entry. One live session per key, ever.
type key struct {
	ownerID     string
	assistantID string
	kind        channels.Kind
}

// entry tracks one session and when it last reported a transition.
type entry struct {
	sess     channels.Session
	k        key
	openedAt time.Time

	mu         sync.Mutex
	lastChange time.Time
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastChange = time.Now()
	e.mu.Unlock()
}

func (e *entry) lastChangedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastChange
}

// Registry is the process-wide session table.
type Registry struct {
	cfg       Config
	handler   channels.Handler
	factories map[channels.Kind]Factory
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[key]*entry
	keyLock map[key]*sync.Mutex

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry. Sessions deliver inbound messages to handler.
func New(cfg Config, handler channels.Handler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = def.PairingTimeout
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if cfg.SweepRetention <= 0 {
		cfg.SweepRetention = def.SweepRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg,
		handler:   handler,
		factories: make(map[channels.Kind]Factory),
		logger:    logger.With("component", "sessions"),
		entries:   make(map[key]*entry),
		keyLock:   make(map[key]*sync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterFactory installs the driver constructor for a channel kind.
// Must be called before the first Open for that kind.
func (r *Registry) RegisterFactory(kind channels.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Start launches the terminal-entry sweep.
func (r *Registry) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.SweepSchedule, r.sweep); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	r.cron.Start()
	return nil
}

// Shutdown closes every session and stops the sweep. Blocks until all
// watchers have exited.
func (r *Registry) Shutdown() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.cancel()

	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.entries = make(map[key]*entry)
	r.mu.Unlock()

	for _, e := range all {
		if err := e.sess.Close(); err != nil {
			r.logger.Warn("error closing session during shutdown",
				"owner", e.k.ownerID, "assistant", e.k.assistantID, "error", err)
		}
	}
	r.wg.Wait()
	r.logger.Info("session registry shut down")
}

// Open creates (or reuses) the session for the request's key. Idempotent
// when the existing session is active; any other existing state is torn
// down first so at most one live external handle exists per key.
//
// Open blocks until the session produces a pairing credential, reaches
// active, fails, or the pairing timeout elapses. On failure the entry is
// removed so the operator can retry.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (ConnectOutcome, error) {
	if !req.Kind.Valid() {
		return ConnectOutcome{}, fmt.Errorf("%w: %q", ErrUnknownChannel, req.Kind)
	}

	k := key{req.OwnerID, req.AssistantID, req.Kind}

	// Serialize opens and closes for this key: two concurrent opens must
	// never race to create two live external handles.
	lock := r.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	existing := r.entries[k]
	factory := r.factories[req.Kind]
	r.mu.Unlock()

	if factory == nil {
		return ConnectOutcome{}, fmt.Errorf("%w: no factory for %q", ErrUnknownChannel, req.Kind)
	}

	if existing != nil {
		if existing.sess.State() == channels.StateActive {
			return ConnectOutcome{Status: OutcomeConnected}, nil
		}
		// Stale entry: tear down best-effort and replace.
		if err := existing.sess.Close(); err != nil {
			r.logger.Warn("error closing stale session",
				"owner", req.OwnerID, "assistant", req.AssistantID, "error", err)
		}
		r.remove(k, existing)
	}

	sess, err := factory(req, r.handler)
	if err != nil {
		return ConnectOutcome{}, fmt.Errorf("%w: %v", ErrInit, err)
	}

	e := &entry{sess: sess, k: k, openedAt: time.Now()}
	e.touch()

	if err := sess.Start(r.ctx); err != nil {
		_ = sess.Close()
		return ConnectOutcome{}, fmt.Errorf("%w: %v", ErrInit, err)
	}

	r.mu.Lock()
	r.entries[k] = e
	r.mu.Unlock()

	outcome, err := r.awaitOutcome(ctx, e)
	if err != nil {
		_ = sess.Close()
		r.remove(k, e)
		return ConnectOutcome{}, err
	}

	// Hand remaining lifecycle events to a background watcher.
	r.wg.Add(1)
	go r.watch(e)

	r.logger.Info("session opened",
		"owner", req.OwnerID, "assistant", req.AssistantID,
		"channel", req.Kind, "status", outcome.Status)
	return outcome, nil
}

// awaitOutcome consumes session events until pairing material appears, the
// session activates, or it dies.
func (r *Registry) awaitOutcome(ctx context.Context, e *entry) (ConnectOutcome, error) {
	// The session may already have transitioned before we subscribe;
	// check the authoritative state first.
	switch e.sess.State() {
	case channels.StateActive:
		return ConnectOutcome{Status: OutcomeConnected}, nil
	case channels.StateAwaitingCredential:
		if cred, ok := e.sess.Credential(); ok {
			return ConnectOutcome{Status: OutcomeAwaitingCredential, Credential: &cred}, nil
		}
	case channels.StateFailed, channels.StateDisconnected:
		return ConnectOutcome{}, fmt.Errorf("%w: session %s", ErrInit, e.sess.State())
	}

	timer := time.NewTimer(r.cfg.PairingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ConnectOutcome{}, ctx.Err()
		case <-timer.C:
			return ConnectOutcome{}, ErrPairingTimeout
		case evt, ok := <-e.sess.Events():
			if !ok {
				return ConnectOutcome{}, fmt.Errorf("%w: event stream closed", ErrInit)
			}
			e.touch()
			switch evt.State {
			case channels.StateAwaitingCredential:
				if cred, ok := e.sess.Credential(); ok {
					return ConnectOutcome{Status: OutcomeAwaitingCredential, Credential: &cred}, nil
				}
			case channels.StateActive:
				return ConnectOutcome{Status: OutcomeConnected}, nil
			case channels.StateFailed, channels.StateDisconnected:
				if evt.Err != nil {
					return ConnectOutcome{}, fmt.Errorf("%w: %v", ErrInit, evt.Err)
				}
				return ConnectOutcome{}, fmt.Errorf("%w: %s (%s)", ErrInit, evt.State, evt.Reason)
			}
		}
	}
}

// watch drains a session's events after Open returns, keeping the entry's
// change timestamp fresh for the sweep and logging transitions.
func (r *Registry) watch(e *entry) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case evt, ok := <-e.sess.Events():
			if !ok {
				return
			}
			e.touch()
			lvl := slog.LevelInfo
			if evt.State.Terminal() {
				lvl = slog.LevelWarn
			}
			r.logger.Log(context.Background(), lvl, "session state change",
				"owner", e.k.ownerID, "assistant", e.k.assistantID,
				"channel", e.k.kind, "state", evt.State, "reason", evt.Reason)
			if evt.State.Terminal() {
				return
			}
		}
	}
}

// Status reports the current state for a key, or not_connected if absent.
// Status answers for any channel kind the pair has a session on; an exact
// kind can be requested via StatusFor.
func (r *Registry) Status(ownerID, assistantID string) StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, e := range r.entries {
		if k.ownerID == ownerID && k.assistantID == assistantID {
			return statusOf(e)
		}
	}
	return StatusReport{State: channels.StateNotConnected}
}

// StatusFor reports the state of one exact (owner, assistant, kind) entry.
func (r *Registry) StatusFor(ownerID, assistantID string, kind channels.Kind) StatusReport {
	r.mu.Lock()
	e := r.entries[key{ownerID, assistantID, kind}]
	r.mu.Unlock()

	if e == nil {
		return StatusReport{State: channels.StateNotConnected}
	}
	return statusOf(e)
}

func statusOf(e *entry) StatusReport {
	rep := StatusReport{
		State: e.sess.State(),
		Kind:  e.sess.Kind(),
	}
	if cred, ok := e.sess.Credential(); ok {
		rep.Credential = &cred
	}
	h := e.sess.Health()
	rep.Health = &h
	return rep
}

// Close tears down the session for the pair on any channel kind. Returns
// whether an entry existed.
func (r *Registry) Close(ownerID, assistantID string) bool {
	r.mu.Lock()
	var found []*entry
	for k, e := range r.entries {
		if k.ownerID == ownerID && k.assistantID == assistantID {
			found = append(found, e)
		}
	}
	r.mu.Unlock()

	for _, e := range found {
		lock := r.lockFor(e.k)
		lock.Lock()
		if err := e.sess.Close(); err != nil {
			r.logger.Warn("error closing session",
				"owner", ownerID, "assistant", assistantID, "error", err)
		}
		r.remove(e.k, e)
		lock.Unlock()
	}
	return len(found) > 0
}

// ListForOwner returns summaries of all entries for one owner.
func (r *Registry) ListForOwner(ownerID string) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Summary
	for k, e := range r.entries {
		if k.ownerID != ownerID {
			continue
		}
		out = append(out, Summary{
			OwnerID:     k.ownerID,
			AssistantID: k.assistantID,
			Kind:        k.kind,
			State:       e.sess.State(),
			OpenedAt:    e.openedAt,
			Health:      e.sess.Health(),
		})
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweep removes entries that have sat in a terminal state longer than the
// retention window. Sessions are never reopened automatically.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.SweepRetention)

	r.mu.Lock()
	var stale []*entry
	for _, e := range r.entries {
		if e.sess.State().Terminal() && e.lastChangedAt().Before(cutoff) {
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		lock := r.lockFor(e.k)
		lock.Lock()
		// Re-check under the key lock; a concurrent Open may have
		// replaced the entry.
		r.mu.Lock()
		current := r.entries[e.k]
		r.mu.Unlock()
		if current == e {
			_ = e.sess.Close()
			r.remove(e.k, e)
			r.logger.Info("swept terminal session",
				"owner", e.k.ownerID, "assistant", e.k.assistantID, "channel", e.k.kind)
		}
		lock.Unlock()
	}
}

// lockFor returns the per-key mutex, creating it on first use.
func (r *Registry) lockFor(k key) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.keyLock[k]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.keyLock[k] = l
	return l
}

// remove deletes the entry if it is still the current one for its key.
func (r *Registry) remove(k key, e *entry) {
	r.mu.Lock()
	if r.entries[k] == e {
		delete(r.entries, k)
	}
	r.mu.Unlock()
}
