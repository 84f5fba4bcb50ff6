// Package channels defines the types and contracts shared by ZapFunnel
// messaging channel drivers. Each channel (WhatsApp, Instagram) implements
// the Session interface to drive one authenticated external account on
// behalf of one assistant.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies a messaging channel type.
type Kind string

const (
	KindWhatsApp  Kind = "whatsapp"
	KindInstagram Kind = "instagram"
)

// Valid reports whether the kind is a known channel type.
func (k Kind) Valid() bool {
	return k == KindWhatsApp || k == KindInstagram
}

// State represents where a channel session is in its lifecycle.
type State string

const (
	// StateInitializing means the external client is being set up.
	StateInitializing State = "initializing"

	// StateAwaitingCredential means the channel requires an operator
	// pairing action (e.g. scanning a QR code). A Credential is available
	// while in this state.
	StateAwaitingCredential State = "awaiting_credential"

	// StateAuthenticated means pairing/login succeeded but the session is
	// not yet processing messages.
	StateAuthenticated State = "authenticated"

	// StateActive means the session is connected and relaying messages.
	StateActive State = "active"

	// StateDisconnected means the session ended (logout, auth expiry, or
	// too many consecutive errors). Terminal for this instance.
	StateDisconnected State = "disconnected"

	// StateFailed means initialization failed unrecoverably. Terminal.
	StateFailed State = "failed"

	// StateNotConnected is reported by the registry when no session
	// exists for a key. Drivers never enter this state themselves.
	StateNotConnected State = "not_connected"
)

// Terminal reports whether the state ends the session instance. A new
// open request is required to leave a terminal state.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Credential is channel-specific pairing material shown to the operator.
type Credential struct {
	// Kind is "qr" or "pairing_code".
	Kind string `json:"kind"`

	// Value is the raw QR payload or pairing code.
	Value string `json:"value"`

	// IssuedAt is when the credential was generated.
	IssuedAt time.Time `json:"issued_at"`
}

// StateEvent notifies the session owner of a lifecycle transition.
type StateEvent struct {
	State     State
	Reason    string
	Err       error
	Timestamp time.Time
}

// InboundMessage is one qualifying customer message received by a session.
type InboundMessage struct {
	// ID is the external message identifier (used for deduplication).
	ID string

	// OwnerID and AssistantID identify the session the message arrived on.
	OwnerID     string
	AssistantID string

	// Channel is the source channel kind.
	Channel Kind

	// ConversationID addresses the chat/thread for the reply.
	ConversationID string

	// SenderID is the customer's external identifier on the platform.
	SenderID string

	// SenderName is the customer's display name, if the platform exposes one.
	SenderName string

	// Text is the message content.
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// Replier sends a reply into the conversation the message arrived on.
type Replier func(ctx context.Context, conversationID, text string) error

// Handler consumes qualifying inbound messages from a session. Within one
// session, invocations are sequential and in arrival order.
type Handler interface {
	HandleInbound(ctx context.Context, msg *InboundMessage, reply Replier)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *InboundMessage, reply Replier)

func (f HandlerFunc) HandleInbound(ctx context.Context, msg *InboundMessage, reply Replier) {
	f(ctx, msg, reply)
}

// Health is a point-in-time liveness snapshot of a session.
type Health struct {
	State          State     `json:"state"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ErrorCount     int       `json:"error_count"`
}

// Session drives one external channel account through its lifecycle.
// Implementations own the underlying client exclusively and must release
// it on Close.
type Session interface {
	// Kind returns the channel type.
	Kind() Kind

	// Start begins the connect/auth flow. It must not block beyond initial
	// setup; progress is reported via Events and State.
	Start(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State

	// Credential returns the pairing artifact while the session is in
	// StateAwaitingCredential.
	Credential() (Credential, bool)

	// Events emits lifecycle transitions. The channel is buffered and
	// drivers drop events rather than block; State is authoritative.
	Events() <-chan StateEvent

	// Send delivers an outbound text into the given conversation.
	Send(ctx context.Context, conversationID, text string) error

	// Health returns liveness bookkeeping for status queries.
	Health() Health

	// Close tears the session down: cancels timers and listeners, waits
	// for or abandons in-flight work, and logs out best-effort. Safe to
	// call more than once.
	Close() error
}

// Errors shared by channel drivers.
var (
	ErrNotConnected  = fmt.Errorf("channel session is not connected")
	ErrSessionClosed = fmt.Errorf("channel session is closed")
	ErrAuthExpired   = fmt.Errorf("channel authentication expired")
	ErrSendFailed    = fmt.Errorf("failed to send message")
	ErrInitFailed    = fmt.Errorf("failed to initialize channel client")
)
