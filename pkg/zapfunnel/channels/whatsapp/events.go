// events.go maps whatsmeow events onto the session state machine and
// converts qualifying message events into relay inbound messages.
package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the whatsmeow event dispatcher.
func (s *Session) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		s.handleMessageEvt(evt)

	case *events.PairSuccess:
		s.logger.Info("whatsapp: device paired", "jid", evt.ID.String())
		s.transition(channels.StateAuthenticated, "paired", nil)

	case *events.Connected:
		s.errorCount.Store(0)
		s.lastActivity.Store(time.Now())
		s.transition(channels.StateActive, "connected", nil)
		s.logger.Info("whatsapp: connected", "jid", s.clientJID())

	case *events.LoggedOut:
		reason := "logged_out"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		s.logger.Warn("whatsapp: session logged out", "reason", reason)
		s.transition(channels.StateDisconnected, reason, channels.ErrAuthExpired)
		s.releaseClient()

	case *events.StreamReplaced:
		s.logger.Warn("whatsapp: stream replaced by another device")
		s.transition(channels.StateDisconnected, "stream_replaced", nil)
		s.releaseClient()

	case *events.TemporaryBan:
		s.logger.Error("whatsapp: temporary ban",
			"code", evt.Code.String(), "expire", evt.Expire)
		s.transition(channels.StateDisconnected, "temporary_ban", nil)
		s.releaseClient()

	case *events.ConnectFailure:
		reason := "connect_failure"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		s.logger.Error("whatsapp: connect failure",
			"reason", reason, "message", evt.Message)
		s.fail(reason, fmt.Errorf("%w: %s", channels.ErrInitFailed, evt.Message))
		s.releaseClient()

	case *events.Disconnected:
		// whatsmeow reports transient socket drops here. The session stays
		// in its state only while the library's own reconnect is pending;
		// a closed context means this instance is done.
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("whatsapp: socket disconnected")
		if s.State() == channels.StateActive {
			s.transition(channels.StateDisconnected, "connection_lost", nil)
		}

	case *events.StreamError:
		s.errorCount.Add(1)
		s.logger.Error("whatsapp: stream error", "code", evt.Code)
	}
}

// handleMessageEvt filters and forwards one incoming message event.
func (s *Session) handleMessageEvt(evt *events.Message) {
	// Self-sent and broadcast traffic never reaches the relay.
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	// The assistant answers direct customer chats only.
	if evt.Info.IsGroup {
		return
	}
	if s.State() != channels.StateActive {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	s.enqueue(&channels.InboundMessage{
		ID:             string(evt.Info.ID),
		OwnerID:        s.ownerID,
		AssistantID:    s.assistantID,
		Channel:        channels.KindWhatsApp,
		ConversationID: evt.Info.Chat.String(),
		SenderID:       evt.Info.Sender.String(),
		SenderName:     evt.Info.PushName,
		Text:           text,
		Timestamp:      evt.Info.Timestamp,
	})
}

// extractText returns the plain text of a message, or "" for non-text types.
func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if m.Conversation != nil {
		return m.GetConversation()
	}
	if ext := m.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

// clientJID returns the linked device JID, if any.
func (s *Session) clientJID() string {
	if s.client != nil && s.client.Store.ID != nil {
		return s.client.Store.ID.String()
	}
	return ""
}

// releaseClient disconnects the underlying client after a terminal event.
// Secondary failures here are logged, never propagated.
func (s *Session) releaseClient() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("whatsapp: teardown panic recovered", "error", r)
		}
	}()
	if s.client != nil {
		s.client.Disconnect()
	}
}

// parseJID converts a string to a WhatsApp JID. Accepts full JIDs
// ("5511999999999@s.whatsapp.net") or bare phone numbers.
func parseJID(v string) (types.JID, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(v, "@") {
		return types.ParseJID(v)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, v)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", v)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
