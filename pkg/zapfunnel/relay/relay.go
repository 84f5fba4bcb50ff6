package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/funnel"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/llm"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/store"
)

// DefaultFallbackReply is sent when the completion fails and the assistant
// has no configured fallback.
const DefaultFallbackReply = "Desculpe, estou com uma instabilidade no momento. Pode tentar novamente em alguns instantes?"

// Completer produces one assistant reply from a system prompt and a user
// message.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// Relay runs the per-message pipeline for every inbound message the channel
// sessions deliver. It implements channels.Handler.
type Relay struct {
	store     *store.Store
	completer Completer
	tracker   *funnel.Tracker
	prompts   PromptBuilder
	logger    *slog.Logger
}

// New creates a relay.
func New(st *store.Store, completer Completer, tracker *funnel.Tracker, prompts PromptBuilder, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     st,
		completer: completer,
		tracker:   tracker,
		prompts:   prompts,
		logger:    logger.With("component", "relay"),
	}
}

var _ channels.Handler = (*Relay)(nil)

// HandleInbound runs the pipeline for one message: load the assistant,
// build the prompt, complete, reply, log, and track the funnel stage. The
// reply is sent before anything is persisted; once it is out, no later step
// may fail the relay.
func (r *Relay) HandleInbound(ctx context.Context, msg *channels.InboundMessage, reply channels.Replier) {
	logger := r.logger.With(
		"assistant", msg.AssistantID,
		"channel", msg.Channel,
		"conversation", msg.ConversationID,
	)

	assistant, err := r.store.GetAssistant(ctx, msg.AssistantID)
	if err != nil {
		logger.Error("loading assistant", "error", err)
		return
	}
	if assistant == nil {
		// Session exists but the assistant was deleted; nothing to answer with.
		logger.Warn("no assistant configured, dropping message")
		return
	}

	completion, failed := r.generate(ctx, assistant, msg, logger)

	// The customer never sees the stage annotation.
	replyText := funnel.StripStageAnnotation(completion)

	if err := reply(ctx, msg.ConversationID, replyText); err != nil {
		logger.Error("sending reply", "error", err)
		r.logChat(ctx, assistant, msg, replyText, true, logger)
		return
	}

	r.logChat(ctx, assistant, msg, replyText, failed, logger)

	if failed {
		return
	}
	r.trackStage(ctx, assistant, msg, completion, logger)
}

// generate builds the prompt and asks the completion gateway. On failure it
// returns the assistant's fallback reply with failed=true.
func (r *Relay) generate(ctx context.Context, assistant *store.Assistant, msg *channels.InboundMessage, logger *slog.Logger) (string, bool) {
	files, err := r.store.ListReadyKnowledgeFiles(ctx, assistant.ID)
	if err != nil {
		logger.Error("loading knowledge files", "error", err)
	}
	catalog, err := r.store.ListCatalogItems(ctx, assistant.ID)
	if err != nil {
		logger.Error("loading catalog", "error", err)
	}
	stages, err := r.store.ListStagesOrdered(ctx, assistant.ID)
	if err != nil {
		logger.Error("loading stages", "error", err)
	}

	prompt := r.prompts.Build(assistant, files, catalog, stages)

	completion, err := r.completer.Complete(ctx, prompt, msg.Text)
	if err != nil {
		logger.Error("completion failed", "error", err, "status", gatewayStatus(err))
		fallback := assistant.FallbackReply
		if fallback == "" {
			fallback = DefaultFallbackReply
		}
		return fallback, true
	}

	return completion, false
}

// logChat appends the exchange to the chat log. Best-effort: failures are
// logged, never propagated.
func (r *Relay) logChat(ctx context.Context, assistant *store.Assistant, msg *channels.InboundMessage, replyText string, failed bool, logger *slog.Logger) {
	err := r.store.InsertChatLog(ctx, &store.ChatLogEntry{
		AssistantID: assistant.ID,
		OwnerID:     assistant.OwnerID,
		Channel:     string(msg.Channel),
		Contact:     msg.SenderID,
		Inbound:     msg.Text,
		Reply:       replyText,
		Failed:      failed,
	})
	if err != nil {
		logger.Error("appending chat log", "error", err)
	}
}

// trackStage extracts the stage annotation from the raw completion and
// upserts the pipeline contact. Best-effort.
func (r *Relay) trackStage(ctx context.Context, assistant *store.Assistant, msg *channels.InboundMessage, completion string, logger *slog.Logger) {
	stageName, ok := funnel.ExtractStage(completion)
	if !ok {
		return
	}
	err := r.tracker.Upsert(ctx, funnel.UpsertRequest{
		AssistantID:   assistant.ID,
		OwnerID:       assistant.OwnerID,
		Channel:       msg.Channel,
		ClientContact: msg.SenderID,
		ClientName:    msg.SenderName,
		StageName:     stageName,
		LastMessage:   msg.Text,
	})
	if err != nil {
		logger.Error("updating pipeline contact", "error", err)
	}
}

// gatewayStatus extracts the HTTP status from a completion error for
// logging, 0 when not a gateway error.
func gatewayStatus(err error) int {
	var gw *llm.GatewayError
	if errors.As(err, &gw) {
		return gw.Status
	}
	return 0
}
