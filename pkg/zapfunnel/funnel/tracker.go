package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/store"
)

// Tracker moves pipeline contacts through the assistant's funnel as the
// extractor detects stages in replies.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger
}

// NewTracker creates a tracker backed by the given store.
func NewTracker(st *store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  st,
		logger: logger.With("component", "funnel"),
	}
}

// UpsertRequest carries one detected stage transition.
type UpsertRequest struct {
	AssistantID string
	OwnerID     string
	Channel     channels.Kind

	// ClientContact is the channel handle (phone JID, thread id). May be
	// empty for channels that hide it.
	ClientContact string

	// ClientName is the customer's display name, when the channel provides
	// one.
	ClientName string

	StageName   string
	LastMessage string
}

// Upsert records the contact at the named stage. Unknown stage names (the
// model sometimes invents one) are a no-op. Safe to call concurrently; the
// row is written with a single conditional insert-or-update.
func (t *Tracker) Upsert(ctx context.Context, req UpsertRequest) error {
	stage, err := t.resolveStage(ctx, req.AssistantID, req.StageName)
	if err != nil {
		return err
	}
	if stage == nil {
		// A real name can still arrive on a reply whose stage the model
		// invented; capture it without moving the contact.
		if req.ClientName != "" && req.ClientContact != "" {
			if err := t.store.UpdatePipelineClientName(ctx, req.AssistantID, req.ClientContact, req.ClientName); err != nil {
				return err
			}
		}
		t.logger.Debug("ignoring unknown stage",
			"assistant", req.AssistantID, "stage", req.StageName)
		return nil
	}

	contact := t.contactIdentifier(req)
	name := req.ClientName
	if name == "" {
		name = placeholderName(req.Channel)
	}

	// Keep a previously captured real name when this update carries none.
	if req.ClientName == "" {
		existing, err := t.store.GetPipelineContact(ctx, req.AssistantID, contact)
		if err != nil {
			return err
		}
		if existing != nil && existing.ClientName != "" && !isPlaceholderName(existing.ClientName) {
			name = existing.ClientName
		}
	}

	err = t.store.UpsertPipelineContact(ctx, &store.PipelineContact{
		AssistantID:   req.AssistantID,
		ClientContact: contact,
		StageID:       stage.ID,
		StageName:     stage.Name,
		ClientName:    name,
		LastMessage:   req.LastMessage,
	})
	if err != nil {
		return err
	}

	t.logger.Info("pipeline contact updated",
		"assistant", req.AssistantID,
		"contact", contact,
		"stage", stage.Name,
	)
	return nil
}

// resolveStage matches the extracted name against the assistant's
// configured stages, case-insensitively. Returns nil when no stage matches.
func (t *Tracker) resolveStage(ctx context.Context, assistantID, name string) (*store.FunnelStage, error) {
	stages, err := t.store.ListStagesOrdered(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	want := strings.TrimSpace(name)
	for i := range stages {
		if strings.EqualFold(stages[i].Name, want) {
			return &stages[i], nil
		}
	}
	return nil, nil
}

// contactIdentifier computes the stable identifier for the pipeline row:
// channel handle when present, else client name, else a synthesized
// anonymous id. The anonymous id is deterministic per (channel, assistant)
// so repeated relays for a handle-less contact land on the same row.
func (t *Tracker) contactIdentifier(req UpsertRequest) string {
	if req.ClientContact != "" {
		return req.ClientContact
	}
	if req.ClientName != "" {
		return req.ClientName
	}
	return fmt.Sprintf("anon-%s-%s", req.Channel, req.AssistantID)
}

func placeholderName(kind channels.Kind) string {
	switch kind {
	case channels.KindWhatsApp:
		return "Cliente WhatsApp"
	case channels.KindInstagram:
		return "Cliente Instagram"
	default:
		return "Cliente"
	}
}

func isPlaceholderName(name string) bool {
	return strings.HasPrefix(name, "Cliente")
}
