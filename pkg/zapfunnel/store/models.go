package store

import "time"

// Knowledge file processing statuses.
const (
	KnowledgeProcessing = "processing"
	KnowledgeReady      = "ready"
	KnowledgeFailed     = "failed"
)

// Assistant is one configured sales assistant. Its persona fields are
// rendered verbatim into the system prompt.
type Assistant struct {
	ID            string `gorm:"primaryKey;size:64"`
	OwnerID       string `gorm:"size:64;index;not null"`
	Name          string `gorm:"size:128;not null"`
	Role          string `gorm:"type:text"`
	Goals         string `gorm:"type:text"`
	Personality   string `gorm:"type:text"`
	Scenarios     string `gorm:"type:text"`
	FallbackReply string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	KnowledgeFiles []KnowledgeFile `gorm:"foreignKey:AssistantID;constraint:OnDelete:CASCADE"`
	CatalogItems   []CatalogItem   `gorm:"foreignKey:AssistantID;constraint:OnDelete:CASCADE"`
	FunnelStages   []FunnelStage   `gorm:"foreignKey:AssistantID;constraint:OnDelete:CASCADE"`
}

// KnowledgeFile holds text extracted from an uploaded document. Only files
// in status "ready" are rendered into prompts.
type KnowledgeFile struct {
	ID          string `gorm:"primaryKey;size:64"`
	AssistantID string `gorm:"size:64;index;not null"`
	Name        string `gorm:"size:255"`
	Status      string `gorm:"size:16;default:processing;index"`
	Content     string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CatalogItem is one product or service offered by the assistant's owner.
type CatalogItem struct {
	ID          string `gorm:"primaryKey;size:64"`
	AssistantID string `gorm:"size:64;index;not null"`
	Name        string `gorm:"size:255;not null"`
	Description string `gorm:"type:text"`
	Price       string `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FunnelStage is one step of the assistant's sales funnel, ordered by
// Position.
type FunnelStage struct {
	ID          string `gorm:"primaryKey;size:64"`
	AssistantID string `gorm:"size:64;index;not null"`
	Position    int    `gorm:"not null"`
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatLogEntry records one inbound message and the reply sent for it.
// Append-only.
type ChatLogEntry struct {
	ID          string `gorm:"primaryKey;size:64"`
	AssistantID string `gorm:"size:64;index;not null"`
	OwnerID     string `gorm:"size:64;index"`
	Channel     string `gorm:"size:16"`
	Contact     string `gorm:"size:255"`
	Inbound     string `gorm:"type:text"`
	Reply       string `gorm:"type:text"`
	Failed      bool   `gorm:"default:false"`
	CreatedAt   time.Time
}

// PipelineContact tracks which funnel stage a customer is in. One row per
// (assistant, contact) pair, enforced by the composite unique index.
type PipelineContact struct {
	ID            string `gorm:"primaryKey;size:64"`
	AssistantID   string `gorm:"size:64;not null;uniqueIndex:idx_pipeline_assistant_contact"`
	ClientContact string `gorm:"size:255;not null;uniqueIndex:idx_pipeline_assistant_contact"`
	StageID       string `gorm:"size:64"`
	StageName     string `gorm:"size:128"`
	ClientName    string `gorm:"size:255"`
	LastMessage   string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AllModels returns every persisted model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Assistant{},
		&KnowledgeFile{},
		&CatalogItem{},
		&FunnelStage{},
		&ChatLogEntry{},
		&PipelineContact{},
	}
}
