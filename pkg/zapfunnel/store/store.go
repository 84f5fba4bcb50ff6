// Package store implements SQLite persistence for assistants, their prompt
// material, chat logs, and the sales pipeline.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store wraps the database handle with the queries the relay and funnel
// layers need.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetAssistant loads one assistant by id. Returns (nil, nil) when it does
// not exist; an unconfigured assistant is not an error for the relay.
func (s *Store) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	var a Assistant
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get assistant %s: %w", id, err)
	}
	return &a, nil
}

// SaveAssistant inserts or updates an assistant. Generates an id when empty.
func (s *Store) SaveAssistant(ctx context.Context, a *Assistant) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("store: save assistant %s: %w", a.ID, err)
	}
	return nil
}

// ListReadyKnowledgeFiles returns the assistant's knowledge files that
// finished processing, oldest first.
func (s *Store) ListReadyKnowledgeFiles(ctx context.Context, assistantID string) ([]KnowledgeFile, error) {
	var files []KnowledgeFile
	err := s.db.WithContext(ctx).
		Where("assistant_id = ? AND status = ?", assistantID, KnowledgeReady).
		Order("created_at ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("store: list knowledge files for %s: %w", assistantID, err)
	}
	return files, nil
}

// ListCatalogItems returns the assistant's catalog, oldest first.
func (s *Store) ListCatalogItems(ctx context.Context, assistantID string) ([]CatalogItem, error) {
	var items []CatalogItem
	err := s.db.WithContext(ctx).
		Where("assistant_id = ?", assistantID).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("store: list catalog for %s: %w", assistantID, err)
	}
	return items, nil
}

// ListStagesOrdered returns the assistant's funnel stages by position.
func (s *Store) ListStagesOrdered(ctx context.Context, assistantID string) ([]FunnelStage, error) {
	var stages []FunnelStage
	err := s.db.WithContext(ctx).
		Where("assistant_id = ?", assistantID).
		Order("position ASC").
		Find(&stages).Error
	if err != nil {
		return nil, fmt.Errorf("store: list stages for %s: %w", assistantID, err)
	}
	return stages, nil
}

// InsertChatLog appends one chat log entry. Generates an id when empty.
func (s *Store) InsertChatLog(ctx context.Context, e *ChatLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("store: insert chat log: %w", err)
	}
	return nil
}

// GetPipelineContact loads one pipeline row. Returns (nil, nil) when the
// contact has not entered the pipeline yet.
func (s *Store) GetPipelineContact(ctx context.Context, assistantID, clientContact string) (*PipelineContact, error) {
	var pc PipelineContact
	err := s.db.WithContext(ctx).
		First(&pc, "assistant_id = ? AND client_contact = ?", assistantID, clientContact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pipeline contact: %w", err)
	}
	return &pc, nil
}

// UpsertPipelineContact inserts the contact or, when the (assistant,
// contact) row already exists, moves it to the new stage. A single
// statement; concurrent relays for the same contact never produce
// duplicate rows.
func (s *Store) UpsertPipelineContact(ctx context.Context, pc *PipelineContact) error {
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	now := time.Now()
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = now
	}
	pc.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assistant_id"}, {Name: "client_contact"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stage_id", "stage_name", "client_name", "last_message", "updated_at",
		}),
	}).Create(pc).Error
	if err != nil {
		return fmt.Errorf("store: upsert pipeline contact: %w", err)
	}
	return nil
}

// UpdatePipelineClientName sets the client name for an existing row. Used
// when a real name arrives for a contact first seen without one.
func (s *Store) UpdatePipelineClientName(ctx context.Context, assistantID, clientContact, name string) error {
	err := s.db.WithContext(ctx).Model(&PipelineContact{}).
		Where("assistant_id = ? AND client_contact = ?", assistantID, clientContact).
		Updates(map[string]interface{}{"client_name": name, "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("store: update pipeline client name: %w", err)
	}
	return nil
}

// ListPipelineContacts returns the assistant's pipeline rows, most recently
// updated first.
func (s *Store) ListPipelineContacts(ctx context.Context, assistantID string) ([]PipelineContact, error) {
	var rows []PipelineContact
	err := s.db.WithContext(ctx).
		Where("assistant_id = ?", assistantID).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list pipeline for %s: %w", assistantID, err)
	}
	return rows, nil
}
