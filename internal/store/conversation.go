package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pathakanu/medMemo/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoadConversation returns the stored conversation state, or nil when the
// handle has none yet.
func (s *Store) LoadConversation(ctx context.Context, handle string) (*model.ConversationState, error) {
	var state model.ConversationState
	err := s.db.WithContext(ctx).Where("handle = ?", handle).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %q: %w", handle, err)
	}
	if state.Data == nil {
		state.Data = make(map[string]string)
	}
	return &state, nil
}

// SaveConversation inserts or replaces the conversation state of its handle.
func (s *Store) SaveConversation(ctx context.Context, state *model.ConversationState) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "handle"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "data", "updated_at"}),
	}).Create(state).Error
	if err != nil {
		return fmt.Errorf("save conversation %q: %w", state.Handle, err)
	}
	return nil
}
