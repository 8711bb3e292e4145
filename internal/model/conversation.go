package model

import "time"

// ConversationState is the persisted state of one identity's conversation.
// Data holds the fields collected so far by a multi-step flow.
type ConversationState struct {
	Handle    string            `gorm:"primaryKey"`
	State     string            `gorm:"not null"`
	Data      map[string]string `gorm:"serializer:json"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime"`
}
