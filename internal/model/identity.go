package model

import "time"

// Identity is one end user, keyed by the external conversation handle
// (Telegram chat id or WhatsApp number).
type Identity struct {
	ID        uint      `gorm:"primaryKey"`
	Handle    string    `gorm:"uniqueIndex;not null"`
	Name      string    `gorm:"type:text"`
	Phone     string    `gorm:"type:text"`
	Premium   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
