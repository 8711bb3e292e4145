package model

import "time"

// PaymentInstrument is a card stored when an identity subscribes to premium.
// Instruments are deactivated, never deleted.
type PaymentInstrument struct {
	ID         uint      `gorm:"primaryKey"`
	IdentityID uint      `gorm:"uniqueIndex:idx_instrument_identity_token;not null"`
	Token      string    `gorm:"uniqueIndex:idx_instrument_identity_token;not null"`
	Holder     string    `gorm:"not null"`
	Expiry     string    `gorm:"size:5;not null"`
	CVV        string    `gorm:"column:cvv;size:4;not null"`
	Active     bool      `gorm:"not null;default:true"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}
