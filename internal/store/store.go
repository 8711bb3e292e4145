// Package store is the durable record of identities, reminder courses, their
// scheduled doses, payment instruments and conversation state.
//
// Every exported operation is atomic: multi-row writes run inside a single
// transaction and either all rows become visible or none do.
package store

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/pathakanu/medMemo/internal/keylock"
	"gorm.io/gorm"
)

// Store is the gorm-backed reminder store.
type Store struct {
	db          *gorm.DB
	courseLocks *keylock.Locker[uint]
	validate    *validator.Validate
	now         func() time.Time
}

// New wraps a migrated database.
func New(db *gorm.DB) *Store {
	return &Store{
		db:          db,
		courseLocks: keylock.New[uint](),
		validate:    newPaymentValidator(),
		now:         time.Now,
	}
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(msg)
	}
	return err
}
