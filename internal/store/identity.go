package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/pathakanu/medMemo/internal/model"
	"gorm.io/gorm"
)

// CreateIdentity registers a new conversation handle. A handle that is already
// registered yields an apperr.ErrConflict and leaves the stored row untouched.
func (s *Store) CreateIdentity(ctx context.Context, handle, name, phone string) (uint, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return 0, apperr.Validation("an identity handle is required")
	}

	identity := model.Identity{Handle: handle, Name: name, Phone: phone}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Identity{}).Where("handle = ?", handle).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Conflict("user already registered")
		}
		return tx.Create(&identity).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, apperr.Conflict("user already registered")
		}
		return 0, fmt.Errorf("create identity %q: %w", handle, err)
	}
	return identity.ID, nil
}

// GetIdentityByHandle returns the identity registered for handle.
func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (*model.Identity, error) {
	var identity model.Identity
	if err := s.db.WithContext(ctx).Where("handle = ?", handle).First(&identity).Error; err != nil {
		return nil, notFoundOr(err, "user not found")
	}
	return &identity, nil
}

// GetIdentity returns the identity with the given id.
func (s *Store) GetIdentity(ctx context.Context, identityID uint) (*model.Identity, error) {
	var identity model.Identity
	if err := s.db.WithContext(ctx).First(&identity, identityID).Error; err != nil {
		return nil, notFoundOr(err, "user not found")
	}
	return &identity, nil
}

// EnsureIdentity returns the identity for handle, registering it on first contact.
func (s *Store) EnsureIdentity(ctx context.Context, handle, name string) (*model.Identity, error) {
	identity, err := s.GetIdentityByHandle(ctx, handle)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	if _, err := s.CreateIdentity(ctx, handle, name, ""); err != nil && !errors.Is(err, apperr.ErrConflict) {
		return nil, err
	}
	return s.GetIdentityByHandle(ctx, handle)
}

// SetPremium grants the premium entitlement. It is never revoked.
func (s *Store) SetPremium(ctx context.Context, identityID uint) error {
	res := s.db.WithContext(ctx).Model(&model.Identity{}).Where("id = ?", identityID).Update("premium", true)
	if res.Error != nil {
		return fmt.Errorf("set premium for identity %d: %w", identityID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user not found")
	}
	return nil
}

// IsPremium reports whether the identity holds the premium entitlement.
func (s *Store) IsPremium(ctx context.Context, identityID uint) (bool, error) {
	identity, err := s.GetIdentity(ctx, identityID)
	if err != nil {
		return false, err
	}
	return identity.Premium, nil
}
