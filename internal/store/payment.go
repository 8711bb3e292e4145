package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/pathakanu/medMemo/internal/model"
	"gorm.io/gorm"
)

// PaymentInput holds the raw card fields collected by the payment form.
type PaymentInput struct {
	CardNumber string `validate:"required,number,min=15,max=16"`
	Holder     string `validate:"required"`
	Expiry     string `validate:"required,card_expiry"`
	CVV        string `validate:"required,number,min=3,max=4"`
}

var cardExpiryPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])/?([0-9]{2})$`)

var paymentFieldMessages = map[string]string{
	"CardNumber": "the card number must have 15 or 16 digits",
	"Expiry":     "the expiry date must be in MM/YY format",
	"CVV":        "the CVV must have 3 or 4 digits",
}

func newPaymentValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("card_expiry", func(fl validator.FieldLevel) bool {
		return cardExpiryPattern.MatchString(fl.Field().String())
	})
	return v
}

func (s *Store) validatePayment(in *PaymentInput) error {
	in.CardNumber = strings.ReplaceAll(strings.TrimSpace(in.CardNumber), " ", "")
	in.Holder = strings.TrimSpace(in.Holder)
	in.Expiry = strings.TrimSpace(in.Expiry)
	in.CVV = strings.TrimSpace(in.CVV)

	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate payment input: %w", err)
	}
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return apperr.Validation("all card fields are required")
		}
	}
	if msg, ok := paymentFieldMessages[verrs[0].Field()]; ok {
		return apperr.Validation(msg)
	}
	return apperr.Validation("invalid card details")
}

// AddPaymentInstrument validates and stores a card for the identity. The same
// card can be registered only once per identity, even after deactivation.
func (s *Store) AddPaymentInstrument(ctx context.Context, identityID uint, in PaymentInput) (uint, error) {
	return s.addInstrument(ctx, identityID, in, false)
}

// UpgradeToPremium stores the card and grants the premium entitlement in one
// transaction.
func (s *Store) UpgradeToPremium(ctx context.Context, identityID uint, in PaymentInput) (uint, error) {
	return s.addInstrument(ctx, identityID, in, true)
}

func (s *Store) addInstrument(ctx context.Context, identityID uint, in PaymentInput, grantPremium bool) (uint, error) {
	if err := s.validatePayment(&in); err != nil {
		return 0, err
	}

	instrument := model.PaymentInstrument{
		IdentityID: identityID,
		Token:      in.CardNumber,
		Holder:     in.Holder,
		Expiry:     in.Expiry,
		CVV:        in.CVV,
		Active:     true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner model.Identity
		if err := tx.Select("id").First(&owner, identityID).Error; err != nil {
			return notFoundOr(err, "user not found")
		}

		var count int64
		if err := tx.Model(&model.PaymentInstrument{}).
			Where("identity_id = ? AND token = ?", identityID, in.CardNumber).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Conflict("this card is already registered")
		}
		if err := tx.Create(&instrument).Error; err != nil {
			return err
		}
		if !grantPremium {
			return nil
		}
		return tx.Model(&model.Identity{}).Where("id = ?", identityID).Update("premium", true).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, apperr.Conflict("this card is already registered")
		}
		return 0, fmt.Errorf("add payment instrument: %w", err)
	}
	return instrument.ID, nil
}

// ListActivePaymentInstruments returns active instruments, newest first.
func (s *Store) ListActivePaymentInstruments(ctx context.Context, identityID uint) ([]model.PaymentInstrument, error) {
	var instruments []model.PaymentInstrument
	err := s.db.WithContext(ctx).
		Where("identity_id = ? AND active = ?", identityID, true).
		Order("created_at DESC, id DESC").
		Find(&instruments).Error
	if err != nil {
		return nil, fmt.Errorf("list payment instruments of identity %d: %w", identityID, err)
	}
	return instruments, nil
}

// LatestActivePaymentInstrument returns the most recently added active instrument.
func (s *Store) LatestActivePaymentInstrument(ctx context.Context, identityID uint) (*model.PaymentInstrument, error) {
	var instrument model.PaymentInstrument
	err := s.db.WithContext(ctx).
		Where("identity_id = ? AND active = ?", identityID, true).
		Order("created_at DESC, id DESC").
		First(&instrument).Error
	if err != nil {
		return nil, notFoundOr(err, "no active card")
	}
	return &instrument, nil
}

// DeactivatePaymentInstrument logically deletes an instrument. When identityID
// is non-zero the instrument must belong to that identity.
func (s *Store) DeactivatePaymentInstrument(ctx context.Context, instrumentID, identityID uint) error {
	query := s.db.WithContext(ctx).Model(&model.PaymentInstrument{}).Where("id = ? AND active = ?", instrumentID, true)
	if identityID != 0 {
		query = query.Where("identity_id = ?", identityID)
	}
	res := query.Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate payment instrument %d: %w", instrumentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("card not found or not owned by this user")
	}
	return nil
}
