// Package payment registers a card for a conversation identity and grants it
// the premium entitlement.
package payment

import (
	"context"

	"github.com/pathakanu/medMemo/internal/model"
	"github.com/pathakanu/medMemo/internal/store"
	"github.com/sirupsen/logrus"
)

// CongratsMessage is sent to the identity after a successful upgrade.
const CongratsMessage = "🎉 Congratulations! You are now a Premium user. Enjoy unlimited reminders."

// Store is the part of the reminder store the payment flow needs.
type Store interface {
	GetIdentityByHandle(ctx context.Context, handle string) (*model.Identity, error)
	UpgradeToPremium(ctx context.Context, identityID uint, in store.PaymentInput) (uint, error)
}

// Sender delivers the confirmation message.
type Sender interface {
	Send(ctx context.Context, handle, text string, keyboard [][]string) (bool, error)
}

// Service is the payment collaborator.
type Service struct {
	store  Store
	sender Sender
	log    logrus.FieldLogger
}

// New returns a payment Service.
func New(st Store, sender Sender, log logrus.FieldLogger) *Service {
	return &Service{store: st, sender: sender, log: log}
}

// ValidateAndStore stores the card of the identity registered for handle and
// marks it premium. The confirmation message is best effort: a failed send is
// logged and the upgrade stands.
func (s *Service) ValidateAndStore(ctx context.Context, handle string, in store.PaymentInput) (uint, error) {
	identity, err := s.store.GetIdentityByHandle(ctx, handle)
	if err != nil {
		return 0, err
	}

	instrumentID, err := s.store.UpgradeToPremium(ctx, identity.ID, in)
	if err != nil {
		return 0, err
	}

	log := s.log.WithFields(logrus.Fields{"identity": handle, "instrument_id": instrumentID})
	log.Info("payment: identity upgraded to premium")

	if delivered, err := s.sender.Send(ctx, handle, CongratsMessage, nil); err != nil || !delivered {
		log.WithError(err).Warn("payment: confirmation not delivered")
	}
	return instrumentID, nil
}
