package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSender sends WhatsApp messages through Twilio. Handles are phone numbers,
// with or without the "whatsapp:" prefix.
type TwilioSender struct {
	api          messageCreator
	fromWhatsApp string
	log          logrus.FieldLogger
}

// NewTwilioSender creates a sender bound to the configured WhatsApp number.
func NewTwilioSender(accountSID, authToken, fromWhatsApp string, log logrus.FieldLogger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken})
	return &TwilioSender{api: client.Api, fromWhatsApp: fromWhatsApp, log: log}
}

// Send implements Sender. WhatsApp has no reply keyboard, so options are
// appended to the text as a list.
func (c *TwilioSender) Send(_ context.Context, handle, text string, keyboard [][]string) (bool, error) {
	if c.api == nil {
		return false, errors.New("twilio client not initialised")
	}

	sender := NormalizeWhatsAppAddress(c.fromWhatsApp)
	if sender == "" {
		return false, errors.New("twilio sender WhatsApp number is not configured")
	}
	recipient := NormalizeWhatsAppAddress(handle)
	if recipient == "" {
		return false, errors.New("recipient number missing or invalid")
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(sender)
	params.SetBody(WithOptions(text, keyboard))

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		return false, fmt.Errorf("twilio send message: %w", err)
	}

	entry := c.log.WithField("identity", handle)
	if resp != nil && resp.Sid != nil {
		entry = entry.WithField("sid", *resp.Sid)
	}
	entry.Debug("twilio message sent")
	return true, nil
}

// WithOptions renders reply options under the text for transports without keyboards.
func WithOptions(text string, keyboard [][]string) string {
	var options []string
	for _, row := range keyboard {
		options = append(options, row...)
	}
	if len(options) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteString("\n")
	for _, option := range options {
		sb.WriteString("\n• ")
		sb.WriteString(option)
	}
	return sb.String()
}

// NormalizeWhatsAppAddress renders a phone number in Twilio's "whatsapp:+N" form.
func NormalizeWhatsAppAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "whatsapp:") {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "+") {
		return "whatsapp:" + trimmed
	}
	return "whatsapp:+" + trimmed
}
