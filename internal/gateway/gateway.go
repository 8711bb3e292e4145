// Package gateway delivers text messages to a conversation handle over the
// configured chat transport.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/sirupsen/logrus"
)

// NoMoreDoses is shown as the next dose once a course is exhausted.
const NoMoreDoses = "no more doses"

// Sender delivers one message. keyboard is an optional set of reply options,
// one slice per row. delivered is false when the transport rejected the message
// without a transport error.
type Sender interface {
	Send(ctx context.Context, handle, text string, keyboard [][]string) (delivered bool, err error)
}

// DoseNotice is the content of a dose reminder.
type DoseNotice struct {
	Medication string
	Dose       string
	Remaining  int
	NextDose   string
	HasNext    bool
}

// Notifier renders domain notifications and hands them to a Sender.
type Notifier struct {
	sender Sender
	log    logrus.FieldLogger
}

// NewNotifier returns a Notifier sending through sender.
func NewNotifier(sender Sender, log logrus.FieldLogger) *Notifier {
	return &Notifier{sender: sender, log: log}
}

// Send forwards a plain message.
func (n *Notifier) Send(ctx context.Context, handle, text string, keyboard [][]string) (bool, error) {
	return n.sender.Send(ctx, handle, text, keyboard)
}

// NotifyDose sends the reminder for one dose. A rejected or failed send is
// reported as an apperr.ErrDelivery.
func (n *Notifier) NotifyDose(ctx context.Context, handle string, notice DoseNotice) error {
	delivered, err := n.sender.Send(ctx, handle, RenderDoseNotice(notice), nil)
	if err != nil {
		return apperr.Delivery(err)
	}
	if !delivered {
		return apperr.Delivery(fmt.Errorf("message to %s rejected", handle))
	}
	n.log.WithField("identity", handle).Debug("dose notice delivered")
	return nil
}

// RenderDoseNotice formats the reminder text.
func RenderDoseNotice(notice DoseNotice) string {
	next := notice.NextDose
	if !notice.HasNext {
		next = NoMoreDoses
	}

	var sb strings.Builder
	sb.WriteString("📌 *Medication reminder*\n\n")
	fmt.Fprintf(&sb, "💊 *Medication:* %s\n", notice.Medication)
	fmt.Fprintf(&sb, "📏 *Dose:* %s\n", notice.Dose)
	fmt.Fprintf(&sb, "🔢 *Doses remaining:* %d\n", notice.Remaining)
	fmt.Fprintf(&sb, "🕒 *Next dose:* %s", next)
	return sb.String()
}

// Discard is a Sender that accepts and drops every message. It is used when no
// transport credentials are configured.
type Discard struct {
	Log logrus.FieldLogger
}

// Send implements Sender.
func (d Discard) Send(_ context.Context, handle, text string, _ [][]string) (bool, error) {
	if d.Log != nil {
		d.Log.WithField("identity", handle).Infof("no transport configured, dropping message: %s", text)
	}
	return true, nil
}
