package bot

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/pathakanu/medMemo/internal/gateway"
	"github.com/pathakanu/medMemo/internal/store"
	"github.com/sirupsen/logrus"
)

const apology = "Sorry, something went wrong on my side. Please try again in a moment."

// PaymentService stores a card and grants premium.
type PaymentService interface {
	ValidateAndStore(ctx context.Context, handle string, in store.PaymentInput) (uint, error)
}

// Webhooks adapts transport payloads to conversation events.
type Webhooks struct {
	machine  *Machine
	telegram gateway.Sender
	payments PaymentService
	log      logrus.FieldLogger
}

// NewWebhooks returns the HTTP adapters. telegram sends the replies of
// Telegram turns; Twilio turns are answered inline with TwiML.
func NewWebhooks(machine *Machine, telegram gateway.Sender, payments PaymentService, log logrus.FieldLogger) *Webhooks {
	return &Webhooks{machine: machine, telegram: telegram, payments: payments, log: log}
}

// Register mounts the webhook routes.
func (h *Webhooks) Register(r *mux.Router) {
	r.HandleFunc("/telegram/webhook", h.Telegram).Methods(http.MethodPost)
	r.HandleFunc("/twilio/webhook", h.Twilio).Methods(http.MethodPost)
	r.HandleFunc("/premium", h.PremiumForm).Methods(http.MethodGet)
	r.HandleFunc("/premium", h.Premium).Methods(http.MethodPost)
}

var premiumPage = template.Must(template.New("premium").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>medMemo Premium</title></head>
<body>
<h1>⭐ medMemo Premium</h1>
<p>Unlimited reminders. Fill in your card details to upgrade.</p>
<form method="post" action="/premium">
<input type="hidden" name="handle" value="{{.Handle}}">
<label>Card number <input name="card_number" inputmode="numeric" required></label><br>
<label>Card holder <input name="holder" required></label><br>
<label>Expiry (MM/YY) <input name="expiry" required></label><br>
<label>CVV <input name="cvv" inputmode="numeric" required></label><br>
<button type="submit">Upgrade</button>
</form>
</body>
</html>
`))

// PremiumForm serves the upgrade form linked from the chat.
func (h *Webhooks) PremiumForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ Handle string }{Handle: strings.TrimSpace(r.URL.Query().Get("handle"))}
	if err := premiumPage.Execute(w, data); err != nil {
		h.log.WithError(err).Warn("premium: render form")
	}
}

// Telegram handles a Telegram update. It always answers 200 so Telegram does
// not redeliver an update whose turn already ran.
func (h *Webhooks) Telegram(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.log.WithError(err).Warn("telegram webhook: decode update")
		w.WriteHeader(http.StatusOK)
		return
	}
	msg := update.Message
	if msg == nil || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	ev := Event{Handle: strconv.FormatInt(msg.Chat.ID, 10), Text: msg.Text}
	if msg.From != nil {
		ev.DisplayName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	replies, err := h.machine.Handle(r.Context(), ev)
	if err != nil {
		h.log.WithField("identity", ev.Handle).WithError(err).Error("telegram webhook: handle turn")
		replies = []Reply{{Text: apology}}
	}
	for _, reply := range replies {
		if _, err := h.telegram.Send(r.Context(), ev.Handle, reply.Text, reply.Keyboard); err != nil {
			h.log.WithField("identity", ev.Handle).WithError(err).Warn("telegram webhook: send reply")
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Twilio handles an inbound WhatsApp message and answers with TwiML.
func (h *Webhooks) Twilio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.log.WithError(err).Warn("twilio webhook: parse form")
		h.writeTwilioResponse(w, "Sorry, I couldn't understand that request.")
		return
	}

	from := r.FormValue("From")
	body := strings.TrimSpace(r.FormValue("Body"))
	if from == "" || body == "" {
		h.writeTwilioResponse(w, "I need a message to work with. Please try again.")
		return
	}

	ev := Event{Handle: sanitizeWhatsAppNumber(from), DisplayName: r.FormValue("ProfileName"), Text: body}
	replies, err := h.machine.Handle(r.Context(), ev)
	if err != nil {
		h.log.WithField("identity", ev.Handle).WithError(err).Error("twilio webhook: handle turn")
		h.writeTwilioResponse(w, apology)
		return
	}

	messages := make([]string, len(replies))
	for i, reply := range replies {
		messages[i] = gateway.WithOptions(reply.Text, reply.Keyboard)
	}
	h.writeTwilioResponse(w, messages...)
}

// Premium accepts the premium form and upgrades the identity.
func (h *Webhooks) Premium(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form"})
		return
	}

	handle := strings.TrimSpace(r.FormValue("handle"))
	id, err := h.payments.ValidateAndStore(r.Context(), handle, store.PaymentInput{
		CardNumber: r.FormValue("card_number"),
		Holder:     r.FormValue("holder"),
		Expiry:     r.FormValue("expiry"),
		CVV:        r.FormValue("cvv"),
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.WithField("identity", handle).WithError(err).Error("premium: upgrade failed")
		}
		writeJSON(w, status, map[string]string{"error": apperr.UserMessage(err, "payment could not be processed")})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"instrument_id": id, "premium": true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Webhooks) writeTwilioResponse(w http.ResponseWriter, messages ...string) {
	twiml := struct {
		XMLName  xml.Name `xml:"Response"`
		Messages []string `xml:"Message"`
	}{
		Messages: messages,
	}

	w.Header().Set("Content-Type", "application/xml")
	if err := xml.NewEncoder(w).Encode(twiml); err != nil {
		h.log.WithError(err).Warn("twilio response encode")
	}
}

func sanitizeWhatsAppNumber(from string) string {
	// Twilio prepends whatsapp: to the number.
	return strings.TrimPrefix(from, "whatsapp:")
}
