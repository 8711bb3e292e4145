package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pathakanu/medMemo/internal/logging"
	"github.com/pathakanu/medMemo/internal/payment"
	"github.com/pathakanu/medMemo/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	handle   string
	text     string
	keyboard [][]string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) Send(_ context.Context, handle, text string, keyboard [][]string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{handle, text, keyboard})
	return true, nil
}

type failingPayments struct{}

func (failingPayments) ValidateAndStore(context.Context, string, store.PaymentInput) (uint, error) {
	return 0, errors.New("database is gone")
}

func newRouter(t *testing.T, f *fixture, payments PaymentService) (*mux.Router, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	if payments == nil {
		payments = payment.New(f.store, sender, logging.Discard())
	}
	r := mux.NewRouter()
	NewWebhooks(f.machine, sender, payments, logging.Discard()).Register(r)
	return r, sender
}

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTelegramWebhookRepliesThroughSender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, sender := newRouter(t, f, nil)

	body := `{"update_id":1,"message":{"message_id":10,"date":0,` +
		`"from":{"id":7,"is_bot":false,"first_name":"Ana","last_name":"Diaz"},` +
		`"chat":{"id":12345,"type":"private"},"text":"hello"}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "12345", sender.sent[0].handle)
	assert.Equal(t, greeting, sender.sent[0].text)
	assert.Equal(t, menuKeyboard, sender.sent[0].keyboard)

	identity, err := f.store.GetIdentityByHandle(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "Ana Diaz", identity.Name)
}

func TestTelegramWebhookIgnoresNonText(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, sender := newRouter(t, f, nil)

	for _, body := range []string{`not json`, `{"update_id":2}`, `{"update_id":3,"message":{"chat":{"id":1},"text":"  "}}`} {
		req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, body)
	}
	assert.Empty(t, sender.sent)
}

func TestTwilioWebhookAnswersWithTwiML(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, _ := newRouter(t, f, nil)

	rec := postForm(r, "/twilio/webhook", url.Values{
		"From":        {"whatsapp:+34600111222"},
		"Body":        {"hi"},
		"ProfileName": {"Ana"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "<Response><Message>"), rec.Body.String())
	assert.Contains(t, rec.Body.String(), "• 1. Set reminder")
	assert.Equal(t, StateMenu, f.state(t, "+34600111222"))

	rec = postForm(r, "/twilio/webhook", url.Values{"From": {"whatsapp:+34600111222"}})
	assert.Contains(t, rec.Body.String(), "I need a message to work with")
}

func TestPremiumEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, sender := newRouter(t, f, nil)
	f.say(t, "42", "/start")

	form := url.Values{
		"handle":      {"42"},
		"card_number": {"4111111111111111"},
		"holder":      {"Ana Diaz"},
		"expiry":      {"07/28"},
		"cvv":         {"321"},
	}

	rec := postForm(r, "/premium", form)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		InstrumentID uint `json:"instrument_id"`
		Premium      bool `json:"premium"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotZero(t, created.InstrumentID)
	assert.True(t, created.Premium)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, payment.CongratsMessage, sender.sent[0].text)

	assert.Equal(t, http.StatusConflict, postForm(r, "/premium", form).Code)

	unknown := url.Values{}
	for k, v := range form {
		unknown[k] = v
	}
	unknown.Set("handle", "nobody")
	assert.Equal(t, http.StatusNotFound, postForm(r, "/premium", unknown).Code)

	bad := url.Values{}
	for k, v := range form {
		bad[k] = v
	}
	bad.Set("cvv", "12")
	rec = postForm(r, "/premium", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestPremiumEndpointHidesInternalErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, _ := newRouter(t, f, failingPayments{})

	rec := postForm(r, "/premium", url.Values{"handle": {"42"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"payment could not be processed"}`, rec.Body.String())
}

func TestPremiumFormCarriesHandle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r, _ := newRouter(t, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/premium?handle=%2B34600111222", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, `name="handle" value="&#43;34600111222"`)
	for _, field := range []string{"card_number", "holder", "expiry", "cvv"} {
		assert.Contains(t, body, `name="`+field+`"`)
	}
}
