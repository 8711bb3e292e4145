// Package druginfo looks up medication labels in OpenFDA and renders them as
// an info card, translated when a translator is available.
package druginfo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// NotFoundMessage is returned when no label matches the medication.
const NotFoundMessage = "❌ No information found for that medication."

const (
	notAvailable   = "Not available"
	maxSectionRune = 600
)

// Translator renders text in another language.
type Translator interface {
	Translate(ctx context.Context, text, language string) (string, error)
}

// OpenFDA is the drug-info collaborator backed by the OpenFDA label endpoint.
type OpenFDA struct {
	baseURL    string
	language   string
	translator Translator
	client     *http.Client
	log        logrus.FieldLogger
}

// New returns an OpenFDA lookup. translator may be nil, in which case cards
// are returned untranslated.
func New(baseURL string, translator Translator, language string, log logrus.FieldLogger) *OpenFDA {
	return &OpenFDA{
		baseURL:    baseURL,
		language:   language,
		translator: translator,
		client:     &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

// Lookup returns the info card of medication. A label that cannot be found or
// fetched yields NotFoundMessage; the error is set only for transport failures.
func (o *OpenFDA) Lookup(ctx context.Context, medication string) (string, error) {
	medication = strings.TrimSpace(medication)
	if medication == "" {
		return NotFoundMessage, nil
	}

	body, found, err := o.fetch(ctx, medication)
	if err != nil {
		return NotFoundMessage, err
	}
	if !found {
		return NotFoundMessage, nil
	}

	result := gjson.GetBytes(body, "results.0")
	if !result.Exists() {
		return NotFoundMessage, nil
	}
	card := renderCard(result)
	return o.translate(ctx, card), nil
}

func (o *OpenFDA) fetch(ctx context.Context, medication string) ([]byte, bool, error) {
	q := url.Values{}
	q.Set("search", "openfda.substance_name:"+medication)
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("druginfo: build request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("druginfo: fetch %q: %w", medication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.log.WithFields(logrus.Fields{"medication": medication, "status": resp.StatusCode}).Debug("druginfo: no label")
		return nil, false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("druginfo: read %q: %w", medication, err)
	}
	return body, true, nil
}

func (o *OpenFDA) translate(ctx context.Context, card string) string {
	if o.translator == nil || o.language == "" {
		return card
	}
	translated, err := o.translator.Translate(ctx, card, o.language)
	if err != nil {
		o.log.WithError(err).Debug("druginfo: translation unavailable, returning original text")
		return card
	}
	return translated
}

func renderCard(label gjson.Result) string {
	warnings := label.Get("warnings_and_cautions.0")
	if !warnings.Exists() {
		warnings = label.Get("warnings.0")
	}

	var sb strings.Builder
	sb.WriteString("📌 *Medication information*\n")
	fmt.Fprintf(&sb, "🩺 *Name:* `%s`\n", field(label.Get("openfda.generic_name.0")))
	fmt.Fprintf(&sb, "💊 *Route of administration:* `%s`\n", field(label.Get("openfda.route.0")))
	fmt.Fprintf(&sb, "⚠️ *Warnings:* %s\n", field(warnings))
	fmt.Fprintf(&sb, "📏 *Dosage and administration:* %s\n", field(label.Get("dosage_and_administration.0")))
	fmt.Fprintf(&sb, "📜 *Indications:* %s", field(label.Get("indications_and_usage.0")))
	return sb.String()
}

func field(r gjson.Result) string {
	text := strings.TrimSpace(r.String())
	if text == "" {
		return notAvailable
	}
	runes := []rune(text)
	if len(runes) > maxSectionRune {
		return string(runes[:maxSectionRune]) + "…"
	}
	return text
}
