package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app/config"
)

// Mailer sends transactional emails. Every send is best-effort: callers
// log failures and move on, a lost email never fails the operation that
// triggered it.
type Mailer interface {
	SendAnalysisComplete(ctx context.Context, email, name string, score int, reportURL string) error
	SendSubscriptionStarted(ctx context.Context, email, name, plan string) error
	SendPaymentFailed(ctx context.Context, email, name string) error
}

// Brevo transactional template ids.
const (
	tplAnalysisComplete    = 3
	tplSubscriptionStarted = 4
	tplPaymentFailed       = 5
)

// BrevoMailer sends through the Brevo transactional API.
type BrevoMailer struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

func NewBrevoMailer(cfg config.BrevoConfig) *BrevoMailer {
	return &BrevoMailer{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

type brevoRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoEmail struct {
	To         []brevoRecipient `json:"to"`
	TemplateID int              `json:"templateId"`
	Params     map[string]any   `json:"params,omitempty"`
}

func (m *BrevoMailer) SendAnalysisComplete(ctx context.Context, email, name string, score int, reportURL string) error {
	return m.send(ctx, email, name, tplAnalysisComplete, map[string]any{
		"score":      score,
		"report_url": reportURL,
	})
}

func (m *BrevoMailer) SendSubscriptionStarted(ctx context.Context, email, name, plan string) error {
	return m.send(ctx, email, name, tplSubscriptionStarted, map[string]any{
		"plan": plan,
	})
}

func (m *BrevoMailer) SendPaymentFailed(ctx context.Context, email, name string) error {
	return m.send(ctx, email, name, tplPaymentFailed, nil)
}

func (m *BrevoMailer) send(ctx context.Context, email, name string, templateID int, params map[string]any) error {
	if m.apiKey == "" {
		log.WithField("template_id", templateID).Debug("email_skipped_no_api_key")
		return nil
	}

	body, err := json.Marshal(brevoEmail{
		To:         []brevoRecipient{{Email: email, Name: name}},
		TemplateID: templateID,
		Params:     params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v3/smtp/email", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", m.apiKey)

	res, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("brevo returned HTTP %d", res.StatusCode)
	}
	log.WithField("template_id", templateID).Info("email_sent")
	return nil
}
