package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kindred/backend/internal/models"
)

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGridMailer emails the review team through the SendGrid v3 API.
type SendGridMailer struct {
	APIKey     string
	FromEmail  string
	ToEmail    string
	HTTPClient *http.Client
	Endpoint   string
}

func NewSendGridMailer(apiKey, fromEmail, reviewTeamEmail string) *SendGridMailer {
	return &SendGridMailer{
		APIKey:     strings.TrimSpace(apiKey),
		FromEmail:  strings.TrimSpace(fromEmail),
		ToEmail:    strings.TrimSpace(reviewTeamEmail),
		Endpoint:   sendGridEndpoint,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// mail/send payload, trimmed to the fields used here.
type (
	sgAddress struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	}
	sgContent struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	sgPersonalization struct {
		To         []sgAddress       `json:"to"`
		Subject    string            `json:"subject"`
		CustomArgs map[string]string `json:"custom_args,omitempty"`
	}
	sgMessage struct {
		Personalizations []sgPersonalization `json:"personalizations"`
		From             sgAddress           `json:"from"`
		Content          []sgContent         `json:"content"`
	}
)

func (m *SendGridMailer) configured() error {
	switch {
	case m == nil:
		return errors.New("sendgrid mailer not configured")
	case m.APIKey == "":
		return errors.New("missing SENDGRID_API_KEY")
	case m.FromEmail == "":
		return errors.New("missing SENDGRID_FROM")
	case m.ToEmail == "":
		return errors.New("missing REVIEW_TEAM_EMAIL")
	}
	return nil
}

// NotifyOverdue sends one digest listing every review that passed its SLA.
func (m *SendGridMailer) NotifyOverdue(ctx context.Context, items []models.ReviewItem) error {
	if err := m.configured(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	subject := fmt.Sprintf("Review SLA breached: %d account(s)", len(items))
	return m.send(ctx, subject, overdueDigest(items), "review_overdue")
}

func overdueDigest(items []models.ReviewItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d manual review(s) passed their SLA deadline:\n\n", len(items))
	for _, it := range items {
		deadline := "unknown"
		if it.SLADeadline != nil {
			deadline = it.SLADeadline.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- account %s, trust score %d, deadline %s, %d active flag(s)\n",
			it.AccountID, it.TrustScore, deadline, len(it.Flags))
	}
	return b.String()
}

func (m *SendGridMailer) send(ctx context.Context, subject, text, kind string) error {
	payload, err := json.Marshal(sgMessage{
		Personalizations: []sgPersonalization{{
			To:         []sgAddress{{Email: m.ToEmail}},
			Subject:    subject,
			CustomArgs: map[string]string{"kind": kind},
		}},
		From:    sgAddress{Email: m.FromEmail, Name: "Kindred Trust & Safety"},
		Content: []sgContent{{Type: "text/plain", Value: text}},
	})
	if err != nil {
		return fmt.Errorf("sendgrid: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sendgrid: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sendgrid: mail send http %d", resp.StatusCode)
	}
	return nil
}
