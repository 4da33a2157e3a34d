package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultBrevoURL = "https://api.brevo.com/v3/smtp/email"

type EmailConfig struct {
	APIKey      string
	SenderEmail string
	SenderName  string
	Endpoint    string
}

// RecipientLookup resolves a user id to an email address and display name.
type RecipientLookup func(ctx context.Context, userID uuid.UUID) (email, name string, err error)

// BrevoService sends transactional email for the billing events users care about.
type BrevoService struct {
	cfg        EmailConfig
	lookup     RecipientLookup
	httpClient *http.Client
	logger     *slog.Logger
}

type brevoPayload struct {
	Sender      map[string]string   `json:"sender"`
	To          []map[string]string `json:"to"`
	Subject     string              `json:"subject"`
	HTMLContent string              `json:"htmlContent"`
}

// NewBrevoService returns nil when email is not configured.
func NewBrevoService(cfg EmailConfig, lookup RecipientLookup, logger *slog.Logger) *BrevoService {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "email")
	if cfg.APIKey == "" || cfg.SenderEmail == "" {
		logger.Warn("email service not configured; billing emails disabled")
		return nil
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultBrevoURL
	}
	return &BrevoService{cfg: cfg, lookup: lookup, httpClient: &http.Client{Timeout: 10 * time.Second}, logger: logger}
}

func emailFor(event Event) (subject, html string, ok bool) {
	amount := event.Amount.StringFixed(2) + " " + strings.ToUpper(event.Currency)
	switch event.Type {
	case EventPaymentReceived:
		return "You've been paid for a lesson", fmt.Sprintf("<p>Your earnings of <strong>%s</strong> for a completed lesson are on their way.</p>", strings.TrimSpace(amount)), true
	case EventPaymentRefunded:
		return "Your lesson refund", fmt.Sprintf("<p>We refunded <strong>%s</strong> for your lesson.</p>", strings.TrimSpace(amount)), true
	case EventPayoutFailed:
		return "Action needed: payout failed", "<p>We could not send your latest payout. Please check your payout details.</p>", true
	}
	return "", "", false
}

// Publish emails the event's user when the event type has an email template.
func (s *BrevoService) Publish(ctx context.Context, event Event) error {
	subject, html, ok := emailFor(event)
	if !ok || s.lookup == nil {
		return nil
	}
	toEmail, toName, err := s.lookup(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("resolving recipient for %s: %w", event.UserID, err)
	}
	return s.send(ctx, toEmail, toName, subject, html)
}

func (s *BrevoService) send(ctx context.Context, toEmail, toName, subject, htmlContent string) error {
	if toEmail == "" || !strings.Contains(toEmail, "@") {
		return fmt.Errorf("invalid recipient email: %s", toEmail)
	}
	recipientName := toName
	if recipientName == "" {
		recipientName = toEmail[:strings.Index(toEmail, "@")]
	}

	payload := brevoPayload{
		Sender:      map[string]string{"name": s.cfg.SenderName, "email": s.cfg.SenderEmail},
		To:          []map[string]string{{"email": toEmail, "name": recipientName}},
		Subject:     subject,
		HTMLContent: htmlContent,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("api-key", s.cfg.APIKey)
	req.Header.Set("content-type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to send email via Brevo: status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	s.logger.Info("email sent", "subject", subject)
	return nil
}
