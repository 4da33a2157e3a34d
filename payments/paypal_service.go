package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Currency     string
	Timeout      time.Duration
}

// PayPalService sends secondary-network payouts through the PayPal Payouts API.
type PayPalService struct {
	baseURL      string
	clientID     string
	clientSecret string
	currency     string
	httpClient   *http.Client
	tokens       *tokenCache
	logger       *slog.Logger
}

func NewPayPalService(cfg PayPalConfig, logger *slog.Logger) *PayPalService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PayPalService{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		currency:     strings.ToUpper(cfg.Currency),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       logger.With("component", "paypal"),
	}
	s.tokens = newTokenCache(s.fetchAccessToken)
	return s
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *PayPalService) fetchAccessToken(ctx context.Context) (string, time.Duration, error) {
	reqBody := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/oauth2/token", reqBody)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(s.clientID, s.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("paypal token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, &APIError{Provider: "paypal", StatusCode: resp.StatusCode, Message: "failed to get access token"}
	}

	var tokenResp accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("paypal token: decoding response: %w", err)
	}
	s.logger.Debug("fetched payout network access token")
	return tokenResp.AccessToken, time.Duration(tokenResp.ExpiresIn) * time.Second, nil
}

type paypalErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (s *PayPalService) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	token, err := s.tokens.Get(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("paypal %s %s: reading body: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		s.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb paypalErrorBody
		_ = json.Unmarshal(raw, &eb)
		if isDuplicateBatch(eb) {
			return fmt.Errorf("%w: %s", ErrDuplicateBatch, eb.Message)
		}
		code := eb.Name
		if len(eb.Details) > 0 && eb.Details[0].Issue != "" {
			code = eb.Details[0].Issue
		}
		s.logger.Warn("payout network request failed", "method", method, "path", path, "status", resp.StatusCode, "code", code, "debug_id", eb.DebugID)
		return &APIError{Provider: "paypal", StatusCode: resp.StatusCode, Code: code, Message: eb.Message, RequestID: eb.DebugID}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("paypal %s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func isDuplicateBatch(eb paypalErrorBody) bool {
	if eb.Name == "DUPLICATE_REQUEST_ID" {
		return true
	}
	for _, d := range eb.Details {
		if strings.Contains(d.Issue, "SENDER_BATCH_ID") || d.Issue == "DUPLICATE_REQUEST_ID" {
			return true
		}
	}
	return false
}

type payoutAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type payoutItemRequest struct {
	RecipientType string       `json:"recipient_type"`
	Amount        payoutAmount `json:"amount"`
	Receiver      string       `json:"receiver"`
	Note          string       `json:"note,omitempty"`
	SenderItemID  string       `json:"sender_item_id"`
}

type payoutBatchRequest struct {
	SenderBatchHeader struct {
		SenderBatchID string `json:"sender_batch_id"`
		EmailSubject  string `json:"email_subject"`
		EmailMessage  string `json:"email_message,omitempty"`
	} `json:"sender_batch_header"`
	Items []payoutItemRequest `json:"items"`
}

type payoutBatchResponse struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
	Items []payoutItemResponse `json:"items"`
}

type payoutItemResponse struct {
	PayoutItemID      string `json:"payout_item_id"`
	PayoutBatchID     string `json:"payout_batch_id"`
	TransactionStatus string `json:"transaction_status"`
}

func (s *PayPalService) SendPayout(ctx context.Context, recipient string, amount decimal.Decimal, correlationID, note string) (*SecondaryPayout, error) {
	var payload payoutBatchRequest
	payload.SenderBatchHeader.SenderBatchID = correlationID
	payload.SenderBatchHeader.EmailSubject = "You have a payout"
	payload.SenderBatchHeader.EmailMessage = note
	payload.Items = []payoutItemRequest{{
		RecipientType: "EMAIL",
		Amount:        payoutAmount{Value: amount.StringFixed(2), Currency: s.currency},
		Receiver:      recipient,
		Note:          note,
		SenderItemID:  correlationID,
	}}

	var created payoutBatchResponse
	if err := s.do(ctx, http.MethodPost, "/v1/payments/payouts", payload, &created); err != nil {
		return nil, err
	}

	result := &SecondaryPayout{BatchID: created.BatchHeader.PayoutBatchID, Status: SecondaryPending}
	batch, err := s.GetBatchStatus(ctx, result.BatchID)
	if err != nil {
		// The batch exists; the item id is picked up later from the batch id.
		s.logger.Warn("payout batch created but item lookup failed", "batch_id", result.BatchID, "error", err)
		return result, nil
	}
	return batch, nil
}

func (s *PayPalService) GetBatchStatus(ctx context.Context, batchID string) (*SecondaryPayout, error) {
	var batch payoutBatchResponse
	if err := s.do(ctx, http.MethodGet, "/v1/payments/payouts/"+url.PathEscape(batchID), nil, &batch); err != nil {
		return nil, err
	}
	result := &SecondaryPayout{BatchID: batchID, Status: SecondaryPending}
	if len(batch.Items) > 0 {
		result.ItemID = batch.Items[0].PayoutItemID
		if batch.Items[0].TransactionStatus != "" {
			result.Status = batch.Items[0].TransactionStatus
		}
	}
	return result, nil
}

func (s *PayPalService) GetPayoutStatus(ctx context.Context, itemID string) (*SecondaryPayout, error) {
	var item payoutItemResponse
	if err := s.do(ctx, http.MethodGet, "/v1/payments/payouts-item/"+url.PathEscape(itemID), nil, &item); err != nil {
		return nil, err
	}
	return &SecondaryPayout{BatchID: item.PayoutBatchID, ItemID: item.PayoutItemID, Status: item.TransactionStatus}, nil
}
