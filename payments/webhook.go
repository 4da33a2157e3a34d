package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const DefaultWebhookTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("webhook signature header missing or malformed")
	ErrInvalidSignature = errors.New("webhook signature does not match payload")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
)

// Event is a processor webhook envelope.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// VerifyWebhookSignature checks the processor signature header against payload
// with the endpoint secret. Timestamps older than tolerance are rejected.
func VerifyWebhookSignature(payload []byte, header, secret string, tolerance time.Duration) error {
	if header == "" || secret == "" {
		return ErrMissingSignature
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader):
		return ErrMissingSignature
	case errors.Is(err, webhook.ErrTooOld):
		return ErrStaleSignature
	case errors.Is(err, webhook.ErrNoValidSignature):
		return ErrInvalidSignature
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

// SignatureHeader builds the header value a sender would attach to payload.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

func ParseEvent(payload []byte) (*Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decoding webhook event: %w", err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, errors.New("webhook event missing id or type")
	}
	event := &Event{ID: raw.ID, Type: string(raw.Type), Created: raw.Created, Account: raw.Account}
	if raw.Data != nil {
		event.Data.Object = raw.Data.Raw
	}
	return event, nil
}
