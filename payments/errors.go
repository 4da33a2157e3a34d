package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrDuplicateBatch is returned when the secondary network already holds a batch for
// the correlation id.
var ErrDuplicateBatch = errors.New("payout batch already exists for this correlation id")

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider    string
	StatusCode  int
	Type        string
	Code        string
	DeclineCode string
	Message     string
	RequestID   string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s api error (status %d)", e.Provider, e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusConflict || e.StatusCode >= 500
}

// IsNotFound reports whether err is a provider 404 (resource_missing).
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.Code == "resource_missing")
}

// IsTemporary reports whether err is worth retrying: throttling, server errors,
// timeouts and connection failures.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryPolicy retries temporary failures with capped exponential backoff and jitter.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && !IsTemporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(attempts-1)), ctx))
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()
	return b
}
