package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

func newPayPalServer(t *testing.T, tokenCalls *int32, payoutHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		user, pass, _ := r.BasicAuth()
		if user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access_token":"tok","expires_in":32400}`))
	})
	mux.HandleFunc("/v1/payments/payouts", payoutHandler)
	mux.HandleFunc("/v1/payments/payouts/BATCH1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"batch_header":{"payout_batch_id":"BATCH1","batch_status":"PENDING"},"items":[{"payout_item_id":"ITEM1","transaction_status":"PENDING"}]}`))
	})
	mux.HandleFunc("/v1/payments/payouts-item/ITEM1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"payout_item_id":"ITEM1","payout_batch_id":"BATCH1","transaction_status":"SUCCESS"}`))
	})
	return httptest.NewServer(mux)
}

func TestSendPayoutUsesCorrelationAsBatchID(t *testing.T) {
	var tokenCalls int32
	var gotBatchID, gotValue, gotCurrency string
	srv := newPayPalServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		var body payoutBatchRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBatchID = body.SenderBatchHeader.SenderBatchID
		gotValue = body.Items[0].Amount.Value
		gotCurrency = body.Items[0].Amount.Currency
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"batch_header":{"payout_batch_id":"BATCH1","batch_status":"PENDING"}}`))
	})
	defer srv.Close()

	s := NewPayPalService(PayPalConfig{BaseURL: srv.URL, ClientID: "client", ClientSecret: "secret"}, nil)
	ctx := context.Background()

	payout, err := s.SendPayout(ctx, "tutor@example.com", decimal.RequireFromString("20"), "payment-1", "Lesson payout")
	if err != nil {
		t.Fatalf("SendPayout: %v", err)
	}
	if payout.BatchID != "BATCH1" || payout.ItemID != "ITEM1" {
		t.Fatalf("unexpected payout %+v", payout)
	}
	if gotBatchID != "payment-1" {
		t.Fatalf("expected sender_batch_id payment-1, got %q", gotBatchID)
	}
	if gotValue != "20.00" || gotCurrency != "USD" {
		t.Fatalf("unexpected amount %s %s", gotValue, gotCurrency)
	}

	status, err := s.GetPayoutStatus(ctx, "ITEM1")
	if err != nil {
		t.Fatalf("GetPayoutStatus: %v", err)
	}
	if terminal, ok := SecondaryOutcome(status.Status); !terminal || !ok {
		t.Fatalf("expected terminal success, got %q", status.Status)
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("expected token to be fetched once, got %d", n)
	}
}

func TestSendPayoutDuplicateBatch(t *testing.T) {
	var tokenCalls int32
	srv := newPayPalServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"name":"USER_BUSINESS_ERROR","message":"Batch with given sender_batch_id already exists","details":[{"issue":"SENDER_BATCH_ID_ALREADY_USED"}]}`))
	})
	defer srv.Close()

	s := NewPayPalService(PayPalConfig{BaseURL: srv.URL, ClientID: "client", ClientSecret: "secret"}, nil)
	_, err := s.SendPayout(context.Background(), "tutor@example.com", decimal.NewFromInt(20), "payment-1", "")
	if !errors.Is(err, ErrDuplicateBatch) {
		t.Fatalf("expected ErrDuplicateBatch, got %v", err)
	}
}

func TestSecondaryOutcome(t *testing.T) {
	tests := []struct {
		status    string
		terminal  bool
		succeeded bool
	}{
		{SecondarySuccess, true, true},
		{SecondaryFailed, true, false},
		{SecondaryReturned, true, false},
		{SecondaryPending, false, false},
		{SecondaryUnclaimed, false, false},
		{SecondaryOnHold, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			terminal, succeeded := SecondaryOutcome(tt.status)
			if terminal != tt.terminal || succeeded != tt.succeeded {
				t.Fatalf("expected (%v,%v), got (%v,%v)", tt.terminal, tt.succeeded, terminal, succeeded)
			}
		})
	}
}
