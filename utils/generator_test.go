package utils

import (
	"testing"

	"github.com/google/uuid"
)

func TestKeysAreStable(t *testing.T) {
	id := uuid.MustParse("6f1c3c0e-2b7e-4a55-9d64-4d1f0f6f2a10")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "plain", got: IdempotencyKey("auth", id), want: "auth-6f1c3c0e-2b7e-4a55-9d64-4d1f0f6f2a10"},
		{name: "attempt", got: AttemptKey("transfer", id, 2), want: "transfer-6f1c3c0e-2b7e-4a55-9d64-4d1f0f6f2a10-2"},
		{name: "ledger", got: LedgerCorrelation("refund", id, "2500"), want: "refund:6f1c3c0e-2b7e-4a55-9d64-4d1f0f6f2a10:2500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, tt.got)
			}
		})
	}
}
