package utils

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IdempotencyKey derives a stable provider key from an operation and the record it
// acts on, e.g. "transfer-<payment id>-2". The same inputs always give the same key.
func IdempotencyKey(op string, id uuid.UUID, parts ...string) string {
	b := strings.Builder{}
	b.WriteString(op)
	b.WriteByte('-')
	b.WriteString(id.String())
	for _, p := range parts {
		b.WriteByte('-')
		b.WriteString(p)
	}
	return b.String()
}

// AttemptKey is IdempotencyKey with an attempt number suffix.
func AttemptKey(op string, id uuid.UUID, attempt int) string {
	return IdempotencyKey(op, id, strconv.Itoa(attempt))
}

// LedgerCorrelation ties a wallet ledger entry to the payment that caused it.
func LedgerCorrelation(kind string, paymentID uuid.UUID, parts ...string) string {
	return strings.Join(append([]string{kind, paymentID.String()}, parts...), ":")
}
