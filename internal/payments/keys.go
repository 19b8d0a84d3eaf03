package payments

import (
	"fmt"
	"strings"
	"time"
)

// Business idempotency keys are derived from source fields so the same
// real-world payment always maps to the same key regardless of how many
// times the message is delivered. Keys are never random.

// ACHKey derives the dedup key for an ACH entry: source + trace + date + amount.
func ACHKey(traceNumber string, effectiveDate time.Time, amountCents int64) string {
	return fmt.Sprintf("ach:%s:%s:%d", strings.TrimSpace(traceNumber), effectiveDate.Format("2006-01-02"), amountCents)
}

// WireKey derives the dedup key for a wire: source + wire ref + amount.
func WireKey(wireRef string, amountCents int64) string {
	return fmt.Sprintf("wire:%s:%d", strings.TrimSpace(wireRef), amountCents)
}

// CheckKey derives the dedup key for a check or lockbox item.
func CheckKey(source Source, checkNumber, payerAccount string, amountCents int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", source, strings.TrimSpace(checkNumber), strings.TrimSpace(payerAccount), amountCents)
}

// CardKey derives the dedup key for a card payment from the processor's
// transaction id.
func CardKey(processorTxnID string) string {
	return "card:" + strings.TrimSpace(processorTxnID)
}

// InstrumentKey covers cashier's checks and money orders by serial number.
func InstrumentKey(source Source, serial string, amountCents int64) string {
	return fmt.Sprintf("%s:%s:%d", source, strings.TrimSpace(serial), amountCents)
}
