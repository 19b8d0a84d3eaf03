// Package exceptions records structured failures for ops review: ACH
// returns, NSF patterns, wire recalls, duplicates, disputes, and
// reconciliation variances. Cases are created by the pipeline and worked
// through the create/assign/resolve surface by ops tooling.
package exceptions

import (
	"errors"
	"time"
)

type Category string

const (
	CategoryACHReturn         Category = "ach_return"
	CategoryNSF               Category = "nsf"
	CategoryWireRecall        Category = "wire_recall"
	CategoryDuplicate         Category = "duplicate"
	CategoryDispute           Category = "dispute"
	CategoryReconcileVariance Category = "reconcile_variance"
	CategoryOrphanReturn      Category = "orphan_return"
	CategoryPublishFailure    Category = "publish_failure"
	CategorySagaFailure       Category = "saga_failure"
	CategoryDataIntegrity     Category = "data_integrity"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type CaseState string

const (
	CaseOpen      CaseState = "open"
	CasePending   CaseState = "pending"
	CaseResolved  CaseState = "resolved"
	CaseCancelled CaseState = "cancelled"
)

var ErrNotFound = errors.New("exceptions: case not found")

// Case is one exception record.
type Case struct {
	ID               string    `json:"id"`
	IngestionID      string    `json:"ingestion_id,omitempty"`
	PaymentID        string    `json:"payment_id,omitempty"`
	Category         Category  `json:"category"`
	Subcategory      string    `json:"subcategory"`
	Severity         Severity  `json:"severity"`
	State            CaseState `json:"state"`
	Assignee         string    `json:"assignee,omitempty"`
	AIRecommendation string    `json:"ai_recommendation,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// criticalACHCodes are administrative returns: the account is gone or
// frozen and retrying is pointless.
var criticalACHCodes = map[string]bool{
	"R02": true, "R03": true, "R04": true, "R20": true,
}

// unauthorizedACHCodes indicate the debit was disputed by the account holder.
var unauthorizedACHCodes = map[string]bool{
	"R05": true, "R07": true, "R10": true, "R29": true,
}

// SeverityForACHReturn applies the fixed severity rules for ACH return codes.
func SeverityForACHReturn(code string) Severity {
	switch {
	case criticalACHCodes[code]:
		return SeverityCritical
	case unauthorizedACHCodes[code]:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// SeverityForNSF escalates repeat NSF retries.
func SeverityForNSF(retryCount int) Severity {
	if retryCount > 2 {
		return SeverityHigh
	}
	return SeverityMedium
}

// SeverityForSagaStep derives the severity when a reversal saga pauses:
// ledger and escrow damage is high, notification failures are medium.
func SeverityForSagaStep(step string) Severity {
	switch step {
	case "reverse_ledger", "reverse_escrow":
		return SeverityHigh
	case "notify":
		return SeverityMedium
	default:
		return SeverityMedium
	}
}
