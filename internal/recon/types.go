// Package recon pairs unreconciled bank transactions with source documents
// and records the result as reviewable suggestions.
package recon

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"finova.org/internal/extract"
)

// TransactionType mirrors the bank-statement convention: amounts are stored
// as positive magnitudes, the type carries the sign.
type TransactionType string

const (
	TypeDebit  TransactionType = "DEBIT"
	TypeCredit TransactionType = "CREDIT"
)

// Status tracks reconciliation state on documents and transactions.
type Status string

const (
	StatusUnreconciled Status = "UNRECONCILED"
	StatusReconciled   Status = "RECONCILED"
)

// SuggestionStatus is the lifecycle of one proposed pairing.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "PENDING"
	SuggestionAccepted SuggestionStatus = "ACCEPTED"
	SuggestionRejected SuggestionStatus = "REJECTED"
)

// Matching criteria flags recorded on suggestions.
const (
	CriterionExactAmount          = "EXACT_AMOUNT"
	CriterionCloseAmount          = "CLOSE_AMOUNT"
	CriterionReferenceExact       = "REFERENCE_EXACT"
	CriterionReferencePartial     = "REFERENCE_PARTIAL"
	CriterionDescriptionContains  = "DESCRIPTION_CONTAINS_REFERENCE"
	CriterionSameDate             = "SAME_DATE"
	CriterionCloseDate            = "CLOSE_DATE"
	CriterionWeekProximity        = "WEEK_PROXIMITY"
	CriterionDirectionCoherent    = "DIRECTION_COHERENT"
	CriterionPaymentOrderPriority = "PAYMENT_ORDER_PRIORITY"
	CriterionFallbackProximity    = "FALLBACK_AMOUNT_PROXIMITY"
	CriterionStandalone           = "STANDALONE_CATEGORIZATION"
	CriterionManualMatch          = "MANUAL_MATCH"
)

// Document is an unreconciled source document as seen by the engine,
// with its amount already resolved at the extraction boundary.
type Document struct {
	ID        int64
	Kind      extract.Kind
	Direction extract.Direction
	Amount    decimal.Decimal
	Reference string
	Date      time.Time
	Status    Status
}

// BankTransaction is one unreconciled bank-statement line.
type BankTransaction struct {
	ID              string
	Date            time.Time
	Description     string
	Amount          decimal.Decimal // positive magnitude
	TransactionType TransactionType
	Reference       string
	Status          Status
	AccountCode     string // set by standalone categorization acceptance
	Standalone      bool
}

// Suggestion is one proposed pairing: either transaction <-> document, or
// transaction <-> chart-of-account (DocumentID nil, standalone).
type Suggestion struct {
	ID                 string           `json:"id"`
	AccountingClientID int64            `json:"accounting_client_id"`
	BankTransactionID  string           `json:"bank_transaction_id"`
	DocumentID         *int64           `json:"document_id,omitempty"`
	AccountCode        string           `json:"account_code,omitempty"`
	AccountName        string           `json:"account_name,omitempty"`
	Confidence         float64          `json:"confidence"`
	Criteria           []string         `json:"criteria"`
	Reasons            []string         `json:"reasons"`
	Status             SuggestionStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
}

// HasDocument reports whether the suggestion pairs with a document rather
// than a bare chart-of-account.
func (s Suggestion) HasDocument() bool { return s.DocumentID != nil }

func (s Suggestion) hasCriterion(name string) bool {
	for _, c := range s.Criteria {
		if c == name {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("not found")
	ErrNotPending        = errors.New("suggestion is no longer pending")
	ErrAlreadyReconciled = errors.New("already reconciled")
	ErrNoMatchTarget     = errors.New("manual match needs a document or an account code")
)
