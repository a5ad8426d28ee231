package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the ledger currency. Multi-currency revaluation is out
// of scope; every posting is stored in RON.
const DefaultCurrency = "RON"

// BalanceTolerance is the maximum allowed |Σdebit − Σcredit| per batch.
var BalanceTolerance = decimal.RequireFromString("0.01")

// SourceType tags where a posting batch originated.
type SourceType string

const (
	SourceInvoiceIn        SourceType = "INVOICE_IN"
	SourceInvoiceOut       SourceType = "INVOICE_OUT"
	SourceReceipt          SourceType = "RECEIPT"
	SourcePaymentOrder     SourceType = "PAYMENT_ORDER"
	SourceCollectionOrder  SourceType = "COLLECTION_ORDER"
	SourceZReport          SourceType = "Z_REPORT"
	SourceManualEntry      SourceType = "MANUAL_ENTRY"
	SourceReconciliation   SourceType = "RECONCILIATION"
	SourceDocumentReversal SourceType = "DOCUMENT_REVERSAL"
)

// Entry is one leg of a posting batch as supplied by the caller.
// Exactly one of Debit/Credit is non-zero in typical use, but both are kept.
type Entry struct {
	AccountCode string          `json:"account_code"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// Delta is the balance contribution of the leg.
func (e Entry) Delta() decimal.Decimal { return e.Debit.Sub(e.Credit) }

// Links tie a ledger row back to the records that produced it.
type Links struct {
	DocumentID        *int64  `json:"document_id,omitempty"`
	BankTransactionID *string `json:"bank_transaction_id,omitempty"`
	ReconciliationID  *int64  `json:"reconciliation_id,omitempty"`
}

// Empty reports whether no link is set.
func (l Links) Empty() bool {
	return l.DocumentID == nil && l.BankTransactionID == nil && l.ReconciliationID == nil
}

// LedgerEntry is one persisted leg. Rows are immutable after creation;
// only the unpost flow deletes them.
type LedgerEntry struct {
	ID                 string          `json:"id"`
	AccountingClientID int64           `json:"accounting_client_id"`
	PostingDate        time.Time       `json:"posting_date"`
	AccountCode        string          `json:"account_code"`
	Debit              decimal.Decimal `json:"debit"`
	Credit             decimal.Decimal `json:"credit"`
	Currency           string          `json:"currency"`
	SourceType         SourceType      `json:"source_type"`
	SourceID           string          `json:"source_id"`
	PostingKey         string          `json:"posting_key"`
	DocumentID         *int64          `json:"document_id,omitempty"`
	BankTransactionID  *string         `json:"bank_transaction_id,omitempty"`
	ReconciliationID   *int64          `json:"reconciliation_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// PostInput describes one balanced posting batch.
type PostInput struct {
	AccountingClientID int64
	PostingDate        time.Time
	Entries            []Entry
	SourceType         SourceType
	SourceID           string
	PostingKey         string // base idempotency key; per-leg keys are {key}:{i}
	Links              Links
}

// PostResult is the outcome of PostEntries. Reused means the batch key was
// already posted and the existing sibling rows are returned unchanged.
type PostResult struct {
	Created []LedgerEntry `json:"created"`
	Reused  bool          `json:"reused"`
}

// ReversalResult is the outcome of ReverseDocumentEntries.
type ReversalResult struct {
	Reversed        int    `json:"reversed"`
	OriginalEntries int    `json:"original_entries"`
	Message         string `json:"message"`
}

// UnpostInput selects rows by the exact link triple: a nil filter matches
// only rows where that link is absent. At least one link must be set.
type UnpostInput struct {
	AccountingClientID int64
	DocumentID         *int64
	BankTransactionID  *string
	ReconciliationID   *int64
}

// UnpostResult reports how many rows were deleted.
type UnpostResult struct {
	Reversed int `json:"reversed"`
}

// LedgerQuery filters the read path.
type LedgerQuery struct {
	StartDate   *time.Time
	EndDate     *time.Time
	AccountCode string
	Page        int
	Size        int
}

// LedgerPage is a stable, paginated slice of the ledger.
type LedgerPage struct {
	Items []LedgerEntry `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("not authorized for this client")
	ErrEmptyBatch   = errors.New("posting batch is empty")
	ErrMissingKey   = errors.New("posting key is required")
	ErrUnbalanced   = errors.New("posting not balanced")
	ErrNoLinks      = errors.New("at least one link filter is required")
)
