package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Service defines the posting engine operations.
type Service interface {
	// PostEntries creates one balanced, idempotent posting batch.
	PostEntries(ctx context.Context, in PostInput) (PostResult, error)
	// ReverseDocumentEntries counter-posts every row linked to the document.
	// Original rows are kept; the audit trail is additive.
	ReverseDocumentEntries(ctx context.Context, accountingClientID, documentID int64, postingDate time.Time) (ReversalResult, error)
	// UnpostByLinks deletes rows matching the link filters and rolls their
	// deltas out of the running balances.
	UnpostByLinks(ctx context.Context, in UnpostInput) (UnpostResult, error)
	// GetLedgerEntries resolves the caller's relation to the client company
	// identified by EIN and returns a stable page of its ledger.
	GetLedgerEntries(ctx context.Context, clientEIN string, accountingCompanyID int64, q LedgerQuery) (LedgerPage, error)
}

// LegKey derives the per-leg posting key from the batch key.
func LegKey(base string, i int) string { return fmt.Sprintf("%s:%d", base, i) }

// ReversalKey builds the fresh batch key used by document reversals.
func ReversalKey(documentID int64, now time.Time) string {
	return fmt.Sprintf("reversal:document:%d:%d", documentID, now.UnixMilli())
}

// ValidatePostInput rejects malformed batches before any write happens.
func ValidatePostInput(in PostInput) error {
	if len(in.Entries) == 0 {
		return ErrEmptyBatch
	}
	if in.PostingKey == "" {
		return ErrMissingKey
	}
	var sumDebit, sumCredit decimal.Decimal
	for _, e := range in.Entries {
		if e.AccountCode == "" {
			return fmt.Errorf("entry without account code: %w", ErrEmptyBatch)
		}
		sumDebit = sumDebit.Add(e.Debit)
		sumCredit = sumCredit.Add(e.Credit)
	}
	if diff := sumDebit.Sub(sumCredit).Abs(); diff.GreaterThan(BalanceTolerance) {
		return fmt.Errorf("%w: debit=%s credit=%s", ErrUnbalanced, sumDebit.StringFixed(2), sumCredit.StringFixed(2))
	}
	return nil
}

// MirrorEntries swaps debit and credit per leg, preserving account codes.
func MirrorEntries(rows []LedgerEntry) []Entry {
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entry{
			AccountCode: row.AccountCode,
			Debit:       row.Credit,
			Credit:      row.Debit,
		})
	}
	return out
}

// DayOf truncates t to its calendar day in UTC; daily balances key on it.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeQuery clamps pagination to sane bounds.
func NormalizeQuery(q LedgerQuery) LedgerQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size <= 0 || q.Size > 500 {
		q.Size = 50
	}
	return q
}
