package recon

import (
	"context"
	"fmt"
	"time"

	"finova.org/internal/extract"
	"finova.org/internal/ledger"
	"finova.org/internal/obs"
)

// AcceptSuggestion commits a pending pairing: the settlement is posted
// under the idempotent key recon:{suggestionID}, then statuses flip to
// RECONCILED, the match is recorded and sibling suggestions are rejected
// in one store transaction. A failure in the store pass leaves the
// suggestion PENDING; retrying reuses the already-posted legs.
func (e *Engine) AcceptSuggestion(ctx context.Context, suggestionID, notes string) (Suggestion, error) {
	s, err := e.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return Suggestion{}, err
	}
	if s.Status != SuggestionPending {
		return Suggestion{}, ErrNotPending
	}

	if notes == "" {
		notes = fmt.Sprintf("auto-matched suggestion (%d%% confidence)", int(s.Confidence*100+0.5))
	}
	if err := e.settle(ctx, s, fmt.Sprintf("recon:%s", s.ID), notes); err != nil {
		return Suggestion{}, err
	}

	s.Status = SuggestionAccepted
	obs.Logger().WithField("suggestion_id", s.ID).Info("suggestion accepted")
	return s, nil
}

// RejectSuggestion marks a pending suggestion as rejected. The underlying
// document and transaction stay unreconciled and will be re-scored on the
// next generation run.
func (e *Engine) RejectSuggestion(ctx context.Context, suggestionID, reason string) (Suggestion, error) {
	s, err := e.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return Suggestion{}, err
	}
	if s.Status != SuggestionPending {
		return Suggestion{}, ErrNotPending
	}
	if err := e.store.UpdateSuggestionStatus(ctx, s.ID, SuggestionRejected); err != nil {
		return Suggestion{}, err
	}
	s.Status = SuggestionRejected
	obs.Logger().WithField("suggestion_id", s.ID).WithField("reason", reason).Info("suggestion rejected")
	return s, nil
}

// ManualMatchInput pairs one bank transaction with a document, or directly
// with a chart-of-account, by operator decision.
type ManualMatchInput struct {
	AccountingClientID int64
	BankTransactionID  string
	DocumentID         *int64
	AccountCode        string
	Notes              string
}

// CreateManualMatch settles a pairing chosen by a human. It bypasses
// scoring entirely: confidence is 1 and every sibling PENDING suggestion
// touching the transaction or document gets rejected.
func (e *Engine) CreateManualMatch(ctx context.Context, in ManualMatchInput) (Suggestion, error) {
	if in.DocumentID == nil && in.AccountCode == "" {
		return Suggestion{}, ErrNoMatchTarget
	}

	txn, err := e.store.GetTransaction(ctx, in.AccountingClientID, in.BankTransactionID)
	if err != nil {
		return Suggestion{}, err
	}
	if txn.Status == StatusReconciled {
		return Suggestion{}, ErrAlreadyReconciled
	}
	if in.DocumentID != nil {
		doc, err := e.store.GetDocument(ctx, in.AccountingClientID, *in.DocumentID)
		if err != nil {
			return Suggestion{}, err
		}
		if doc.Status == StatusReconciled {
			return Suggestion{}, ErrAlreadyReconciled
		}
	}

	notes := in.Notes
	if notes == "" {
		notes = "manual match"
	}
	s := Suggestion{
		AccountingClientID: in.AccountingClientID,
		BankTransactionID:  in.BankTransactionID,
		DocumentID:         in.DocumentID,
		AccountCode:        in.AccountCode,
		Confidence:         1,
		Criteria:           []string{CriterionManualMatch},
		Reasons:            []string{"paired by operator"},
		Status:             SuggestionAccepted,
	}
	if err := e.settle(ctx, s, manualMatchKey(in.BankTransactionID, in.DocumentID), notes); err != nil {
		return Suggestion{}, err
	}

	obs.Logger().WithField("bank_transaction_id", in.BankTransactionID).Info("manual match created")
	return s, nil
}

// BulkMatchOutcome reports one failed pair of a bulk run.
type BulkMatchOutcome struct {
	BankTransactionID string `json:"bank_transaction_id"`
	Error             string `json:"error"`
}

// BulkMatchResult summarizes a bulk manual-match run.
type BulkMatchResult struct {
	Matched int                `json:"matched"`
	Errors  []BulkMatchOutcome `json:"errors,omitempty"`
}

// CreateBulkMatches applies manual matches one by one; a failing pair is
// reported and the rest proceed.
func (e *Engine) CreateBulkMatches(ctx context.Context, inputs []ManualMatchInput) (BulkMatchResult, error) {
	var res BulkMatchResult
	for _, in := range inputs {
		if _, err := e.CreateManualMatch(ctx, in); err != nil {
			res.Errors = append(res.Errors, BulkMatchOutcome{
				BankTransactionID: in.BankTransactionID,
				Error:             err.Error(),
			})
			continue
		}
		res.Matched++
	}
	return res, nil
}

func manualMatchKey(txnID string, docID *int64) string {
	if docID != nil {
		return fmt.Sprintf("manual:%s:%d", txnID, *docID)
	}
	return fmt.Sprintf("manual:%s", txnID)
}

// settle posts the settlement legs first, then applies every status change
// in one store transaction. The posting key is idempotent, so a failed
// store pass can be retried without double-posting.
func (e *Engine) settle(ctx context.Context, s Suggestion, postingKey, notes string) error {
	txn, err := e.store.GetTransaction(ctx, s.AccountingClientID, s.BankTransactionID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}

	var entries []ledger.Entry
	if s.HasDocument() {
		doc, err := e.store.GetDocument(ctx, s.AccountingClientID, *s.DocumentID)
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}
		entries = documentMatchEntries(doc, txn)
	} else {
		entries = standaloneEntries(s.AccountCode, txn)
	}

	if err := e.post(ctx, s, entries, postingKey, txn.Date); err != nil {
		return err
	}

	return e.withinTx(ctx, func(st Store) error {
		reconID, err := st.CreateReconciliation(ctx, s.AccountingClientID, s.BankTransactionID, s.DocumentID, s.Confidence, notes)
		if err != nil {
			return fmt.Errorf("create reconciliation: %w", err)
		}
		if s.HasDocument() {
			if err := st.SetDocumentStatus(ctx, s.AccountingClientID, *s.DocumentID, StatusReconciled); err != nil {
				return err
			}
			if err := st.SetTransactionStatus(ctx, s.AccountingClientID, s.BankTransactionID, StatusReconciled, ""); err != nil {
				return err
			}
		} else {
			if err := st.SetTransactionStatus(ctx, s.AccountingClientID, s.BankTransactionID, StatusReconciled, s.AccountCode); err != nil {
				return err
			}
		}
		if s.ID != "" {
			if err := st.UpdateSuggestionStatus(ctx, s.ID, SuggestionAccepted); err != nil {
				return err
			}
		}
		if err := st.RejectSiblings(ctx, s); err != nil {
			return err
		}
		obs.Logger().
			WithField("reconciliation_id", reconID).
			WithField("bank_transaction_id", s.BankTransactionID).
			Info("match settled")
		return nil
	})
}

// documentMatchEntries settles a document<->transaction pairing against the
// bank account: money in clears customers, money out clears suppliers.
func documentMatchEntries(doc Document, txn BankTransaction) []ledger.Entry {
	if doc.Direction == extract.DirectionIncoming || txn.TransactionType == TypeCredit {
		return []ledger.Entry{
			{AccountCode: accountBank, Debit: txn.Amount},
			{AccountCode: accountCustomers, Credit: txn.Amount},
		}
	}
	return []ledger.Entry{
		{AccountCode: accountSuppliers, Debit: txn.Amount},
		{AccountCode: accountBank, Credit: txn.Amount},
	}
}

// standaloneEntries settles a categorized transaction directly against the
// chosen chart-of-account.
func standaloneEntries(accountCode string, txn BankTransaction) []ledger.Entry {
	if txn.TransactionType == TypeDebit {
		return []ledger.Entry{
			{AccountCode: accountCode, Debit: txn.Amount},
			{AccountCode: accountBank, Credit: txn.Amount},
		}
	}
	return []ledger.Entry{
		{AccountCode: accountBank, Debit: txn.Amount},
		{AccountCode: accountCode, Credit: txn.Amount},
	}
}

func (e *Engine) post(ctx context.Context, s Suggestion, entries []ledger.Entry, postingKey string, postingDate time.Time) error {
	if e.ledger == nil {
		return nil
	}
	txnID := s.BankTransactionID
	_, err := e.ledger.PostEntries(ctx, ledger.PostInput{
		AccountingClientID: s.AccountingClientID,
		PostingDate:        postingDate,
		Entries:            entries,
		SourceType:         ledger.SourceReconciliation,
		SourceID:           postingKey,
		PostingKey:         postingKey,
		Links: ledger.Links{
			DocumentID:        s.DocumentID,
			BankTransactionID: &txnID,
		},
	})
	if err != nil {
		return fmt.Errorf("post settlement entries: %w", err)
	}
	return nil
}
