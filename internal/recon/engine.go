package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"finova.org/internal/categorize"
	"finova.org/internal/ids"
	"finova.org/internal/ledger"
	"finova.org/internal/obs"
)

// Romanian chart-of-accounts codes used when an accepted pairing is posted.
const (
	accountBank      = "5121" // Conturi la banci in lei
	accountCustomers = "4111" // Clienti
	accountSuppliers = "401"  // Furnizori
)

// Store is the persistence surface the engine needs. Implemented by
// pg.Store and by the in-memory double in tests.
type Store interface {
	DeletePendingSuggestions(ctx context.Context, accountingClientID int64) error
	UnreconciledDocuments(ctx context.Context, accountingClientID int64) ([]Document, error)
	UnreconciledTransactions(ctx context.Context, accountingClientID int64) ([]BankTransaction, error)
	InsertSuggestions(ctx context.Context, suggestions []Suggestion) error
	ListPendingSuggestions(ctx context.Context, accountingClientID int64) ([]Suggestion, error)

	GetSuggestion(ctx context.Context, id string) (Suggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error
	// RejectSiblings flips every other PENDING suggestion touching the same
	// transaction or document to REJECTED.
	RejectSiblings(ctx context.Context, accepted Suggestion) error

	GetDocument(ctx context.Context, accountingClientID, documentID int64) (Document, error)
	GetTransaction(ctx context.Context, accountingClientID int64, txnID string) (BankTransaction, error)
	SetDocumentStatus(ctx context.Context, accountingClientID, documentID int64, status Status) error
	SetTransactionStatus(ctx context.Context, accountingClientID int64, txnID string, status Status, accountCode string) error
	CreateReconciliation(ctx context.Context, accountingClientID int64, txnID string, documentID *int64, confidence float64, notes string) (int64, error)
}

// TxRunner is the unit-of-work capability: stores that can scope a group
// of writes to one database transaction implement it. Settlement uses it
// so status flips are all-or-nothing.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// Engine computes, stores and settles reconciliation suggestions.
type Engine struct {
	store     Store
	ledger    ledger.Service
	suggester categorize.Suggester
	weights   Weights
}

// NewEngine wires the engine with explicit collaborators.
func NewEngine(store Store, ledgerSvc ledger.Service, suggester categorize.Suggester, weights Weights) *Engine {
	if suggester == nil {
		suggester = categorize.RuleSuggester{}
	}
	return &Engine{store: store, ledger: ledgerSvc, suggester: suggester, weights: weights}
}

func (e *Engine) withinTx(ctx context.Context, fn func(Store) error) error {
	if tr, ok := e.store.(TxRunner); ok {
		return tr.WithinTx(ctx, fn)
	}
	return fn(e.store)
}

// GenerateSuggestions regenerates the PENDING suggestion set for one
// accounting client. The run is idempotent: pending suggestions in scope
// are purged first, so re-running never accumulates duplicates.
func (e *Engine) GenerateSuggestions(ctx context.Context, accountingClientID int64) error {
	log := obs.Logger().WithField("accounting_client_id", accountingClientID)

	if err := e.store.DeletePendingSuggestions(ctx, accountingClientID); err != nil {
		obs.SuggestionRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("purge pending suggestions: %w", err)
	}

	docs, err := e.store.UnreconciledDocuments(ctx, accountingClientID)
	if err != nil {
		obs.SuggestionRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("load documents: %w", err)
	}
	txns, err := e.store.UnreconciledTransactions(ctx, accountingClientID)
	if err != nil {
		obs.SuggestionRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("load transactions: %w", err)
	}

	candidates := e.scoreAllPairs(docs, txns)
	accepted := FilterBestSuggestions(candidates, e.weights.TieBreakDelta)

	claimed := make(map[string]bool, len(accepted))
	matches, fallbacks := 0, 0
	for _, s := range accepted {
		claimed[s.BankTransactionID] = true
		if s.hasCriterion(CriterionFallbackProximity) {
			fallbacks++
		} else {
			matches++
		}
	}

	standalone := e.categorizeUnmatched(ctx, txns, claimed)

	now := time.Now().UTC()
	all := append(accepted, standalone...)
	for i := range all {
		all[i].ID = ids.New()
		all[i].AccountingClientID = accountingClientID
		all[i].Status = SuggestionPending
		all[i].CreatedAt = now
	}

	if err := e.store.InsertSuggestions(ctx, all); err != nil {
		obs.SuggestionRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("insert suggestions: %w", err)
	}

	obs.SuggestionRuns.WithLabelValues("ok").Inc()
	obs.SuggestionsEmitted.WithLabelValues("match").Add(float64(matches))
	obs.SuggestionsEmitted.WithLabelValues("fallback").Add(float64(fallbacks))
	obs.SuggestionsEmitted.WithLabelValues("standalone").Add(float64(len(standalone)))
	log.WithFields(map[string]any{
		"documents":    len(docs),
		"transactions": len(txns),
		"matches":      matches,
		"fallbacks":    fallbacks,
		"standalone":   len(standalone),
	}).Info("reconciliation suggestions regenerated")
	return nil
}

func (e *Engine) scoreAllPairs(docs []Document, txns []BankTransaction) []Suggestion {
	var candidates []Suggestion
	for _, doc := range docs {
		if doc.Amount.IsZero() {
			obs.Logger().WithField("document_id", doc.ID).Info("document resolves to zero amount, skipped")
			continue
		}

		best := 0.0
		var closest *BankTransaction
		var closestDiff decimal.Decimal
		for i := range txns {
			txn := txns[i]
			ms := ScorePair(doc, txn, e.weights)
			if ms.Score > best {
				best = ms.Score
			}
			diff := doc.Amount.Sub(txn.Amount).Abs()
			if closest == nil || diff.LessThan(closestDiff) {
				closest = &txns[i]
				closestDiff = diff
			}
			if ms.Score >= e.weights.Threshold {
				docID := doc.ID
				candidates = append(candidates, Suggestion{
					BankTransactionID: txn.ID,
					DocumentID:        &docID,
					Confidence:        ms.Score,
					Criteria:          ms.Criteria,
					Reasons:           ms.Reasons,
				})
			}
		}

		if best < e.weights.Threshold && closest != nil {
			if fs, ok := FallbackScore(doc, *closest, best, e.weights); ok {
				docID := doc.ID
				candidates = append(candidates, Suggestion{
					BankTransactionID: closest.ID,
					DocumentID:        &docID,
					Confidence:        fs.Score,
					Criteria:          fs.Criteria,
					Reasons:           fs.Reasons,
				})
			}
		}
	}
	return candidates
}

func (e *Engine) categorizeUnmatched(ctx context.Context, txns []BankTransaction, claimed map[string]bool) []Suggestion {
	var out []Suggestion
	for _, txn := range txns {
		if claimed[txn.ID] {
			continue
		}
		suggestions := e.suggester.SuggestAccount(ctx, categorize.TransactionInfo{
			Description:     txn.Description,
			Amount:          txn.Amount,
			TransactionType: string(txn.TransactionType),
			Reference:       txn.Reference,
		})
		if len(suggestions) == 0 {
			continue
		}
		top := suggestions[0]
		out = append(out, Suggestion{
			BankTransactionID: txn.ID,
			AccountCode:       top.AccountCode,
			AccountName:       top.AccountName,
			Confidence:        top.Confidence,
			Criteria:          []string{CriterionStandalone},
			Reasons:           []string{fmt.Sprintf("no document match; account %s (%s) suggested from description", top.AccountCode, top.AccountName)},
		})
	}
	return out
}

// ListPendingSuggestions exposes the current suggestion set for review.
func (e *Engine) ListPendingSuggestions(ctx context.Context, accountingClientID int64) ([]Suggestion, error) {
	return e.store.ListPendingSuggestions(ctx, accountingClientID)
}
