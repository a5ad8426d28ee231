package recon

import (
	"math"
	"sort"
)

// FilterBestSuggestions resolves conflicts into a maximal non-overlapping
// assignment: each bank transaction claims at most one document and each
// document is claimed by at most one transaction.
//
// Ordering: document-backed suggestions before account-only ones, then
// confidence descending. Confidences falling in the same tieBreak-wide
// band count as a tie, and the payment-order-priority match wins it.
func FilterBestSuggestions(all []Suggestion, tieBreak float64) []Suggestion {
	sorted := make([]Suggestion, len(all))
	copy(sorted, all)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.HasDocument() != b.HasDocument() {
			return a.HasDocument()
		}
		if ab, bb := confidenceBand(a.Confidence, tieBreak), confidenceBand(b.Confidence, tieBreak); ab != bb {
			return ab > bb
		}
		ap := a.hasCriterion(CriterionPaymentOrderPriority)
		bp := b.hasCriterion(CriterionPaymentOrderPriority)
		if ap != bp {
			return ap
		}
		return a.Confidence > b.Confidence
	})

	usedTxn := make(map[string]bool)
	usedDoc := make(map[int64]bool)
	accepted := make([]Suggestion, 0, len(sorted))
	for _, s := range sorted {
		if usedTxn[s.BankTransactionID] {
			continue
		}
		if s.DocumentID != nil && usedDoc[*s.DocumentID] {
			continue
		}
		usedTxn[s.BankTransactionID] = true
		if s.DocumentID != nil {
			usedDoc[*s.DocumentID] = true
		}
		accepted = append(accepted, s)
	}
	return accepted
}

// confidenceBand groups confidences into fixed-width bands so the sort
// comparator stays transitive under near-tie chains.
func confidenceBand(c, width float64) int {
	if width <= 0 {
		return int(math.Round(c * 1e9))
	}
	return int(math.Floor(c/width + 1e-9))
}
