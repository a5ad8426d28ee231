package recon

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finova.org/internal/extract"
)

// MatchScore is the outcome of scoring one (document, transaction) pair.
type MatchScore struct {
	Score    float64
	Criteria []string
	Reasons  []string
}

// PaymentOrderPriority reports whether the pair carries the payment-order
// tie-break criterion.
func (m MatchScore) PaymentOrderPriority() bool {
	for _, c := range m.Criteria {
		if c == CriterionPaymentOrderPriority {
			return true
		}
	}
	return false
}

// ScorePair computes the additive confidence for one candidate pairing.
// Signals are independent; the sum is clamped to 1.0.
func ScorePair(doc Document, txn BankTransaction, w Weights) MatchScore {
	var m MatchScore

	// Amount proximity. Exact match dominates; the close band scales with
	// the document amount but never drops under the fixed minimum.
	diff := doc.Amount.Sub(txn.Amount).Abs()
	closeBand := decimal.Max(
		doc.Amount.Mul(decimal.NewFromFloat(w.CloseAmountPct)),
		decimal.NewFromFloat(w.CloseAmountMin),
	)
	switch {
	case diff.IsZero():
		m.add(w.ExactAmount, CriterionExactAmount, "amounts match exactly")
	case diff.LessThanOrEqual(closeBand):
		m.add(w.CloseAmount, CriterionCloseAmount,
			fmt.Sprintf("amounts within %s of each other", diff.StringFixed(2)))
	}

	// Reference comparison on normalized strings.
	docRef := NormalizeReference(doc.Reference)
	txnRef := NormalizeReference(txn.Reference)
	switch {
	case docRef != "" && docRef == txnRef:
		m.add(w.ReferenceExact, CriterionReferenceExact, "document number matches transaction reference")
	case docRef != "" && txnRef != "" && (strings.Contains(docRef, txnRef) || strings.Contains(txnRef, docRef)):
		m.add(w.ReferencePartial, CriterionReferencePartial, "document number partially matches transaction reference")
	}

	if docRef != "" && strings.Contains(NormalizeReference(txn.Description), docRef) {
		m.add(w.DescriptionContains, CriterionDescriptionContains, "transaction description mentions the document number")
	}

	// Date proximity, calendar days apart.
	if !doc.Date.IsZero() && !txn.Date.IsZero() {
		days := daysApart(doc, txn)
		switch {
		case days == 0:
			m.add(w.SameDate, CriterionSameDate, "same date")
		case days <= w.CloseDateDays:
			m.add(w.CloseDate, CriterionCloseDate, fmt.Sprintf("%d days apart", days))
		case days <= w.WeekProximityDays:
			m.add(w.WeekProximity, CriterionWeekProximity, "within a week")
		}
	}

	// Money direction must agree with the document direction.
	if (doc.Direction == extract.DirectionIncoming && txn.TransactionType == TypeCredit) ||
		(doc.Direction == extract.DirectionOutgoing && txn.TransactionType == TypeDebit) {
		m.add(w.DirectionCoherence, CriterionDirectionCoherent, "transaction direction matches document type")
	}

	// Payment orders describe outgoing payments; prefer them for debits.
	if doc.Kind == extract.KindPaymentOrder && txn.TransactionType == TypeDebit {
		m.add(w.PaymentOrderPriority, CriterionPaymentOrderPriority, "payment order matched to a debit transaction")
	}

	if m.Score > 1 {
		m.Score = 1
	}
	return m
}

// FallbackScore checks the near-miss band for a document whose best pairwise
// score fell under the threshold: close-enough amounts are still surfaced
// for human review instead of being dropped.
func FallbackScore(doc Document, txn BankTransaction, best float64, w Weights) (MatchScore, bool) {
	band := decimal.Max(
		doc.Amount.Mul(decimal.NewFromFloat(w.FallbackPct)),
		decimal.NewFromFloat(w.FallbackMin),
	)
	if doc.Amount.Sub(txn.Amount).Abs().GreaterThan(band) {
		return MatchScore{}, false
	}
	score := best
	if score < w.FallbackFloor {
		score = w.FallbackFloor
	}
	return MatchScore{
		Score:    score,
		Criteria: []string{CriterionFallbackProximity},
		Reasons:  []string{fmt.Sprintf("closest transaction amount %s is near document amount %s", txn.Amount.StringFixed(2), doc.Amount.StringFixed(2))},
	}, true
}

func (m *MatchScore) add(weight float64, criterion, reason string) {
	m.Score += weight
	m.Criteria = append(m.Criteria, criterion)
	m.Reasons = append(m.Reasons, reason)
}

func daysApart(doc Document, txn BankTransaction) int {
	d1 := doc.Date.UTC().Truncate(24 * time.Hour)
	d2 := txn.Date.UTC().Truncate(24 * time.Hour)
	days := int(d1.Sub(d2).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// NormalizeReference strips everything but letters and digits and
// lower-cases the rest, so "FV 2024/001" and "fv-2024-001" compare equal.
func NormalizeReference(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}
