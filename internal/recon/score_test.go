package recon

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finova.org/internal/extract"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestScorePairPerfectMatchClampsToOne(t *testing.T) {
	doc := Document{
		ID: 1, Kind: extract.KindInvoice, Direction: extract.DirectionOutgoing,
		Amount: dec("1000.00"), Reference: "FV-2024/001", Date: day(2024, 1, 10),
	}
	txn := BankTransaction{
		ID: "t1", Date: day(2024, 1, 10), Amount: dec("1000.00"),
		TransactionType: TypeDebit, Reference: "fv 2024 001",
	}

	m := ScorePair(doc, txn, DefaultWeights())
	// exact amount 0.60 + exact reference 0.30 + same date 0.20 > 1 clamps.
	if m.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0", m.Score)
	}
	for _, want := range []string{CriterionExactAmount, CriterionReferenceExact, CriterionSameDate, CriterionDirectionCoherent} {
		found := false
		for _, c := range m.Criteria {
			if c == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing criterion %s in %v", want, m.Criteria)
		}
	}
	if len(m.Reasons) != len(m.Criteria) {
		t.Fatalf("each criterion needs a reason: %d != %d", len(m.Reasons), len(m.Criteria))
	}
}

func TestScorePairCloseAmountCloseDate(t *testing.T) {
	doc := Document{ID: 1, Kind: extract.KindInvoice, Amount: dec("500.00"), Date: day(2024, 1, 10)}
	txn := BankTransaction{ID: "t1", Amount: dec("505.00"), Date: day(2024, 1, 12), TransactionType: TypeCredit}

	m := ScorePair(doc, txn, DefaultWeights())
	// diff 5 <= max(5% of 500, 2) = 25 -> 0.30; 2 days apart -> 0.07.
	if diff := m.Score - 0.37; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want 0.37", m.Score)
	}
	if m.Score < DefaultWeights().Threshold {
		t.Fatalf("0.37 must qualify as a candidate")
	}
}

func TestScorePairCloseAmountBandMinimum(t *testing.T) {
	// 5% of 20 is 1, but the band never drops under 2 currency units.
	doc := Document{ID: 1, Amount: dec("20.00")}
	txn := BankTransaction{ID: "t1", Amount: dec("21.50"), TransactionType: TypeDebit}

	m := ScorePair(doc, txn, DefaultWeights())
	if m.Score != 0.30 {
		t.Fatalf("score = %v, want 0.30 (close amount within fixed minimum band)", m.Score)
	}
}

func TestScorePairReferencePartialAndDescription(t *testing.T) {
	w := DefaultWeights()
	doc := Document{ID: 1, Amount: dec("100"), Reference: "FV-881"}

	partial := BankTransaction{ID: "t1", Amount: dec("999"), Reference: "REF/FV-881/2024", TransactionType: TypeCredit}
	m := ScorePair(doc, partial, w)
	if m.Score != w.ReferencePartial {
		t.Fatalf("partial reference score = %v, want %v", m.Score, w.ReferencePartial)
	}

	described := BankTransaction{ID: "t2", Amount: dec("999"), Description: "Plata factura FV 881 conform contract", TransactionType: TypeCredit}
	m = ScorePair(doc, described, w)
	if m.Score != w.DescriptionContains {
		t.Fatalf("description score = %v, want %v", m.Score, w.DescriptionContains)
	}
}

func TestScorePairPaymentOrderPriority(t *testing.T) {
	doc := Document{ID: 1, Kind: extract.KindPaymentOrder, Amount: dec("100")}
	txn := BankTransaction{ID: "t1", Amount: dec("100"), TransactionType: TypeDebit}

	m := ScorePair(doc, txn, DefaultWeights())
	if !m.PaymentOrderPriority() {
		t.Fatalf("expected payment-order priority criterion, got %v", m.Criteria)
	}
	// exact amount 0.60 + payment order 0.10 (direction unknown: no bonus).
	if diff := m.Score - 0.70; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want 0.70", m.Score)
	}
}

func TestFallbackScore(t *testing.T) {
	w := DefaultWeights()
	doc := Document{ID: 1, Amount: dec("200.00")}

	// Within max(10% of 200, 10) = 20.
	near := BankTransaction{ID: "t1", Amount: dec("215.00")}
	fs, ok := FallbackScore(doc, near, 0.10, w)
	if !ok {
		t.Fatalf("expected fallback to fire")
	}
	if fs.Score != w.FallbackFloor {
		t.Fatalf("fallback score = %v, want floor %v", fs.Score, w.FallbackFloor)
	}
	if len(fs.Criteria) != 1 || fs.Criteria[0] != CriterionFallbackProximity {
		t.Fatalf("fallback criteria = %v", fs.Criteria)
	}

	far := BankTransaction{ID: "t2", Amount: dec("260.00")}
	if _, ok := FallbackScore(doc, far, 0.10, w); ok {
		t.Fatalf("fallback must not fire beyond the proximity band")
	}
}

func TestNormalizeReference(t *testing.T) {
	cases := map[string]string{
		"FV 2024/001":   "fv2024001",
		"fv-2024-001":   "fv2024001",
		"  REF_881  ":   "ref881",
		"ĂÎȘ 12":        "12",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizeReference(in); got != want {
			t.Fatalf("NormalizeReference(%q) = %q, want %q", in, got, want)
		}
	}
}
