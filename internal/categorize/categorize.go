// Package categorize suggests chart-of-account codes for bank transactions
// that have no matching source document.
package categorize

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// TransactionInfo is the minimal view of a bank transaction needed to
// suggest an account.
type TransactionInfo struct {
	Description     string
	Amount          decimal.Decimal
	TransactionType string // DEBIT or CREDIT
	Reference       string
}

// AccountSuggestion is one ranked chart-of-account proposal.
type AccountSuggestion struct {
	AccountCode string  `json:"account_code"`
	AccountName string  `json:"account_name"`
	Confidence  float64 `json:"confidence"`
}

// Suggester produces ordered account suggestions, highest confidence first.
// Implementations must not fail outward: on any internal error they return
// a deterministic fallback so the matching pipeline always completes.
type Suggester interface {
	SuggestAccount(ctx context.Context, txn TransactionInfo) []AccountSuggestion
}

type rule struct {
	keywords   []string
	code       string
	name       string
	confidence float64
}

// Keyword rules over the Romanian chart of accounts. Order matters: the
// first matching rule carries the highest base confidence.
var rules = []rule{
	{[]string{"comision", "taxa bancara", "fee"}, "627", "Cheltuieli cu serviciile bancare si asimilate", 0.85},
	{[]string{"salariu", "salarii", "payroll"}, "641", "Cheltuieli cu salariile personalului", 0.85},
	{[]string{"dobanda", "interest"}, "666", "Cheltuieli privind dobanzile", 0.80},
	{[]string{"chirie", "rent"}, "612", "Cheltuieli cu redeventele si chiriile", 0.75},
	{[]string{"energie", "utilitati", "curent", "gaz"}, "605", "Cheltuieli privind energia si apa", 0.75},
	{[]string{"combustibil", "carburant", "benzina", "motorina"}, "6022", "Cheltuieli privind combustibilii", 0.75},
	{[]string{"asigurare", "insurance"}, "613", "Cheltuieli cu primele de asigurare", 0.70},
	{[]string{"impozit", "anaf", "bugetul de stat"}, "635", "Cheltuieli cu alte impozite si taxe", 0.70},
	{[]string{"transfer intern", "alimentare cont"}, "581", "Viramente interne", 0.70},
}

const (
	defaultExpenseCode = "628"
	defaultExpenseName = "Alte cheltuieli cu serviciile executate de terti"
	defaultIncomeCode  = "704"
	defaultIncomeName  = "Venituri din servicii prestate"

	defaultConfidence = 0.30
	// Very long descriptions tend to be aggregated or ambiguous.
	longDescriptionLen     = 120
	longDescriptionPenalty = 0.15
)

// RuleSuggester is the deterministic keyword fallback.
type RuleSuggester struct{}

var _ Suggester = RuleSuggester{}

func (RuleSuggester) SuggestAccount(ctx context.Context, txn TransactionInfo) []AccountSuggestion {
	desc := strings.ToLower(txn.Description)

	var out []AccountSuggestion
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(desc, kw) {
				out = append(out, AccountSuggestion{
					AccountCode: r.code,
					AccountName: r.name,
					Confidence:  adjust(r.confidence, txn),
				})
				break
			}
		}
	}

	out = append(out, defaultSuggestion(txn))
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return dedupe(out)
}

func defaultSuggestion(txn TransactionInfo) AccountSuggestion {
	if strings.EqualFold(txn.TransactionType, "CREDIT") {
		return AccountSuggestion{AccountCode: defaultIncomeCode, AccountName: defaultIncomeName, Confidence: defaultConfidence}
	}
	return AccountSuggestion{AccountCode: defaultExpenseCode, AccountName: defaultExpenseName, Confidence: defaultConfidence}
}

func adjust(confidence float64, txn TransactionInfo) float64 {
	if len(txn.Description) > longDescriptionLen {
		confidence -= longDescriptionPenalty
	}
	if txn.Reference != "" {
		confidence += 0.02
	}
	if confidence < 0.05 {
		confidence = 0.05
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func dedupe(in []AccountSuggestion) []AccountSuggestion {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s.AccountCode] {
			continue
		}
		seen[s.AccountCode] = true
		out = append(out, s)
	}
	return out
}
