// Package extract decodes raw document-extraction results once, at the
// ingestion boundary, into typed values the engines can rely on. The raw
// payload is the JSON blob produced by the external OCR/AI pipeline.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the supported document variants.
type Kind string

const (
	KindInvoice         Kind = "Invoice"
	KindReceipt         Kind = "Receipt"
	KindPaymentOrder    Kind = "Payment Order"
	KindCollectionOrder Kind = "Collection Order"
	KindZReport         Kind = "Z Report"
	KindBankStatement   Kind = "Bank Statement"
)

// Direction tells whether the document represents money owed to the client's
// customer (incoming) or owed by it (outgoing).
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionUnknown  Direction = "unknown"
)

// amountFields is the ordered fallback list tried when resolving a positive
// magnitude; document types that never populate total_amount fall through.
var amountFields = []string{"total_amount", "amount", "grand_total", "total_z", "total", "sum"}

var dateFields = []string{"document_date", "date", "issue_date"}

var referenceFields = []string{"document_number", "reference_number", "receipt_number", "order_number", "number"}

var ErrUnsupportedKind = errors.New("unsupported document kind")

// Document is the decoded, typed view of one extracted source document.
type Document struct {
	Kind      Kind
	Direction Direction
	Amount    decimal.Decimal
	Reference string
	Date      time.Time

	buyerEIN  string
	vendorEIN string
}

// StatementLine is one decoded bank-statement transaction.
type StatementLine struct {
	Date            time.Time
	Description     string
	Amount          decimal.Decimal
	TransactionType string // DEBIT or CREDIT
	Reference       string
}

// Statement is the decoded view of a bank-statement document.
type Statement struct {
	AccountNumber string
	Lines         []StatementLine
}

type rawPayload map[string]json.RawMessage

// unwrap tolerates both {"result": {...}} envelopes and bare objects,
// matching what the extraction pipeline actually produces.
func unwrap(raw []byte) (rawPayload, error) {
	var outer rawPayload
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("decode extraction payload: %w", err)
	}
	if inner, ok := outer["result"]; ok {
		var p rawPayload
		if err := json.Unmarshal(inner, &p); err == nil {
			return p, nil
		}
	}
	return outer, nil
}

// DecodeDocument decodes one extracted document of the given kind.
// clientEIN is used to infer direction from the buyer/vendor EIN fields.
func DecodeDocument(raw []byte, kind Kind, clientEIN string) (Document, error) {
	switch kind {
	case KindInvoice, KindReceipt, KindPaymentOrder, KindCollectionOrder, KindZReport:
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	p, err := unwrap(raw)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		Kind:      kind,
		Amount:    resolveAmount(p),
		Reference: firstString(p, referenceFields),
		Date:      resolveDate(p),
		buyerEIN:  normalizeEIN(firstString(p, []string{"buyer_ein", "buyer_cui"})),
		vendorEIN: normalizeEIN(firstString(p, []string{"vendor_ein", "vendor_cui", "seller_ein"})),
	}
	doc.Direction = doc.inferDirection(normalizeEIN(clientEIN))
	return doc, nil
}

// DecodeStatement decodes a bank-statement document into its lines.
func DecodeStatement(raw []byte) (Statement, error) {
	p, err := unwrap(raw)
	if err != nil {
		return Statement{}, err
	}
	st := Statement{AccountNumber: firstString(p, []string{"account_number", "iban"})}

	linesRaw, ok := p["transactions"]
	if !ok {
		return st, nil
	}
	var lines []rawPayload
	if err := json.Unmarshal(linesRaw, &lines); err != nil {
		return Statement{}, fmt.Errorf("decode statement transactions: %w", err)
	}
	for _, lp := range lines {
		line := StatementLine{
			Date:        resolveDate(lp),
			Description: firstString(lp, []string{"description", "details"}),
			Amount:      resolveAmount(lp),
			Reference:   firstString(lp, []string{"reference_number", "reference"}),
		}
		typ := strings.ToUpper(firstString(lp, []string{"transaction_type", "type"}))
		if typ != "DEBIT" && typ != "CREDIT" {
			// Fall back to the amount sign when the type field is absent.
			if amountSign(lp) < 0 {
				typ = "DEBIT"
			} else {
				typ = "CREDIT"
			}
		}
		line.TransactionType = typ
		st.Lines = append(st.Lines, line)
	}
	return st, nil
}

func (d Document) inferDirection(clientEIN string) Direction {
	if clientEIN == "" {
		return DirectionUnknown
	}
	switch {
	case d.buyerEIN == clientEIN:
		// The client bought: money flows out.
		return DirectionOutgoing
	case d.vendorEIN == clientEIN:
		// The client sold: money flows in.
		return DirectionIncoming
	}
	// Type-level defaults for documents without party EINs.
	switch d.Kind {
	case KindReceipt, KindPaymentOrder:
		return DirectionOutgoing
	case KindZReport, KindCollectionOrder:
		return DirectionIncoming
	}
	return DirectionUnknown
}

func resolveAmount(p rawPayload) decimal.Decimal {
	for _, field := range amountFields {
		raw, ok := p[field]
		if !ok {
			continue
		}
		if d, ok := decodeAmount(raw); ok && !d.IsZero() {
			return d.Abs()
		}
	}
	return decimal.Zero
}

func amountSign(p rawPayload) int {
	for _, field := range amountFields {
		if raw, ok := p[field]; ok {
			if d, ok := decodeAmount(raw); ok {
				return d.Sign()
			}
		}
	}
	return 0
}

func decodeAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if d, err := decimal.NewFromString(num.String()); err == nil {
			return d, true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
		if d, err := decimal.NewFromString(s); err == nil {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

func resolveDate(p rawPayload) time.Time {
	for _, field := range dateFields {
		raw, ok := p[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		for _, layout := range []string{"2006-01-02", time.RFC3339, "02-01-2006", "02.01.2006", "02/01/2006"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func firstString(p rawPayload, fields []string) string {
	for _, field := range fields {
		raw, ok := p[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		var num json.Number
		if err := json.Unmarshal(raw, &num); err == nil && num.String() != "" {
			return num.String()
		}
	}
	return ""
}

func normalizeEIN(ein string) string {
	ein = strings.ToUpper(strings.TrimSpace(ein))
	return strings.TrimPrefix(ein, "RO")
}
