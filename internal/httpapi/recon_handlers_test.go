package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finova.org/internal/extract"
	"finova.org/internal/recon"
	"finova.org/internal/work"
)

type fakeIngest struct {
	docs  map[int64]recon.Document
	lines map[int64][]extract.StatementLine
}

func newFakeIngest() *fakeIngest {
	return &fakeIngest{
		docs:  make(map[int64]recon.Document),
		lines: make(map[int64][]extract.StatementLine),
	}
}

func (f *fakeIngest) UpsertDocument(ctx context.Context, clientID int64, d recon.Document) (int64, error) {
	f.docs[d.ID] = d
	return d.ID, nil
}

func (f *fakeIngest) ReplaceStatementTransactions(ctx context.Context, clientID, stmtDocID int64, lines []extract.StatementLine) (int, error) {
	f.lines[stmtDocID] = lines
	return len(lines), nil
}

func TestGenerateAndListSuggestions(t *testing.T) {
	a, _, store := newTestAPI(t)
	h := a.Handler()

	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	store.AddDocument(recon.Document{
		ID: 12, Kind: extract.KindInvoice, Direction: extract.DirectionOutgoing,
		Amount: decimal.RequireFromString("119.00"), Reference: "FAC-1001", Date: date,
	})
	store.AddTransaction(recon.BankTransaction{
		ID: "txn-1", Date: date, Description: "plata factura FAC-1001",
		Amount: decimal.RequireFromString("119.00"), TransactionType: recon.TypeDebit,
		Reference: "FAC-1001",
	})

	rr := doJSON(t, h, http.MethodPost, "/v1/reconciliation/1/generate", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("generate: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Suggestions []recon.Suggestion `json:"suggestions"`
		Count       int                `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode generate: %v", err)
	}
	if res.Count == 0 {
		t.Fatalf("expected at least one suggestion")
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/reconciliation/1/suggestions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if res.Count == 0 {
		t.Fatalf("expected pending suggestions in list")
	}
}

func TestAcceptSuggestionEndpoint(t *testing.T) {
	a, mem, store := newTestAPI(t)
	h := a.Handler()

	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	store.AddDocument(recon.Document{
		ID: 12, Kind: extract.KindInvoice, Direction: extract.DirectionOutgoing,
		Amount: decimal.RequireFromString("200.00"), Reference: "FAC-7", Date: date,
	})
	store.AddTransaction(recon.BankTransaction{
		ID: "txn-7", Date: date, Description: "incasare FAC-7",
		Amount: decimal.RequireFromString("200.00"), TransactionType: recon.TypeCredit,
		Reference: "FAC-7",
	})

	if rr := doJSON(t, h, http.MethodPost, "/v1/reconciliation/1/generate", nil); rr.Code != http.StatusOK {
		t.Fatalf("generate failed: %d", rr.Code)
	}
	pending, err := a.engine.ListPendingSuggestions(context.Background(), 1)
	if err != nil || len(pending) == 0 {
		t.Fatalf("no pending suggestions: %v", err)
	}
	var target recon.Suggestion
	for _, s := range pending {
		if s.HasDocument() {
			target = s
			break
		}
	}
	if target.ID == "" {
		t.Fatalf("expected a document-backed suggestion")
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/reconciliation/suggestions/"+target.ID+"/accept",
		map[string]any{"notes": "looks right"})
	if rr.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var accepted recon.Suggestion
	if err := json.Unmarshal(rr.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if accepted.Status != recon.SuggestionAccepted {
		t.Fatalf("expected ACCEPTED, got %s", accepted.Status)
	}
	if rows := mem.EntriesByDocument(1, 12); len(rows) == 0 {
		t.Fatalf("expected ledger rows posted on acceptance")
	}

	// Double accept conflicts.
	rr = doJSON(t, h, http.MethodPost, "/v1/reconciliation/suggestions/"+target.ID+"/accept", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("double accept: expected 409, got %d", rr.Code)
	}
}

func TestAcceptUnknownSuggestionReturns404(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/reconciliation/suggestions/nope/accept", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestIngestDocumentEndpoint(t *testing.T) {
	ingest := newFakeIngest()
	a, _, _ := newTestAPI(t, WithIngest(ingest))
	h := a.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/documents", map[string]any{
		"accounting_client_id": 1,
		"document_id":          42,
		"kind":                 "Invoice",
		"client_ein":           "RO123456",
		"payload": map[string]any{
			"total_amount":    "119.00",
			"document_number": "FAC-1001",
			"document_date":   "2024-03-10",
			"buyer_ein":       "RO123456",
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	d, ok := ingest.docs[42]
	if !ok {
		t.Fatalf("document was not stored")
	}
	if d.Direction != extract.DirectionOutgoing {
		t.Fatalf("buyer EIN equals client: expected outgoing, got %s", d.Direction)
	}
	if !d.Amount.Equal(decimal.RequireFromString("119.00")) {
		t.Fatalf("unexpected amount: %s", d.Amount)
	}
}

func TestIngestDocumentRejectsUnknownKind(t *testing.T) {
	a, _, _ := newTestAPI(t, WithIngest(newFakeIngest()))
	h := a.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/documents", map[string]any{
		"accounting_client_id": 1,
		"document_id":          42,
		"kind":                 "Bank Statement",
		"client_ein":           "RO123456",
		"payload":              map[string]any{"total_amount": "1"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for statement kind, got %d", rr.Code)
	}
}

func TestIngestStatementEndpoint(t *testing.T) {
	ingest := newFakeIngest()
	a, _, _ := newTestAPI(t, WithIngest(ingest))
	h := a.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/bank/statements", map[string]any{
		"accounting_client_id":  1,
		"statement_document_id": 30,
		"payload": map[string]any{
			"account_number": "RO49AAAA1B31007593840000",
			"transactions": []map[string]any{
				{"date": "2024-03-10", "description": "comision administrare", "amount": "-12.50"},
				{"date": "2024-03-11", "description": "incasare client", "amount": "300.00", "transaction_type": "CREDIT"},
			},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	lines := ingest.lines[30]
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines stored, got %d", len(lines))
	}
	if lines[0].TransactionType != "DEBIT" {
		t.Fatalf("negative amount must infer DEBIT, got %s", lines[0].TransactionType)
	}
}

func TestIngestDisabledReturns503(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/bank/statements", map[string]any{
		"accounting_client_id":  1,
		"statement_document_id": 30,
		"payload":               map[string]any{},
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when ingestion is disabled, got %d", rr.Code)
	}
}

func TestIngestDocumentRefreshesSuggestions(t *testing.T) {
	q := work.NewQueue(8)
	a, _, store := newTestAPI(t, WithIngest(newFakeIngest()), WithQueue(q))
	h := a.Handler()

	// An already-imported transaction waits for something to pair with.
	store.AddTransaction(recon.BankTransaction{
		ID:              "t-wait",
		Amount:          decimal.RequireFromString("119.00"),
		Date:            time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		TransactionType: recon.TypeDebit,
		Description:     "plata FAC-1001",
	})

	rr := doJSON(t, h, http.MethodPost, "/v1/documents", map[string]any{
		"accounting_client_id": 1,
		"document_id":          42,
		"kind":                 "Invoice",
		"client_ein":           "RO123456",
		"payload": map[string]any{
			"total_amount":    "119.00",
			"document_number": "FAC-1001",
			"document_date":   "2024-03-10",
			"buyer_ein":       "RO123456",
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	// Draining the queue runs the scheduled refresh.
	q.Close()
	pending, err := store.ListPendingSuggestions(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) == 0 {
		t.Fatalf("ingesting a document must schedule a suggestion refresh")
	}
}

func TestManualMatchEndpoint(t *testing.T) {
	a, mem, store := newTestAPI(t)
	h := a.Handler()

	store.AddDocument(recon.Document{
		ID: 42, Kind: extract.KindInvoice, Direction: extract.DirectionOutgoing,
		Amount: decimal.RequireFromString("119.00"), Reference: "FAC-1001",
		Date: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	store.AddTransaction(recon.BankTransaction{
		ID:              "t-1001",
		Amount:          decimal.RequireFromString("119.00"),
		Date:            time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
		TransactionType: recon.TypeDebit,
		Description:     "plata factura",
	})

	rr := doJSON(t, h, http.MethodPost, "/v1/reconciliation/1/matches", map[string]any{
		"bank_transaction_id": "t-1001",
		"document_id":         42,
		"notes":               "confirmed by phone",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var sg recon.Suggestion
	if err := json.Unmarshal(rr.Body.Bytes(), &sg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sg.Status != recon.SuggestionAccepted || sg.Confidence != 1 {
		t.Fatalf("manual match: status=%s confidence=%v", sg.Status, sg.Confidence)
	}
	if rows := mem.EntriesByDocument(1, 42); len(rows) == 0 {
		t.Fatalf("manual match must post settlement legs")
	}

	// The pair is settled; matching it again conflicts.
	rr = doJSON(t, h, http.MethodPost, "/v1/reconciliation/1/matches", map[string]any{
		"bank_transaction_id": "t-1001",
		"document_id":         42,
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on a settled pair, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestManualMatchWithoutTargetReturns400(t *testing.T) {
	a, _, store := newTestAPI(t)
	h := a.Handler()

	store.AddTransaction(recon.BankTransaction{
		ID: "t-naked", Amount: decimal.RequireFromString("10.00"),
		Date: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), TransactionType: recon.TypeDebit,
	})
	rr := doJSON(t, h, http.MethodPost, "/v1/reconciliation/1/matches", map[string]any{
		"bank_transaction_id": "t-naked",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a target, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBulkMatchEndpoint(t *testing.T) {
	a, _, store := newTestAPI(t)
	h := a.Handler()

	store.AddTransaction(recon.BankTransaction{
		ID:              "t-fee",
		Amount:          decimal.RequireFromString("12.50"),
		Date:            time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
		TransactionType: recon.TypeDebit,
		Description:     "comision administrare",
	})

	rr := doJSON(t, h, http.MethodPost, "/v1/reconciliation/1/matches/bulk", map[string]any{
		"matches": []map[string]any{
			{"bank_transaction_id": "t-fee", "account_code": "627"},
			{"bank_transaction_id": "t-gone", "account_code": "627"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res recon.BulkMatchResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Matched != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Errors[0].BankTransactionID != "t-gone" {
		t.Fatalf("wrong failing pair: %+v", res.Errors)
	}
}
