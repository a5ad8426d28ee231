package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"finova.org/internal/auth"
	"finova.org/internal/ledger"
	"finova.org/internal/recon"
	"finova.org/internal/stream"
)

func newTestAPI(t *testing.T, opts ...Option) (*API, *ledger.InMemory, *recon.MemStore) {
	t.Helper()
	mem := ledger.NewInMemory()
	mem.AddClientRelation("RO123456", 1, 0)
	store := recon.NewMemStore(1)
	engine := recon.NewEngine(store, mem, nil, recon.DefaultWeights())
	a := New(ReadyProbe{}, "test", mem, engine, opts...)
	return a, mem, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzAndInfo(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	rr := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["service"] != "finova-ledger" {
		t.Fatalf("unexpected service name: %v", body["service"])
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/info", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("info: expected 200, got %d", rr.Code)
	}
}

func TestPostEntriesEndpointIdempotency(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	req := map[string]any{
		"accounting_client_id": 1,
		"posting_date":         "2025-03-10",
		"entries": []map[string]any{
			{"account_code": "627", "debit": "25.00"},
			{"account_code": "5121", "credit": "25.00"},
		},
		"source_type": "INVOICE_IN",
		"source_id":   "document-5",
		"posting_key": "document:5",
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/ledger/entries", req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var res ledger.PostResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Reused || len(res.Created) != 2 {
		t.Fatalf("unexpected first post result: %+v", res)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/ledger/entries", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !res.Reused {
		t.Fatalf("expected reused batch on replay")
	}
}

func TestPostEntriesEndpointRejectsBadInput(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	unbalanced := map[string]any{
		"accounting_client_id": 1,
		"posting_date":         "2025-03-10",
		"entries": []map[string]any{
			{"account_code": "627", "debit": "25.00"},
			{"account_code": "5121", "credit": "20.00"},
		},
		"source_type": "INVOICE_IN",
		"source_id":   "document-6",
		"posting_key": "document:6",
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/ledger/entries", unbalanced); rr.Code != http.StatusBadRequest {
		t.Fatalf("unbalanced: expected 400, got %d", rr.Code)
	}

	badSource := map[string]any{
		"accounting_client_id": 1,
		"posting_date":         "2025-03-10",
		"entries": []map[string]any{
			{"account_code": "627", "debit": "5"},
			{"account_code": "5121", "credit": "5"},
		},
		"source_type": "SOMETHING_ELSE",
		"source_id":   "document-7",
		"posting_key": "document:7",
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/ledger/entries", badSource); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad source type: expected 400, got %d", rr.Code)
	}

	if rr := doJSON(t, h, http.MethodPost, "/v1/ledger/entries", map[string]any{
		"accounting_client_id": 1,
		"unknown_field":        true,
	}); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rr.Code)
	}
}

func TestReverseDocumentEndpoint(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	post := map[string]any{
		"accounting_client_id": 1,
		"posting_date":         "2025-03-10",
		"entries": []map[string]any{
			{"account_code": "627", "debit": "25.00"},
			{"account_code": "5121", "credit": "25.00"},
		},
		"source_type": "INVOICE_IN",
		"source_id":   "document-5",
		"posting_key": "document:5",
		"links":       map[string]any{"document_id": 5},
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/ledger/entries", post); rr.Code != http.StatusCreated {
		t.Fatalf("seed post failed: %d", rr.Code)
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/ledger/documents/5/reverse", map[string]any{
		"accounting_client_id": 1,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("reverse: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res ledger.ReversalResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode reversal: %v", err)
	}
	if res.Reversed != 2 || res.OriginalEntries != 2 {
		t.Fatalf("unexpected reversal result: %+v", res)
	}
}

func TestUnpostEndpointRequiresLink(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/ledger/unpost", map[string]any{
		"accounting_client_id": 1,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without links, got %d", rr.Code)
	}
}

func TestGetLedgerEntriesEndpoint(t *testing.T) {
	a, _, _ := newTestAPI(t)
	h := a.Handler()

	post := map[string]any{
		"accounting_client_id": 1,
		"posting_date":         "2025-03-10",
		"entries": []map[string]any{
			{"account_code": "627", "debit": "25.00"},
			{"account_code": "5121", "credit": "25.00"},
		},
		"source_type": "INVOICE_IN",
		"source_id":   "document-5",
		"posting_key": "document:5",
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/ledger/entries", post); rr.Code != http.StatusCreated {
		t.Fatalf("seed post failed: %d", rr.Code)
	}

	rr := doJSON(t, h, http.MethodGet, "/v1/ledger/clients/RO123456/entries?account_code=627", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var page ledger.LedgerPage
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected page: total=%d items=%d", page.Total, len(page.Items))
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/ledger/clients/RO999999/entries", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown EIN: expected 404, got %d", rr.Code)
	}
}

func TestAuthMiddlewareGuardsAPI(t *testing.T) {
	svc, err := auth.NewService("test-secret-value")
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	mem := ledger.NewInMemory()
	mem.AddClientRelation("RO123456", 1, 3)
	store := recon.NewMemStore(1)
	engine := recon.NewEngine(store, mem, nil, recon.DefaultWeights())
	a := New(ReadyProbe{}, "test", mem, engine, WithAuth(svc), WithStream(stream.New()))
	h := a.Handler()

	rr := doJSON(t, h, http.MethodGet, "/v1/ledger/clients/RO123456/entries", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	if rr := doJSON(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rr.Code)
	}

	token, _, err := svc.GenerateToken("user-1", 3)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/ledger/clients/RO123456/entries", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerEnforcesRateLimit(t *testing.T) {
	a, _, _ := newTestAPI(t, WithRateLimit(1, 1))
	h := a.Handler()

	rr := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("throttled response must carry Retry-After")
	}
}
