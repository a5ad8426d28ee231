package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"finova.org/internal/audit"
	"finova.org/internal/ledger"
	"finova.org/internal/obs"
	"finova.org/internal/stream"
)

type entryPayload struct {
	AccountCode string          `json:"account_code" validate:"required,max=16"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

type linksPayload struct {
	DocumentID        *int64  `json:"document_id,omitempty"`
	BankTransactionID *string `json:"bank_transaction_id,omitempty"`
	ReconciliationID  *int64  `json:"reconciliation_id,omitempty"`
}

type postEntriesRequest struct {
	AccountingClientID int64          `json:"accounting_client_id" validate:"required,gt=0"`
	PostingDate        string         `json:"posting_date" validate:"required"`
	Entries            []entryPayload `json:"entries" validate:"required,min=1,dive"`
	SourceType         string         `json:"source_type" validate:"required,oneof=INVOICE_IN INVOICE_OUT RECEIPT PAYMENT_ORDER COLLECTION_ORDER Z_REPORT MANUAL_ENTRY RECONCILIATION DOCUMENT_REVERSAL"`
	SourceID           string         `json:"source_id" validate:"required,max=128"`
	PostingKey         string         `json:"posting_key" validate:"required,max=256"`
	Links              linksPayload   `json:"links"`
}

type reverseRequest struct {
	AccountingClientID int64  `json:"accounting_client_id" validate:"required,gt=0"`
	PostingDate        string `json:"posting_date"`
}

type unpostRequest struct {
	AccountingClientID int64        `json:"accounting_client_id" validate:"required,gt=0"`
	Links              linksPayload `json:"links"`
}

func (a *API) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.postEntries(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleDocumentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/ledger/documents/")
	if !strings.HasSuffix(path, "/reverse") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	rawID := strings.TrimSuffix(path, "/reverse")
	docID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || docID <= 0 {
		writeError(w, r, http.StatusNotFound, "document not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.reverseDocument(w, r, docID)
}

func (a *API) handleUnpost(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.unpost(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleClientLedger(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/ledger/clients/")
	if !strings.HasSuffix(path, "/entries") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	ein := strings.TrimSuffix(path, "/entries")
	if ein == "" || strings.Contains(ein, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.getLedgerEntries(w, r, ein)
}

func (a *API) postEntries(w http.ResponseWriter, r *http.Request) {
	var req postEntriesRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	postingDate, err := parseDate(req.PostingDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "posting_date must be YYYY-MM-DD or RFC3339")
		return
	}

	entries := make([]ledger.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, ledger.Entry{AccountCode: e.AccountCode, Debit: e.Debit, Credit: e.Credit})
	}

	res, err := a.ledger.PostEntries(r.Context(), ledger.PostInput{
		AccountingClientID: req.AccountingClientID,
		PostingDate:        postingDate,
		Entries:            entries,
		SourceType:         ledger.SourceType(req.SourceType),
		SourceID:           req.SourceID,
		PostingKey:         req.PostingKey,
		Links: ledger.Links{
			DocumentID:        req.Links.DocumentID,
			BankTransactionID: req.Links.BankTransactionID,
			ReconciliationID:  req.Links.ReconciliationID,
		},
	})
	if err != nil {
		obs.PostingBatches.WithLabelValues("rejected").Inc()
		handleLedgerError(w, r, err)
		return
	}

	event := "ledger.post"
	code := http.StatusCreated
	if res.Reused {
		event = "ledger.post.idempotent_replay"
		code = http.StatusOK
		obs.PostingBatches.WithLabelValues("reused").Inc()
	} else {
		obs.PostingBatches.WithLabelValues("created").Inc()
		obs.PostingLegs.Add(float64(len(res.Created)))
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"accounting_client_id": req.AccountingClientID,
		"posting_key":          req.PostingKey,
		"legs":                 len(res.Created),
	})

	if a.stream != nil && !res.Reused {
		total := decimal.Zero
		for _, row := range res.Created {
			total = total.Add(row.Debit)
		}
		a.stream.Publish(stream.Event{
			Type:               stream.EventPostingCreated,
			AccountingClientID: req.AccountingClientID,
			PostingKey:         req.PostingKey,
			Amount:             total,
			Count:              len(res.Created),
		})
	}

	writeJSON(w, code, res)
}

func (a *API) reverseDocument(w http.ResponseWriter, r *http.Request, docID int64) {
	var req reverseRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	postingDate := time.Now().UTC()
	if req.PostingDate != "" {
		var err error
		postingDate, err = parseDate(req.PostingDate)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "posting_date must be YYYY-MM-DD or RFC3339")
			return
		}
	}

	res, err := a.ledger.ReverseDocumentEntries(r.Context(), req.AccountingClientID, docID, postingDate)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "ledger.reverse", map[string]any{
		"accounting_client_id": req.AccountingClientID,
		"document_id":          docID,
		"reversed":             res.Reversed,
	})
	if a.stream != nil && res.Reversed > 0 {
		a.stream.Publish(stream.Event{
			Type:               stream.EventPostingReversed,
			AccountingClientID: req.AccountingClientID,
			Count:              res.Reversed,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) unpost(w http.ResponseWriter, r *http.Request) {
	var req unpostRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.ledger.UnpostByLinks(r.Context(), ledger.UnpostInput{
		AccountingClientID: req.AccountingClientID,
		DocumentID:         req.Links.DocumentID,
		BankTransactionID:  req.Links.BankTransactionID,
		ReconciliationID:   req.Links.ReconciliationID,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "ledger.unpost", map[string]any{
		"accounting_client_id": req.AccountingClientID,
		"reversed":             res.Reversed,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) getLedgerEntries(w http.ResponseWriter, r *http.Request, ein string) {
	principal, ok := a.principal(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	q := ledger.LedgerQuery{AccountCode: strings.TrimSpace(r.URL.Query().Get("account_code"))}
	if raw := r.URL.Query().Get("start_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		q.StartDate = &t
	}
	if raw := r.URL.Query().Get("end_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		q.EndDate = &t
	}
	var err error
	q.Page, err = parsePositiveInt(r.URL.Query().Get("page"), 1, 1, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	q.Size, err = parsePositiveInt(r.URL.Query().Get("size"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "size must be between 1 and 500")
		return
	}

	page, err := a.ledger.GetLedgerEntries(r.Context(), ein, principal.AccountingCompanyID, q)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return errors.New("invalid field " + f.Field() + ": failed " + f.Tag() + " validation")
		}
		return err
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrEmptyBatch),
		errors.Is(err, ledger.ErrMissingKey),
		errors.Is(err, ledger.ErrUnbalanced),
		errors.Is(err, ledger.ErrNoLinks):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
