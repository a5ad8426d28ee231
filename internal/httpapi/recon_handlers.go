package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"finova.org/internal/audit"
	"finova.org/internal/extract"
	"finova.org/internal/recon"
	"finova.org/internal/stream"
	"finova.org/internal/work"
)

type suggestionDecisionRequest struct {
	Notes  string `json:"notes,omitempty" validate:"max=512"`
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

type ingestDocumentRequest struct {
	AccountingClientID int64           `json:"accounting_client_id" validate:"required,gt=0"`
	DocumentID         int64           `json:"document_id" validate:"required,gt=0"`
	Kind               string          `json:"kind" validate:"required"`
	ClientEIN          string          `json:"client_ein" validate:"required,max=16"`
	Payload            json.RawMessage `json:"payload" validate:"required"`
}

type ingestStatementRequest struct {
	AccountingClientID  int64           `json:"accounting_client_id" validate:"required,gt=0"`
	StatementDocumentID int64           `json:"statement_document_id" validate:"required,gt=0"`
	Payload             json.RawMessage `json:"payload" validate:"required"`
}

type manualMatchRequest struct {
	BankTransactionID string `json:"bank_transaction_id" validate:"required,max=64"`
	DocumentID        *int64 `json:"document_id,omitempty" validate:"omitempty,gt=0"`
	AccountCode       string `json:"account_code,omitempty" validate:"max=16"`
	Notes             string `json:"notes,omitempty" validate:"max=512"`
}

type bulkMatchRequest struct {
	Matches []manualMatchRequest `json:"matches" validate:"required,min=1,max=100,dive"`
}

// handleReconciliation dispatches /v1/reconciliation/... subroutes:
//
//	POST /v1/reconciliation/{clientID}/generate
//	GET  /v1/reconciliation/{clientID}/suggestions
//	POST /v1/reconciliation/{clientID}/matches
//	POST /v1/reconciliation/{clientID}/matches/bulk
//	POST /v1/reconciliation/suggestions/{id}/accept
//	POST /v1/reconciliation/suggestions/{id}/reject
func (a *API) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/reconciliation/")

	if rest, ok := strings.CutPrefix(path, "suggestions/"); ok {
		switch {
		case strings.HasSuffix(rest, "/accept"):
			a.decideSuggestion(w, r, strings.TrimSuffix(rest, "/accept"), true)
		case strings.HasSuffix(rest, "/reject"):
			a.decideSuggestion(w, r, strings.TrimSuffix(rest, "/reject"), false)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
		return
	}

	switch {
	case strings.HasSuffix(path, "/generate"):
		a.generateSuggestions(w, r, strings.TrimSuffix(path, "/generate"))
	case strings.HasSuffix(path, "/suggestions"):
		a.listSuggestions(w, r, strings.TrimSuffix(path, "/suggestions"))
	case strings.HasSuffix(path, "/matches/bulk"):
		a.createBulkMatches(w, r, strings.TrimSuffix(path, "/matches/bulk"))
	case strings.HasSuffix(path, "/matches"):
		a.createManualMatch(w, r, strings.TrimSuffix(path, "/matches"))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) generateSuggestions(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	clientID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || clientID <= 0 {
		writeError(w, r, http.StatusNotFound, "client not found")
		return
	}

	if err := a.engine.GenerateSuggestions(r.Context(), clientID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "suggestion generation failed")
		return
	}
	suggestions, err := a.engine.ListPendingSuggestions(r.Context(), clientID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "reconciliation.generate", map[string]any{
		"accounting_client_id": clientID,
		"suggestions":          len(suggestions),
	})
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Type:               stream.EventSuggestionsGenerated,
			AccountingClientID: clientID,
			Count:              len(suggestions),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": emptyIfNil(suggestions),
		"count":       len(suggestions),
	})
}

func (a *API) listSuggestions(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	clientID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || clientID <= 0 {
		writeError(w, r, http.StatusNotFound, "client not found")
		return
	}

	suggestions, err := a.engine.ListPendingSuggestions(r.Context(), clientID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": emptyIfNil(suggestions),
		"count":       len(suggestions),
	})
}

func (a *API) decideSuggestion(w http.ResponseWriter, r *http.Request, id string, accept bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "suggestion not found")
		return
	}

	var req suggestionDecisionRequest
	if r.ContentLength != 0 {
		if err := a.decodeValid(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	var (
		sg    recon.Suggestion
		err   error
		event string
		kind  string
	)
	if accept {
		sg, err = a.engine.AcceptSuggestion(r.Context(), id, req.Notes)
		event, kind = "reconciliation.suggestion.accept", stream.EventSuggestionAccepted
	} else {
		sg, err = a.engine.RejectSuggestion(r.Context(), id, req.Reason)
		event, kind = "reconciliation.suggestion.reject", stream.EventSuggestionRejected
	}
	if err != nil {
		handleReconError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"suggestion_id":        sg.ID,
		"accounting_client_id": sg.AccountingClientID,
		"bank_transaction_id":  sg.BankTransactionID,
	})
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Type:               kind,
			AccountingClientID: sg.AccountingClientID,
			SuggestionID:       sg.ID,
		})
	}

	// Accepting or rejecting frees counterparts; refresh the remaining
	// suggestions off the request path.
	a.enqueueRegenerate(sg.AccountingClientID)

	writeJSON(w, http.StatusOK, sg)
}

// enqueueRegenerate schedules a background suggestion refresh for the
// client. Dropped silently when the API runs without a queue.
func (a *API) enqueueRegenerate(clientID int64) {
	if a.queue == nil {
		return
	}
	_ = a.queue.Enqueue(work.Job{
		Name: fmt.Sprintf("regenerate-suggestions-%d", clientID),
		Run: func(ctx context.Context) error {
			return a.engine.GenerateSuggestions(ctx, clientID)
		},
	})
}

func (a *API) createManualMatch(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	clientID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || clientID <= 0 {
		writeError(w, r, http.StatusNotFound, "client not found")
		return
	}

	var req manualMatchRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sg, err := a.engine.CreateManualMatch(r.Context(), recon.ManualMatchInput{
		AccountingClientID: clientID,
		BankTransactionID:  req.BankTransactionID,
		DocumentID:         req.DocumentID,
		AccountCode:        req.AccountCode,
		Notes:              req.Notes,
	})
	if err != nil {
		handleReconError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "reconciliation.manual_match", map[string]any{
		"accounting_client_id": clientID,
		"bank_transaction_id":  sg.BankTransactionID,
		"document_id":          req.DocumentID,
	})
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Type:               stream.EventMatchCreated,
			AccountingClientID: clientID,
		})
	}
	a.enqueueRegenerate(clientID)

	writeJSON(w, http.StatusCreated, sg)
}

func (a *API) createBulkMatches(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	clientID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || clientID <= 0 {
		writeError(w, r, http.StatusNotFound, "client not found")
		return
	}

	var req bulkMatchRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	inputs := make([]recon.ManualMatchInput, 0, len(req.Matches))
	for _, m := range req.Matches {
		inputs = append(inputs, recon.ManualMatchInput{
			AccountingClientID: clientID,
			BankTransactionID:  m.BankTransactionID,
			DocumentID:         m.DocumentID,
			AccountCode:        m.AccountCode,
			Notes:              m.Notes,
		})
	}

	res, err := a.engine.CreateBulkMatches(r.Context(), inputs)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "reconciliation.bulk_match", map[string]any{
		"accounting_client_id": clientID,
		"matched":              res.Matched,
		"errors":               len(res.Errors),
	})
	if res.Matched > 0 {
		if a.stream != nil {
			a.stream.Publish(stream.Event{
				Type:               stream.EventMatchCreated,
				AccountingClientID: clientID,
				Count:              res.Matched,
			})
		}
		a.enqueueRegenerate(clientID)
	}

	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDocumentsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, "document ingestion disabled")
		return
	}

	var req ingestDocumentRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	decoded, err := extract.DecodeDocument(req.Payload, extract.Kind(req.Kind), req.ClientEIN)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedKind) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, "malformed extraction payload")
		return
	}

	doc := recon.Document{
		ID:        req.DocumentID,
		Kind:      decoded.Kind,
		Direction: decoded.Direction,
		Amount:    decoded.Amount,
		Reference: decoded.Reference,
		Date:      decoded.Date,
		Status:    recon.StatusUnreconciled,
	}
	id, err := a.ingest.UpsertDocument(r.Context(), req.AccountingClientID, doc)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "document.ingest", map[string]any{
		"accounting_client_id": req.AccountingClientID,
		"document_id":          id,
		"kind":                 req.Kind,
	})
	// A fresh document may pair with already-imported transactions.
	a.enqueueRegenerate(req.AccountingClientID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"document_id": id,
		"kind":        decoded.Kind,
		"direction":   decoded.Direction,
		"amount":      decoded.Amount,
		"reference":   decoded.Reference,
	})
}

func (a *API) handleStatements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, "statement ingestion disabled")
		return
	}

	var req ingestStatementRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	st, err := extract.DecodeStatement(req.Payload)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed statement payload")
		return
	}

	n, err := a.ingest.ReplaceStatementTransactions(r.Context(), req.AccountingClientID, req.StatementDocumentID, st.Lines)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "statement.ingest", map[string]any{
		"accounting_client_id":  req.AccountingClientID,
		"statement_document_id": req.StatementDocumentID,
		"imported":              n,
	})
	a.enqueueRegenerate(req.AccountingClientID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"imported":       n,
		"account_number": st.AccountNumber,
	})
}

func handleReconError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, recon.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, recon.ErrNotPending), errors.Is(err, recon.ErrAlreadyReconciled):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, recon.ErrNoMatchTarget):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func emptyIfNil(s []recon.Suggestion) []recon.Suggestion {
	if s == nil {
		return []recon.Suggestion{}
	}
	return s
}
