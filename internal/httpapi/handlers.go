package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"finova.org/internal/auth"
	"finova.org/internal/extract"
	"finova.org/internal/ledger"
	"finova.org/internal/obs"
	"finova.org/internal/recon"
	"finova.org/internal/stream"
	"finova.org/internal/work"
)

// ReadyProbe reports readiness (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// IngestStore persists extracted documents and bank-statement lines so the
// matching engine can see them.
type IngestStore interface {
	UpsertDocument(ctx context.Context, accountingClientID int64, d recon.Document) (int64, error)
	ReplaceStatementTransactions(ctx context.Context, accountingClientID, statementDocumentID int64, lines []extract.StatementLine) (int, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	ledger   ledger.Service
	engine   *recon.Engine
	auth     *auth.Service
	stream   *stream.Stream
	queue    *work.Queue
	ingest   IngestStore
	validate *validator.Validate

	rateBurst  int
	ratePerSec int
}

// Option wires optional collaborators into the API.
type Option func(*API)

func WithAuth(svc *auth.Service) Option  { return func(a *API) { a.auth = svc } }
func WithStream(s *stream.Stream) Option { return func(a *API) { a.stream = s } }
func WithQueue(q *work.Queue) Option     { return func(a *API) { a.queue = q } }
func WithIngest(s IngestStore) Option    { return func(a *API) { a.ingest = s } }

// WithRateLimit overrides the default per-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) { a.rateBurst, a.ratePerSec = burst, perSecond }
}

func New(rp ReadyProbe, version string, ledgerSvc ledger.Service, engine *recon.Engine, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		ledger:     ledgerSvc,
		engine:     engine,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		rateBurst:  100,
		ratePerSec: 50,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// posting engine
	a.mux.HandleFunc("/v1/ledger/entries", a.handleLedgerEntries)
	a.mux.HandleFunc("/v1/ledger/documents/", a.handleDocumentResource)
	a.mux.HandleFunc("/v1/ledger/unpost", a.handleUnpost)
	a.mux.HandleFunc("/v1/ledger/clients/", a.handleClientLedger)

	// ingestion
	a.mux.HandleFunc("/v1/documents", a.handleDocumentsCollection)
	a.mux.HandleFunc("/v1/bank/statements", a.handleStatements)

	// reconciliation
	a.mux.HandleFunc("/v1/reconciliation/", a.handleReconciliation)

	// SSE event stream
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "finova-ledger",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "finova-ledger",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
