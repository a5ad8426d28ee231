package categorize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"finova.org/internal/obs"
)

// RemoteSuggester calls an external account-suggestion service and degrades
// to the rule-based fallback on any failure. It never blocks a run: the
// call is bounded by its own timeout regardless of the caller's context.
type RemoteSuggester struct {
	baseURL  string
	client   *http.Client
	fallback Suggester
	timeout  time.Duration
}

var _ Suggester = (*RemoteSuggester)(nil)

// RemoteOption configures RemoteSuggester.
type RemoteOption func(*RemoteSuggester)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteSuggester) {
		if c != nil {
			r.client = c
		}
	}
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteSuggester) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRemoteSuggester wires the remote service with its local fallback.
func NewRemoteSuggester(baseURL string, opts ...RemoteOption) *RemoteSuggester {
	r := &RemoteSuggester{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		fallback: RuleSuggester{},
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type remoteRequest struct {
	Description     string `json:"description"`
	Amount          string `json:"amount"`
	TransactionType string `json:"transaction_type"`
	Reference       string `json:"reference,omitempty"`
}

type remoteResponse struct {
	Suggestions []AccountSuggestion `json:"suggestions"`
}

func (r *RemoteSuggester) SuggestAccount(ctx context.Context, txn TransactionInfo) []AccountSuggestion {
	suggestions, err := r.call(ctx, txn)
	if err != nil || len(suggestions) == 0 {
		if err != nil {
			obs.Logger().WithError(err).Warn("account suggestion service unavailable, using rule fallback")
		}
		return r.fallback.SuggestAccount(ctx, txn)
	}
	return suggestions
}

func (r *RemoteSuggester) call(ctx context.Context, txn TransactionInfo) ([]AccountSuggestion, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("no suggestion service configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequest{
		Description:     txn.Description,
		Amount:          txn.Amount.StringFixed(2),
		TransactionType: txn.TransactionType,
		Reference:       txn.Reference,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/account-suggestions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("suggestion service returned %d", resp.StatusCode)
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Suggestions, nil
}
