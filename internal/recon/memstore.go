package recon

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store used by tests and local runs without
// a database.
type MemStore struct {
	mu           sync.Mutex
	docs         map[int64]Document
	txns         map[string]BankTransaction
	suggestions  map[string]Suggestion
	clientID     int64
	nextReconID  int64
	reconNotes   map[int64]string
	insertCalled int
}

var (
	_ Store    = (*MemStore)(nil)
	_ TxRunner = (*MemStore)(nil)
)

// WithinTx runs fn directly; the in-memory store has no transactions.
func (m *MemStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func NewMemStore(clientID int64) *MemStore {
	return &MemStore{
		docs:        make(map[int64]Document),
		txns:        make(map[string]BankTransaction),
		suggestions: make(map[string]Suggestion),
		reconNotes:  make(map[int64]string),
		clientID:    clientID,
	}
}

// AddDocument seeds one document.
func (m *MemStore) AddDocument(d Document) {
	if d.Status == "" {
		d.Status = StatusUnreconciled
	}
	m.docs[d.ID] = d
}

// AddTransaction seeds one bank transaction.
func (m *MemStore) AddTransaction(t BankTransaction) {
	if t.Status == "" {
		t.Status = StatusUnreconciled
	}
	m.txns[t.ID] = t
}

func (m *MemStore) DeletePendingSuggestions(ctx context.Context, clientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.suggestions {
		if s.AccountingClientID == clientID && s.Status == SuggestionPending {
			delete(m.suggestions, id)
		}
	}
	return nil
}

func (m *MemStore) UnreconciledDocuments(ctx context.Context, clientID int64) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, d := range m.docs {
		if d.Status == StatusUnreconciled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemStore) UnreconciledTransactions(ctx context.Context, clientID int64) ([]BankTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BankTransaction
	for _, t := range m.txns {
		if t.Status == StatusUnreconciled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemStore) InsertSuggestions(ctx context.Context, suggestions []Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalled++
	for _, s := range suggestions {
		m.suggestions[s.ID] = s
	}
	return nil
}

func (m *MemStore) ListPendingSuggestions(ctx context.Context, clientID int64) ([]Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Suggestion
	for _, s := range m.suggestions {
		if s.AccountingClientID == clientID && s.Status == SuggestionPending {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemStore) GetSuggestion(ctx context.Context, id string) (Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return Suggestion{}, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) UpdateSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	m.suggestions[id] = s
	return nil
}

func (m *MemStore) RejectSiblings(ctx context.Context, accepted Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.suggestions {
		if id == accepted.ID || s.Status != SuggestionPending {
			continue
		}
		sameTxn := s.BankTransactionID == accepted.BankTransactionID
		sameDoc := accepted.DocumentID != nil && s.DocumentID != nil && *s.DocumentID == *accepted.DocumentID
		if sameTxn || sameDoc {
			s.Status = SuggestionRejected
			m.suggestions[id] = s
		}
	}
	return nil
}

func (m *MemStore) GetDocument(ctx context.Context, clientID, documentID int64) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (m *MemStore) GetTransaction(ctx context.Context, clientID int64, txnID string) (BankTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	if !ok {
		return BankTransaction{}, ErrNotFound
	}
	return t, nil
}

func (m *MemStore) SetDocumentStatus(ctx context.Context, clientID, documentID int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[documentID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	m.docs[documentID] = d
	return nil
}

func (m *MemStore) SetTransactionStatus(ctx context.Context, clientID int64, txnID string, status Status, accountCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	if accountCode != "" {
		t.AccountCode = accountCode
		t.Standalone = true
	}
	m.txns[txnID] = t
	return nil
}

func (m *MemStore) CreateReconciliation(ctx context.Context, clientID int64, txnID string, documentID *int64, confidence float64, notes string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReconID++
	m.reconNotes[m.nextReconID] = notes
	return m.nextReconID, nil
}
