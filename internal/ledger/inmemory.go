package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finova.org/internal/ids"
)

type dailyKey struct {
	ClientID    int64
	AccountCode string
	Date        time.Time
}

type monthlyKey struct {
	ClientID    int64
	AccountCode string
	Year        int
	Month       int
}

type clientRelation struct {
	ClientID            int64
	AccountingCompanyID int64
}

// InMemory implements Service with in-process concurrency safety.
// It backs unit tests and local development; production uses pg.Store.
type InMemory struct {
	mu        sync.RWMutex
	rows      []LedgerEntry
	byBase    map[string][]string // base posting key -> row ids
	daily     map[dailyKey]decimal.Decimal
	monthly   map[monthlyKey]decimal.Decimal
	relations map[string]clientRelation // client EIN -> relation
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		byBase:    make(map[string][]string),
		daily:     make(map[dailyKey]decimal.Decimal),
		monthly:   make(map[monthlyKey]decimal.Decimal),
		relations: make(map[string]clientRelation),
	}
}

// AddClientRelation registers a client company EIN with the accounting
// company allowed to read its ledger.
func (s *InMemory) AddClientRelation(ein string, clientID, accountingCompanyID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[ein] = clientRelation{ClientID: clientID, AccountingCompanyID: accountingCompanyID}
}

func (s *InMemory) PostEntries(ctx context.Context, in PostInput) (PostResult, error) {
	if err := ValidatePostInput(in); err != nil {
		return PostResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rowIDs, ok := s.byBase[in.PostingKey]; ok {
		return PostResult{Created: s.rowsByID(rowIDs), Reused: true}, nil
	}

	created := make([]LedgerEntry, 0, len(in.Entries))
	rowIDs := make([]string, 0, len(in.Entries))
	now := time.Now().UTC()
	for i, e := range in.Entries {
		row := LedgerEntry{
			ID:                 ids.New(),
			AccountingClientID: in.AccountingClientID,
			PostingDate:        in.PostingDate,
			AccountCode:        e.AccountCode,
			Debit:              e.Debit,
			Credit:             e.Credit,
			Currency:           DefaultCurrency,
			SourceType:         in.SourceType,
			SourceID:           in.SourceID,
			PostingKey:         LegKey(in.PostingKey, i),
			DocumentID:         in.Links.DocumentID,
			BankTransactionID:  in.Links.BankTransactionID,
			ReconciliationID:   in.Links.ReconciliationID,
			CreatedAt:          now,
		}
		s.rows = append(s.rows, row)
		s.applyDelta(in.AccountingClientID, e.AccountCode, in.PostingDate, e.Delta())
		created = append(created, row)
		rowIDs = append(rowIDs, row.ID)
	}
	s.byBase[in.PostingKey] = rowIDs
	return PostResult{Created: created, Reused: false}, nil
}

func (s *InMemory) ReverseDocumentEntries(ctx context.Context, accountingClientID, documentID int64, postingDate time.Time) (ReversalResult, error) {
	s.mu.RLock()
	var originals []LedgerEntry
	for _, row := range s.rows {
		if row.AccountingClientID == accountingClientID && row.DocumentID != nil && *row.DocumentID == documentID {
			originals = append(originals, row)
		}
	}
	s.mu.RUnlock()

	if len(originals) == 0 {
		return ReversalResult{Reversed: 0, Message: "no entries to reverse"}, nil
	}

	docID := documentID
	res, err := s.PostEntries(ctx, PostInput{
		AccountingClientID: accountingClientID,
		PostingDate:        postingDate,
		Entries:            MirrorEntries(originals),
		SourceType:         SourceDocumentReversal,
		SourceID:           fmt.Sprintf("document-%d", documentID),
		PostingKey:         ReversalKey(documentID, time.Now()),
		Links:              Links{DocumentID: &docID},
	})
	if err != nil {
		return ReversalResult{}, err
	}
	return ReversalResult{
		Reversed:        len(res.Created),
		OriginalEntries: len(originals),
		Message:         fmt.Sprintf("reversed %d ledger entries for document %d", len(res.Created), documentID),
	}, nil
}

func (s *InMemory) UnpostByLinks(ctx context.Context, in UnpostInput) (UnpostResult, error) {
	if (Links{DocumentID: in.DocumentID, BankTransactionID: in.BankTransactionID, ReconciliationID: in.ReconciliationID}).Empty() {
		return UnpostResult{}, ErrNoLinks
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	reversed := 0
	for _, row := range s.rows {
		if !matchLinks(row, in) {
			kept = append(kept, row)
			continue
		}
		s.applyDelta(row.AccountingClientID, row.AccountCode, row.PostingDate, row.Delta().Neg())
		s.dropFromBase(row)
		reversed++
	}
	s.rows = kept
	return UnpostResult{Reversed: reversed}, nil
}

func (s *InMemory) GetLedgerEntries(ctx context.Context, clientEIN string, accountingCompanyID int64, q LedgerQuery) (LedgerPage, error) {
	q = NormalizeQuery(q)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, ok := s.relations[clientEIN]
	if !ok {
		return LedgerPage{}, ErrNotFound
	}
	if rel.AccountingCompanyID != accountingCompanyID {
		return LedgerPage{}, ErrUnauthorized
	}

	var matched []LedgerEntry
	for _, row := range s.rows {
		if row.AccountingClientID != rel.ClientID {
			continue
		}
		if q.StartDate != nil && row.PostingDate.Before(*q.StartDate) {
			continue
		}
		if q.EndDate != nil && row.PostingDate.After(*q.EndDate) {
			continue
		}
		if q.AccountCode != "" && row.AccountCode != q.AccountCode {
			continue
		}
		matched = append(matched, row)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].PostingDate.Equal(matched[j].PostingDate) {
			return matched[i].PostingDate.After(matched[j].PostingDate)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := (q.Page - 1) * q.Size
	if start > total {
		start = total
	}
	end := start + q.Size
	if end > total {
		end = total
	}
	return LedgerPage{Items: matched[start:end], Total: total, Page: q.Page, Size: q.Size}, nil
}

// DailyBalance returns the running daily ending balance.
func (s *InMemory) DailyBalance(clientID int64, accountCode string, day time.Time) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daily[dailyKey{ClientID: clientID, AccountCode: accountCode, Date: DayOf(day)}]
}

// MonthlyBalance returns the running monthly ending balance.
func (s *InMemory) MonthlyBalance(clientID int64, accountCode string, year, month int) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monthly[monthlyKey{ClientID: clientID, AccountCode: accountCode, Year: year, Month: month}]
}

// EntriesByDocument returns the rows linked to a document, oldest first.
func (s *InMemory) EntriesByDocument(clientID, documentID int64) []LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LedgerEntry
	for _, row := range s.rows {
		if row.AccountingClientID == clientID && row.DocumentID != nil && *row.DocumentID == documentID {
			out = append(out, row)
		}
	}
	return out
}

func (s *InMemory) applyDelta(clientID int64, accountCode string, postingDate time.Time, delta decimal.Decimal) {
	dk := dailyKey{ClientID: clientID, AccountCode: accountCode, Date: DayOf(postingDate)}
	s.daily[dk] = s.daily[dk].Add(delta)

	mk := monthlyKey{ClientID: clientID, AccountCode: accountCode, Year: postingDate.UTC().Year(), Month: int(postingDate.UTC().Month())}
	s.monthly[mk] = s.monthly[mk].Add(delta)
}

func (s *InMemory) dropFromBase(row LedgerEntry) {
	for base, rowIDs := range s.byBase {
		for i, id := range rowIDs {
			if id == row.ID {
				s.byBase[base] = append(rowIDs[:i], rowIDs[i+1:]...)
				if len(s.byBase[base]) == 0 {
					delete(s.byBase, base)
				}
				return
			}
		}
	}
}

func (s *InMemory) rowsByID(rowIDs []string) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(rowIDs))
	for _, id := range rowIDs {
		for _, row := range s.rows {
			if row.ID == id {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// matchLinks applies exact-triple semantics: a nil filter only matches
// rows where that link is absent, so unposting a document batch never
// touches settlement rows carrying extra links.
func matchLinks(row LedgerEntry, in UnpostInput) bool {
	if row.AccountingClientID != in.AccountingClientID {
		return false
	}
	return sameInt64Link(row.DocumentID, in.DocumentID) &&
		sameStringLink(row.BankTransactionID, in.BankTransactionID) &&
		sameInt64Link(row.ReconciliationID, in.ReconciliationID)
}

func sameInt64Link(have, want *int64) bool {
	if have == nil || want == nil {
		return have == nil && want == nil
	}
	return *have == *want
}

func sameStringLink(have, want *string) bool {
	if have == nil || want == nil {
		return have == nil && want == nil
	}
	return *have == *want
}

// Delta is the balance contribution of the persisted leg.
func (e LedgerEntry) Delta() decimal.Decimal { return e.Debit.Sub(e.Credit) }
