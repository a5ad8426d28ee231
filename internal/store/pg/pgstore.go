package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"finova.org/internal/ids"
	"finova.org/internal/ledger"
)

// querier is satisfied by *sql.DB and *sql.Tx so store methods can run
// either standalone or inside a WithinTx scope.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL implementation of the posting engine and the
// reconciliation persistence surface.
type Store struct {
	db *sql.DB
	q  querier
}

var _ ledger.Service = (*Store)(nil)

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, q: db}, nil
}

// NewStore wraps an existing handle (tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db, q: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const ledgerColumns = `id, accounting_client_id, posting_date, account_code, debit, credit,
	currency, source_type, source_id, posting_key, document_id, bank_transaction_id,
	reconciliation_id, created_at`

func (s *Store) PostEntries(ctx context.Context, in ledger.PostInput) (ledger.PostResult, error) {
	if err := ledger.ValidatePostInput(in); err != nil {
		return ledger.PostResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.PostResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: an existing batch under this base key wins outright.
	// Leg keys are {base}:{i}; length-first ordering restores creation
	// order even past ten legs.
	existing, err := scanEntries(tx.QueryContext(ctx,
		`select `+ledgerColumns+` from ledger_entries where base_key=$1 order by length(posting_key), posting_key`,
		in.PostingKey))
	if err != nil {
		return ledger.PostResult{}, err
	}
	if len(existing) > 0 {
		return ledger.PostResult{Created: existing, Reused: true}, nil
	}

	created := make([]ledger.LedgerEntry, 0, len(in.Entries))
	for i, e := range in.Entries {
		row := ledger.LedgerEntry{
			ID:                 ids.New(),
			AccountingClientID: in.AccountingClientID,
			PostingDate:        in.PostingDate,
			AccountCode:        e.AccountCode,
			Debit:              e.Debit,
			Credit:             e.Credit,
			Currency:           ledger.DefaultCurrency,
			SourceType:         in.SourceType,
			SourceID:           in.SourceID,
			PostingKey:         ledger.LegKey(in.PostingKey, i),
			DocumentID:         in.Links.DocumentID,
			BankTransactionID:  in.Links.BankTransactionID,
			ReconciliationID:   in.Links.ReconciliationID,
			CreatedAt:          time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			insert into ledger_entries(
				id, accounting_client_id, posting_date, account_code, debit, credit,
				currency, source_type, source_id, posting_key, base_key,
				document_id, bank_transaction_id, reconciliation_id)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, row.ID, row.AccountingClientID, row.PostingDate, row.AccountCode, row.Debit, row.Credit,
			row.Currency, row.SourceType, row.SourceID, row.PostingKey, in.PostingKey,
			row.DocumentID, row.BankTransactionID, row.ReconciliationID); err != nil {
			// A concurrent caller with the same key got there first: the
			// unique index on posting_key turns the race into a reuse.
			if isUniqueViolation(err) {
				_ = tx.Rollback()
				return s.reusedBatch(ctx, in.PostingKey)
			}
			return ledger.PostResult{}, err
		}

		delta := e.Delta()
		if _, err := tx.ExecContext(ctx, `
			insert into account_balances_daily(accounting_client_id, account_code, balance_date, ending_balance)
			values ($1,$2,$3,$4)
			on conflict (accounting_client_id, account_code, balance_date) do update
			set ending_balance = account_balances_daily.ending_balance + excluded.ending_balance,
			    last_updated_at = now()
		`, in.AccountingClientID, e.AccountCode, ledger.DayOf(in.PostingDate), delta); err != nil {
			return ledger.PostResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into account_balances_monthly(accounting_client_id, account_code, year, month, ending_balance)
			values ($1,$2,$3,$4,$5)
			on conflict (accounting_client_id, account_code, year, month) do update
			set ending_balance = account_balances_monthly.ending_balance + excluded.ending_balance,
			    last_updated_at = now()
		`, in.AccountingClientID, e.AccountCode, in.PostingDate.UTC().Year(), int(in.PostingDate.UTC().Month()), delta); err != nil {
			return ledger.PostResult{}, err
		}
		created = append(created, row)
	}

	if err := tx.Commit(); err != nil {
		return ledger.PostResult{}, err
	}
	return ledger.PostResult{Created: created, Reused: false}, nil
}

func (s *Store) reusedBatch(ctx context.Context, baseKey string) (ledger.PostResult, error) {
	rows, err := scanEntries(s.db.QueryContext(ctx,
		`select `+ledgerColumns+` from ledger_entries where base_key=$1 order by length(posting_key), posting_key`,
		baseKey))
	if err != nil {
		return ledger.PostResult{}, err
	}
	return ledger.PostResult{Created: rows, Reused: true}, nil
}

func (s *Store) ReverseDocumentEntries(ctx context.Context, accountingClientID, documentID int64, postingDate time.Time) (ledger.ReversalResult, error) {
	originals, err := scanEntries(s.db.QueryContext(ctx,
		`select `+ledgerColumns+` from ledger_entries where accounting_client_id=$1 and document_id=$2 order by length(posting_key), posting_key`,
		accountingClientID, documentID))
	if err != nil {
		return ledger.ReversalResult{}, err
	}
	if len(originals) == 0 {
		return ledger.ReversalResult{Reversed: 0, Message: "no entries to reverse"}, nil
	}

	docID := documentID
	res, err := s.PostEntries(ctx, ledger.PostInput{
		AccountingClientID: accountingClientID,
		PostingDate:        postingDate,
		Entries:            ledger.MirrorEntries(originals),
		SourceType:         ledger.SourceDocumentReversal,
		SourceID:           fmt.Sprintf("document-%d", documentID),
		PostingKey:         ledger.ReversalKey(documentID, time.Now()),
		Links:              ledger.Links{DocumentID: &docID},
	})
	if err != nil {
		return ledger.ReversalResult{}, err
	}
	return ledger.ReversalResult{
		Reversed:        len(res.Created),
		OriginalEntries: len(originals),
		Message:         fmt.Sprintf("reversed %d ledger entries for document %d", len(res.Created), documentID),
	}, nil
}

func (s *Store) UnpostByLinks(ctx context.Context, in ledger.UnpostInput) (ledger.UnpostResult, error) {
	links := ledger.Links{DocumentID: in.DocumentID, BankTransactionID: in.BankTransactionID, ReconciliationID: in.ReconciliationID}
	if links.Empty() {
		return ledger.UnpostResult{}, ledger.ErrNoLinks
	}

	// Exact-triple matching: absent filters pin the column to NULL so a
	// document-only unpost cannot swallow settlement rows.
	where := []string{"accounting_client_id=$1"}
	args := []any{in.AccountingClientID}
	if in.DocumentID != nil {
		args = append(args, *in.DocumentID)
		where = append(where, fmt.Sprintf("document_id=$%d", len(args)))
	} else {
		where = append(where, "document_id is null")
	}
	if in.BankTransactionID != nil {
		args = append(args, *in.BankTransactionID)
		where = append(where, fmt.Sprintf("bank_transaction_id=$%d", len(args)))
	} else {
		where = append(where, "bank_transaction_id is null")
	}
	if in.ReconciliationID != nil {
		args = append(args, *in.ReconciliationID)
		where = append(where, fmt.Sprintf("reconciliation_id=$%d", len(args)))
	} else {
		where = append(where, "reconciliation_id is null")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.UnpostResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	matched, err := scanEntries(tx.QueryContext(ctx,
		`select `+ledgerColumns+` from ledger_entries where `+strings.Join(where, " and ")+` for update`,
		args...))
	if err != nil {
		return ledger.UnpostResult{}, err
	}
	if len(matched) == 0 {
		return ledger.UnpostResult{Reversed: 0}, nil
	}

	for _, row := range matched {
		delta := row.Delta()

		res, err := tx.ExecContext(ctx, `
			update account_balances_daily
			set ending_balance = ending_balance - $4, last_updated_at = now()
			where accounting_client_id=$1 and account_code=$2 and balance_date=$3
		`, row.AccountingClientID, row.AccountCode, ledger.DayOf(row.PostingDate), delta)
		if err != nil {
			return ledger.UnpostResult{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Missing balance row: self-heal by creating the negated delta.
			if _, err := tx.ExecContext(ctx, `
				insert into account_balances_daily(accounting_client_id, account_code, balance_date, ending_balance)
				values ($1,$2,$3,$4)
			`, row.AccountingClientID, row.AccountCode, ledger.DayOf(row.PostingDate), delta.Neg()); err != nil {
				return ledger.UnpostResult{}, err
			}
		}

		y, m := row.PostingDate.UTC().Year(), int(row.PostingDate.UTC().Month())
		res, err = tx.ExecContext(ctx, `
			update account_balances_monthly
			set ending_balance = ending_balance - $5, last_updated_at = now()
			where accounting_client_id=$1 and account_code=$2 and year=$3 and month=$4
		`, row.AccountingClientID, row.AccountCode, y, m, delta)
		if err != nil {
			return ledger.UnpostResult{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, `
				insert into account_balances_monthly(accounting_client_id, account_code, year, month, ending_balance)
				values ($1,$2,$3,$4,$5)
			`, row.AccountingClientID, row.AccountCode, y, m, delta.Neg()); err != nil {
				return ledger.UnpostResult{}, err
			}
		}

		if _, err := tx.ExecContext(ctx, `delete from ledger_entries where id=$1`, row.ID); err != nil {
			return ledger.UnpostResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.UnpostResult{}, err
	}
	return ledger.UnpostResult{Reversed: len(matched)}, nil
}

func (s *Store) GetLedgerEntries(ctx context.Context, clientEIN string, accountingCompanyID int64, q ledger.LedgerQuery) (ledger.LedgerPage, error) {
	q = ledger.NormalizeQuery(q)

	var clientCompanyID int64
	err := s.db.QueryRowContext(ctx,
		`select id from client_companies where ein=$1`, clientEIN).Scan(&clientCompanyID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.LedgerPage{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.LedgerPage{}, err
	}

	var accountingClientID int64
	err = s.db.QueryRowContext(ctx, `
		select id from accounting_clients
		where client_company_id=$1 and accounting_company_id=$2
	`, clientCompanyID, accountingCompanyID).Scan(&accountingClientID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.LedgerPage{}, ledger.ErrUnauthorized
	}
	if err != nil {
		return ledger.LedgerPage{}, err
	}

	where := []string{"accounting_client_id=$1"}
	args := []any{accountingClientID}
	if q.StartDate != nil {
		args = append(args, *q.StartDate)
		where = append(where, fmt.Sprintf("posting_date >= $%d", len(args)))
	}
	if q.EndDate != nil {
		args = append(args, *q.EndDate)
		where = append(where, fmt.Sprintf("posting_date <= $%d", len(args)))
	}
	if q.AccountCode != "" {
		args = append(args, q.AccountCode)
		where = append(where, fmt.Sprintf("account_code = $%d", len(args)))
	}
	cond := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from ledger_entries where `+cond, args...).Scan(&total); err != nil {
		return ledger.LedgerPage{}, err
	}

	args = append(args, q.Size, (q.Page-1)*q.Size)
	items, err := scanEntries(s.db.QueryContext(ctx,
		`select `+ledgerColumns+` from ledger_entries where `+cond+
			fmt.Sprintf(` order by posting_date desc, id desc limit $%d offset $%d`, len(args)-1, len(args)),
		args...))
	if err != nil {
		return ledger.LedgerPage{}, err
	}

	return ledger.LedgerPage{Items: items, Total: total, Page: q.Page, Size: q.Size}, nil
}

// --- helpers ---

func scanEntries(rows *sql.Rows, err error) ([]ledger.LedgerEntry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.LedgerEntry
	for rows.Next() {
		var (
			e       ledger.LedgerEntry
			docID   sql.NullInt64
			txnID   sql.NullString
			reconID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.AccountingClientID, &e.PostingDate, &e.AccountCode,
			&e.Debit, &e.Credit, &e.Currency, &e.SourceType, &e.SourceID, &e.PostingKey,
			&docID, &txnID, &reconID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if docID.Valid {
			e.DocumentID = &docID.Int64
		}
		if txnID.Valid {
			e.BankTransactionID = &txnID.String
		}
		if reconID.Valid {
			e.ReconciliationID = &reconID.Int64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
