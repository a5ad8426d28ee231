package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"finova.org/internal/extract"
	"finova.org/internal/ids"
	"finova.org/internal/recon"
)

var (
	_ recon.Store    = (*Store)(nil)
	_ recon.TxRunner = (*Store)(nil)
)

// WithinTx scopes the callback's store calls to one transaction. The
// callback must not call methods that open their own transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(recon.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

const suggestionColumns = `id, accounting_client_id, bank_transaction_id, document_id,
	account_code, account_name, confidence, criteria, reasons, status, created_at`

func (s *Store) DeletePendingSuggestions(ctx context.Context, accountingClientID int64) error {
	_, err := s.q.ExecContext(ctx, `
		delete from reconciliation_suggestions
		where accounting_client_id=$1 and status=$2
	`, accountingClientID, recon.SuggestionPending)
	return err
}

func (s *Store) UnreconciledDocuments(ctx context.Context, accountingClientID int64) ([]recon.Document, error) {
	rows, err := s.q.QueryContext(ctx, `
		select id, kind, direction, amount, reference, issue_date, status
		from documents
		where accounting_client_id=$1 and status=$2
		order by issue_date, id
	`, accountingClientID, recon.StatusUnreconciled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recon.Document
	for rows.Next() {
		var d recon.Document
		var ref sql.NullString
		if err := rows.Scan(&d.ID, &d.Kind, &d.Direction, &d.Amount, &ref, &d.Date, &d.Status); err != nil {
			return nil, err
		}
		d.Reference = ref.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UnreconciledTransactions(ctx context.Context, accountingClientID int64) ([]recon.BankTransaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		select id, txn_date, description, amount, transaction_type, reference, status, coalesce(account_code, '')
		from bank_transactions
		where accounting_client_id=$1 and status=$2
		order by txn_date, id
	`, accountingClientID, recon.StatusUnreconciled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recon.BankTransaction
	for rows.Next() {
		var t recon.BankTransaction
		var ref sql.NullString
		if err := rows.Scan(&t.ID, &t.Date, &t.Description, &t.Amount, &t.TransactionType, &ref, &t.Status, &t.AccountCode); err != nil {
			return nil, err
		}
		t.Reference = ref.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertSuggestions(ctx context.Context, suggestions []recon.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, sg := range suggestions {
		criteria, err := json.Marshal(sg.Criteria)
		if err != nil {
			return err
		}
		reasons, err := json.Marshal(sg.Reasons)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into reconciliation_suggestions(
				id, accounting_client_id, bank_transaction_id, document_id,
				account_code, account_name, confidence, criteria, reasons, status, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, sg.ID, sg.AccountingClientID, sg.BankTransactionID, sg.DocumentID,
			nullIfEmpty(sg.AccountCode), nullIfEmpty(sg.AccountName), sg.Confidence,
			criteria, reasons, sg.Status, sg.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPendingSuggestions(ctx context.Context, accountingClientID int64) ([]recon.Suggestion, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+suggestionColumns+`
		from reconciliation_suggestions
		where accounting_client_id=$1 and status=$2
		order by confidence desc, created_at, id
	`, accountingClientID, recon.SuggestionPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recon.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *Store) GetSuggestion(ctx context.Context, id string) (recon.Suggestion, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+suggestionColumns+` from reconciliation_suggestions where id=$1
	`, id)
	if err != nil {
		return recon.Suggestion{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return recon.Suggestion{}, err
		}
		return recon.Suggestion{}, recon.ErrNotFound
	}
	return scanSuggestion(rows)
}

func (s *Store) UpdateSuggestionStatus(ctx context.Context, id string, status recon.SuggestionStatus) error {
	res, err := s.q.ExecContext(ctx, `
		update reconciliation_suggestions set status=$2 where id=$1
	`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recon.ErrNotFound
	}
	return nil
}

func (s *Store) RejectSiblings(ctx context.Context, accepted recon.Suggestion) error {
	if accepted.DocumentID != nil {
		_, err := s.q.ExecContext(ctx, `
			update reconciliation_suggestions set status=$1
			where accounting_client_id=$2 and status=$3 and id<>$4
			  and (bank_transaction_id=$5 or document_id=$6)
		`, recon.SuggestionRejected, accepted.AccountingClientID, recon.SuggestionPending,
			accepted.ID, accepted.BankTransactionID, *accepted.DocumentID)
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		update reconciliation_suggestions set status=$1
		where accounting_client_id=$2 and status=$3 and id<>$4 and bank_transaction_id=$5
	`, recon.SuggestionRejected, accepted.AccountingClientID, recon.SuggestionPending,
		accepted.ID, accepted.BankTransactionID)
	return err
}

func (s *Store) GetDocument(ctx context.Context, accountingClientID, documentID int64) (recon.Document, error) {
	var d recon.Document
	var ref sql.NullString
	err := s.q.QueryRowContext(ctx, `
		select id, kind, direction, amount, reference, issue_date, status
		from documents where accounting_client_id=$1 and id=$2
	`, accountingClientID, documentID).Scan(&d.ID, &d.Kind, &d.Direction, &d.Amount, &ref, &d.Date, &d.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return recon.Document{}, recon.ErrNotFound
	}
	if err != nil {
		return recon.Document{}, err
	}
	d.Reference = ref.String
	return d, nil
}

func (s *Store) GetTransaction(ctx context.Context, accountingClientID int64, txnID string) (recon.BankTransaction, error) {
	var t recon.BankTransaction
	var ref sql.NullString
	err := s.q.QueryRowContext(ctx, `
		select id, txn_date, description, amount, transaction_type, reference, status, coalesce(account_code, '')
		from bank_transactions where accounting_client_id=$1 and id=$2
	`, accountingClientID, txnID).Scan(&t.ID, &t.Date, &t.Description, &t.Amount,
		&t.TransactionType, &ref, &t.Status, &t.AccountCode)
	if errors.Is(err, sql.ErrNoRows) {
		return recon.BankTransaction{}, recon.ErrNotFound
	}
	if err != nil {
		return recon.BankTransaction{}, err
	}
	t.Reference = ref.String
	return t, nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, accountingClientID, documentID int64, status recon.Status) error {
	res, err := s.q.ExecContext(ctx, `
		update documents set status=$3 where accounting_client_id=$1 and id=$2
	`, accountingClientID, documentID, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recon.ErrNotFound
	}
	return nil
}

func (s *Store) SetTransactionStatus(ctx context.Context, accountingClientID int64, txnID string, status recon.Status, accountCode string) error {
	res, err := s.q.ExecContext(ctx, `
		update bank_transactions
		set status=$3, account_code=coalesce(nullif($4, ''), account_code)
		where accounting_client_id=$1 and id=$2
	`, accountingClientID, txnID, status, accountCode)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recon.ErrNotFound
	}
	return nil
}

func (s *Store) CreateReconciliation(ctx context.Context, accountingClientID int64, txnID string, documentID *int64, confidence float64, notes string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		insert into reconciliation_records(accounting_client_id, bank_transaction_id, document_id, confidence, notes)
		values ($1,$2,$3,$4,$5)
		returning id
	`, accountingClientID, txnID, documentID, confidence, nullIfEmpty(notes)).Scan(&id)
	return id, err
}

// UpsertDocument registers or refreshes an extracted document for matching.
func (s *Store) UpsertDocument(ctx context.Context, accountingClientID int64, d recon.Document) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		insert into documents(id, accounting_client_id, kind, direction, amount, reference, issue_date, status)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (id) do update
		set kind=excluded.kind, direction=excluded.direction, amount=excluded.amount,
		    reference=excluded.reference, issue_date=excluded.issue_date
		returning id
	`, d.ID, accountingClientID, d.Kind, d.Direction, d.Amount,
		nullIfEmpty(d.Reference), d.Date, recon.StatusUnreconciled).Scan(&id)
	return id, err
}

// ReplaceStatementTransactions swaps the full set of lines belonging to one
// statement document. Reconciled lines are kept; re-imports only touch the
// unreconciled remainder.
func (s *Store) ReplaceStatementTransactions(ctx context.Context, accountingClientID, statementDocumentID int64, lines []extract.StatementLine) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from bank_transactions
		where accounting_client_id=$1 and statement_document_id=$2 and status=$3
	`, accountingClientID, statementDocumentID, recon.StatusUnreconciled); err != nil {
		return 0, err
	}

	inserted := 0
	for _, ln := range lines {
		if _, err := tx.ExecContext(ctx, `
			insert into bank_transactions(
				id, accounting_client_id, statement_document_id, txn_date,
				description, amount, transaction_type, reference, status)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, ids.New(), accountingClientID, statementDocumentID, ln.Date,
			ln.Description, ln.Amount, ln.TransactionType, nullIfEmpty(ln.Reference),
			recon.StatusUnreconciled); err != nil {
			return 0, err
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func scanSuggestion(rows *sql.Rows) (recon.Suggestion, error) {
	var (
		sg       recon.Suggestion
		docID    sql.NullInt64
		code     sql.NullString
		name     sql.NullString
		criteria []byte
		reasons  []byte
	)
	if err := rows.Scan(&sg.ID, &sg.AccountingClientID, &sg.BankTransactionID, &docID,
		&code, &name, &sg.Confidence, &criteria, &reasons, &sg.Status, &sg.CreatedAt); err != nil {
		return recon.Suggestion{}, err
	}
	if docID.Valid {
		sg.DocumentID = &docID.Int64
	}
	sg.AccountCode = code.String
	sg.AccountName = name.String
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &sg.Criteria); err != nil {
			return recon.Suggestion{}, err
		}
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &sg.Reasons); err != nil {
			return recon.Suggestion{}, err
		}
	}
	return sg, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
