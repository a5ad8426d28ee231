package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"finova.org/internal/extract"
	"finova.org/internal/recon"
)

func TestInsertSuggestionsEncodesJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	docID := int64(12)
	sg := recon.Suggestion{
		ID:                 "sg-1",
		AccountingClientID: 7,
		BankTransactionID:  "txn-1",
		DocumentID:         &docID,
		Confidence:         0.9,
		Criteria:           []string{recon.CriterionExactAmount, recon.CriterionSameDate},
		Reasons:            []string{"exact amount match", "same date"},
		Status:             recon.SuggestionPending,
		CreatedAt:          time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into reconciliation_suggestions").
		WithArgs("sg-1", int64(7), "txn-1", &docID, nil, nil, 0.9,
			[]byte(`["EXACT_AMOUNT","SAME_DATE"]`),
			[]byte(`["exact amount match","same date"]`),
			recon.SuggestionPending, sg.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.InsertSuggestions(context.Background(), []recon.Suggestion{sg}); err != nil {
		t.Fatalf("InsertSuggestions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSuggestionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	mock.ExpectQuery("from reconciliation_suggestions where id=").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "accounting_client_id", "bank_transaction_id", "document_id",
			"account_code", "account_name", "confidence", "criteria", "reasons",
			"status", "created_at",
		}))

	_, err = s.GetSuggestion(context.Background(), "missing")
	if !errors.Is(err, recon.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectSiblingsCoversBothSides(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	docID := int64(12)
	mock.ExpectExec("update reconciliation_suggestions set status=").
		WithArgs(recon.SuggestionRejected, int64(7), recon.SuggestionPending, "sg-1", "txn-1", docID).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = s.RejectSiblings(context.Background(), recon.Suggestion{
		ID:                 "sg-1",
		AccountingClientID: 7,
		BankTransactionID:  "txn-1",
		DocumentID:         &docID,
	})
	if err != nil {
		t.Fatalf("RejectSiblings: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetTransactionStatusKeepsAccountWhenEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	mock.ExpectExec("update bank_transactions").
		WithArgs(int64(7), "txn-1", recon.StatusReconciled, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetTransactionStatus(context.Background(), 7, "txn-1", recon.StatusReconciled, ""); err != nil {
		t.Fatalf("SetTransactionStatus: %v", err)
	}

	mock.ExpectExec("update bank_transactions").
		WithArgs(int64(7), "gone", recon.StatusReconciled, "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.SetTransactionStatus(context.Background(), 7, "gone", recon.StatusReconciled, "")
	if !errors.Is(err, recon.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxScopesCallsToOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("update reconciliation_suggestions set status=").
		WithArgs("sg-1", recon.SuggestionAccepted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.WithinTx(context.Background(), func(st recon.Store) error {
		return st.UpdateSuggestionStatus(context.Background(), "sg-1", recon.SuggestionAccepted)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = s.WithinTx(context.Background(), func(recon.Store) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplaceStatementTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("delete from bank_transactions").
		WithArgs(int64(7), int64(30), recon.StatusUnreconciled).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("insert into bank_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into bank_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.ReplaceStatementTransactions(context.Background(), 7, 30, []extract.StatementLine{
		{Date: time.Now(), Description: "plata factura 1001", Amount: dec("120.50"), TransactionType: "DEBIT", Reference: "1001"},
		{Date: time.Now(), Description: "incasare client", Amount: dec("300"), TransactionType: "CREDIT"},
	})
	if err != nil {
		t.Fatalf("ReplaceStatementTransactions: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted lines, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
