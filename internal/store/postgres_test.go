package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/finwell/statement-pipeline/internal/model"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(db), mock
}

func TestClaimJobSucceedsWhenQueued(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE jobs SET status = 'processing'`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := st.ClaimJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if !claimed {
		t.Error("claimed = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimJobLosesRace(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE jobs SET status = 'processing'`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := st.ClaimJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed {
		t.Error("claimed = true, want false when the row was not queued")
	}
}

func TestGetUploadDecodesFileRefs(t *testing.T) {
	st, mock := newMockStore(t)
	fileRefs, _ := json.Marshal([]string{"a.jpg", "b.jpg"})
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "owner_ref", "file_refs", "mime_type", "status", "stage", "progress",
		"extract_ref", "trace_id", "attempt_count", "next_retry_at", "last_error",
		"created_at", "updated_at",
	}).AddRow("up-1", "user-9", fileRefs, "image/jpeg", "pending", "", 0,
		nil, "trace-1", 0, nil, nil, now, now)
	mock.ExpectQuery(`SELECT id, owner_ref, file_refs`).
		WithArgs("up-1").
		WillReturnRows(rows)

	u, err := st.GetUpload(context.Background(), "up-1")
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if len(u.FileRefs) != 2 || u.FileRefs[0] != "a.jpg" {
		t.Errorf("fileRefs = %v", u.FileRefs)
	}
	if u.Status != model.UploadPending {
		t.Errorf("status = %s", u.Status)
	}
}

func TestGetUploadNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, owner_ref, file_refs`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetUpload(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetUploadDoneWritesTerminalRow(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE upload SET status = 'done'`).
		WithArgs("up-1", "ext-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SetUploadDone(context.Background(), "up-1", "ext-1"); err != nil {
		t.Fatalf("SetUploadDone: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetUploadErrorMissingRow(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE upload SET status = 'error'`).
		WithArgs("ghost", "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.SetUploadError(context.Background(), "ghost", "boom")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveExtractDeletesBeforeInserting(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM subscription_items`).WithArgs("up-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM transaction_extract`).WithArgs("up-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM statement_extract`).WithArgs("up-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	reconOK := true
	mock.ExpectExec(`INSERT INTO statement_extract`).
		WithArgs(sqlmock.AnyArg(), "up-1", "2025-03",
			int64(500000), int64(320000), int64(180000),
			[]byte("null"), []byte("null"),
			0.88, "high", []byte(`["40 transactions extracted"]`),
			"running_balance", true, int64(0),
			int64(98000), int64(278000), int64(278000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO transaction_extract`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO subscription_items`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ext := &model.StatementExtract{
		UploadID: "up-1",
		Period:   "2025-03",
		Totals:   model.Totals{InflowCents: 500000, OutflowCents: 320000, NetCents: 180000},
		Confidence: model.Confidence{
			Score: 0.88, Grade: model.GradeHigh,
			Reasons: []string{"40 transactions extracted"},
		},
		Reconciliation: model.Reconciliation{
			OpeningCents:         98000,
			ClosingCents:         278000,
			ExpectedClosingCents: 278000,
			OK:                   &reconOK,
			Method:               model.ReconRunningBalance,
		},
		Subscriptions: []model.SubscriptionCandidate{
			{Merchant: "Netflix Com", NormalizedMerchant: "NETFLIX COM", AmountCents: -1599,
				Interval: model.IntervalMonthly, Occurrences: 2,
				LastSeen: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), Confidence: 0.8},
		},
	}
	txs := []model.Transaction{
		{Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Merchant: "Coffee", AmountCents: -450, Currency: "USD"},
		{Date: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), Merchant: "Rent", AmountCents: -120000, Currency: "USD"},
	}

	id, err := st.SaveExtract(context.Background(), ext, txs)
	if err != nil {
		t.Fatalf("SaveExtract: %v", err)
	}
	if id == "" {
		t.Error("extract id is empty")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSaveExtractEmptyTransactionsSkipsBatch(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM subscription_items`).WithArgs("up-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM transaction_extract`).WithArgs("up-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM statement_extract`).WithArgs("up-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO statement_extract`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ext := &model.StatementExtract{
		UploadID:       "up-2",
		Reconciliation: model.Reconciliation{Method: model.ReconNone},
		Confidence:     model.Confidence{Grade: model.GradeLow},
	}
	if _, err := st.SaveExtract(context.Background(), ext, nil); err != nil {
		t.Fatalf("SaveExtract: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
