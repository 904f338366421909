package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	st := newPostgresStore(db, logx.Nop())
	st.now = func() time.Time { return t0 }
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = st.Close()
	})
	return st, mock
}

func TestRebindDollar(t *testing.T) {
	t.Parallel()
	got := rebindDollar("UPDATE x SET a = ? WHERE id = ? AND b < ?")
	if want := "UPDATE x SET a = $1 WHERE id = $2 AND b < $3"; got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}

func TestPostgresTryClaim(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	q := regexp.QuoteMeta("UPDATE schedules SET claimed_until = $1, claimed_by = $2, updated_at = $3")

	mock.ExpectExec(q).
		WithArgs(t0.Add(time.Minute), "w1", t0, "s1", true, t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.TryClaim(context.Background(), "s1", t0, time.Minute, "w1")
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}

	mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = st.TryClaim(context.Background(), "s1", t0, time.Minute, "w2")
	if err != nil || ok {
		t.Fatalf("contended claim = %v, %v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresErrorsAreUnavailable(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM schedules")).WillReturnError(errors.New("connection refused"))

	_, err := st.ListDue(context.Background(), t0, 10)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("list due err = %v, want ErrStoreUnavailable", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE schedules")).WillReturnError(errors.New("connection reset"))
	if _, err := st.TryClaim(context.Background(), "s1", t0, time.Minute, "w1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("try claim err = %v", err)
	}
}

func TestPostgresRecordFailureKeepsNextPostAt(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE schedules SET consecutive_failures = $1, last_error = $2, claimed_until = NULL, claimed_by = NULL, updated_at = $3, is_active = $4 WHERE id = $5 AND COALESCE(claimed_by, '') = $6")).
		WithArgs(3, "permission revoked", t0, false, "s1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.RecordFailure(context.Background(), "s1", "w1", 3, true, "permission revoked"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresRecordWithoutRowsAffected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		count int
		want  error
	}{
		{name: "row gone", count: 0, want: ErrNotFound},
		{name: "claimed by another worker", count: 1, want: ErrLeaseLost},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st, mock := newMockPostgres(t)
			mock.ExpectExec(regexp.QuoteMeta("UPDATE schedules SET last_posted_at")).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM schedules WHERE id = $1")).
				WithArgs("s1").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.count))

			err := st.RecordSuccess(context.Background(), "s1", "w1", t0, t0.Add(time.Hour))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestPostgresListDueScansRows(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	cols := []string{"id", "seller_id", "product_id", "channel", "cadence_kind", "cadence_days", "slot", "is_active",
		"last_posted_at", "next_post_at", "consecutive_failures", "last_error", "claimed_until", "claimed_by", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("s1", "42", "p1", "@shop", "every_n_days", 3, "12:00", true,
			nil, t0, 1, "transient", nil, nil, t0.Add(-time.Hour), t0)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY next_post_at ASC, id ASC LIMIT $4")).
		WithArgs(true, t0, t0, 5).
		WillReturnRows(rows)

	due, err := st.ListDue(context.Background(), t0, 5)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("rows = %d", len(due))
	}
	got := due[0]
	if got.Cadence.Days != 3 || got.Slot.String() != "12:00" || got.ConsecutiveFailures != 1 || got.LastError != "transient" {
		t.Fatalf("scanned %+v", got)
	}
	if got.LastPostedAt != nil || got.ClaimedUntil != nil || !got.NextPostAt.Equal(t0) {
		t.Fatalf("scanned times %+v", got)
	}
}
