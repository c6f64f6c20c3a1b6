// internal/store/postgres/store_test.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/circulation"
)

// setupTestStore connects to PostgreSQL and applies the schema. The test is
// skipped when no database is reachable.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	getenv := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getenv("PGHOST", "localhost"),
		getenv("PGPORT", "5432"),
		getenv("PGUSER", "postgres"),
		getenv("PGPASSWORD", "postgres"),
		getenv("PGDATABASE", "libracirc_test"))

	db, err := sqlx.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}

	store := NewStore(db)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func seedLendingFixture(t *testing.T, s *Store) (memberID, copyID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	mtypeID := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO membership_types (id, name, loan_period_days, max_books_allowed, max_renewals, fine_per_day)
		VALUES ($1, 'Standard', 14, 3, 3, 2.50)
	`, mtypeID)
	require.NoError(t, err)

	memberID = uuid.New()
	bookID := uuid.New()
	copyID = uuid.New()

	require.NoError(t, s.Update(ctx, uuid.Nil, func(tx circulation.Tx) error {
		if err := tx.PutMember(&circulation.Member{
			ID:               memberID,
			FullName:         "Test Member",
			Email:            "member@example.com",
			MembershipTypeID: mtypeID,
			Status:           circulation.MemberActive,
		}); err != nil {
			return err
		}
		if err := tx.PutBook(&circulation.Book{
			ID:     bookID,
			Title:  "Postgres Book",
			Status: circulation.BookAvailable,
		}); err != nil {
			return err
		}
		return tx.PutCopy(&circulation.BookCopy{
			ID:        copyID,
			BookID:    bookID,
			Status:    circulation.CopyAvailable,
			Condition: circulation.ConditionGood,
		})
	}))
	return memberID, copyID
}

func TestStoreRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	memberID, copyID := seedLendingFixture(t, s)

	loanID := uuid.New()
	issueDate := circulation.Day(time.Now())

	require.NoError(t, s.Update(ctx, copyID, func(tx circulation.Tx) error {
		copy, err := tx.Copy(copyID)
		if err != nil {
			return err
		}

		if err := tx.PutLoan(&circulation.Loan{
			ID:                 loanID,
			MemberID:           memberID,
			CopyID:             copyID,
			BookID:             copy.BookID,
			Status:             circulation.LoanOpen,
			IssueDate:          issueDate,
			DueDate:            issueDate.AddDate(0, 0, 14),
			MaxRenewalsAllowed: 3,
			ConditionOnIssue:   circulation.ConditionGood,
		}); err != nil {
			return err
		}

		copy.Status = circulation.CopyIssued
		return tx.PutCopy(copy)
	}))

	require.NoError(t, s.View(ctx, func(tx circulation.Tx) error {
		loan, err := tx.OpenLoanByCopy(copyID)
		require.NoError(t, err)
		assert.Equal(t, loanID, loan.ID)
		assert.Equal(t, circulation.LoanOpen, loan.Status)

		open, err := tx.CountOpenLoans(memberID)
		require.NoError(t, err)
		assert.Equal(t, 1, open)

		dup, err := tx.OpenLoanExists(memberID, copyID)
		require.NoError(t, err)
		assert.True(t, dup)
		return nil
	}))
}

func TestStoreRowLockConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, copyID := seedLendingFixture(t, s)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.Update(ctx, copyID, func(tx circulation.Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// NOWAIT makes the second writer fail immediately instead of queueing.
	err := s.Update(ctx, copyID, func(tx circulation.Tx) error { return nil })
	assert.ErrorIs(t, err, circulation.ErrConcurrencyConflict)

	close(release)
	require.NoError(t, <-done)
}

func TestStoreRollbackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, copyID := seedLendingFixture(t, s)

	wantErr := assert.AnError
	err := s.Update(ctx, uuid.Nil, func(tx circulation.Tx) error {
		copy, err := tx.Copy(copyID)
		if err != nil {
			return err
		}
		copy.Status = circulation.CopyLost
		if err := tx.PutCopy(copy); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	require.NoError(t, s.View(ctx, func(tx circulation.Tx) error {
		copy, err := tx.Copy(copyID)
		require.NoError(t, err)
		assert.Equal(t, circulation.CopyAvailable, copy.Status)
		return nil
	}))
}

func TestMapError(t *testing.T) {
	// Retryable engine conditions all surface as a concurrency conflict so
	// the service layer can treat them uniformly.
	for _, code := range []pq.ErrorCode{"55P03", "40001", "40P01", "23505"} {
		err := mapError(&pq.Error{Code: code})
		assert.ErrorIs(t, err, circulation.ErrConcurrencyConflict, "code %s", code)
	}

	assert.NoError(t, mapError(nil))

	plain := errors.New("connection reset")
	assert.Equal(t, plain, mapError(plain))

	other := &pq.Error{Code: "42703"} // undefined_column stays a plain error
	assert.Equal(t, error(other), mapError(other))
}
