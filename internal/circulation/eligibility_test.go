// internal/circulation/eligibility_test.go
package circulation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueFacts() IssueFacts {
	memberID := uuid.New()
	return IssueFacts{
		Member: &Member{
			ID:               memberID,
			FullName:         "Ada Lovelace",
			Status:           MemberActive,
			MembershipTypeID: uuid.New(),
		},
		MembershipType: &MembershipType{
			LoanPeriodDays:  14,
			MaxBooksAllowed: 3,
			MaxRenewals:     3,
			FinePerDay:      2.50,
		},
		Copy: &BookCopy{
			ID:     uuid.New(),
			BookID: uuid.New(),
			Status: CopyAvailable,
		},
	}
}

func TestCanIssue(t *testing.T) {
	today := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	t.Run("allows an active member and available copy", func(t *testing.T) {
		require.NoError(t, CanIssue(issueFacts(), today))
	})

	t.Run("rejects inactive member", func(t *testing.T) {
		f := issueFacts()
		f.Member.Status = MemberInactive

		ie, ok := AsIneligible(CanIssue(f, today))
		require.True(t, ok)
		assert.Equal(t, ReasonMemberInactive, ie.Reason)
	})

	t.Run("rejects expired membership", func(t *testing.T) {
		f := issueFacts()
		yesterday := today.AddDate(0, 0, -1)
		f.Member.MembershipEndDate = &yesterday

		ie, ok := AsIneligible(CanIssue(f, today))
		require.True(t, ok)
		assert.Equal(t, ReasonMembershipExpired, ie.Reason)
	})

	t.Run("membership ending today is still valid", func(t *testing.T) {
		f := issueFacts()
		endOfDay := today
		f.Member.MembershipEndDate = &endOfDay

		require.NoError(t, CanIssue(f, today))
	})

	t.Run("rejects issued copy", func(t *testing.T) {
		f := issueFacts()
		f.Copy.Status = CopyIssued

		ie, ok := AsIneligible(CanIssue(f, today))
		require.True(t, ok)
		assert.Equal(t, ReasonCopyUnavailable, ie.Reason)
	})

	t.Run("held copy goes only to the hold member", func(t *testing.T) {
		f := issueFacts()
		f.Copy.Status = CopyReserved

		other := uuid.New()
		f.HoldMemberID = &other
		ie, ok := AsIneligible(CanIssue(f, today))
		require.True(t, ok)
		assert.Equal(t, ReasonCopyUnavailable, ie.Reason)

		f.HoldMemberID = &f.Member.ID
		require.NoError(t, CanIssue(f, today))
	})

	t.Run("rejects at the max books limit", func(t *testing.T) {
		f := issueFacts()
		f.OpenLoans = f.MembershipType.MaxBooksAllowed

		ie, ok := AsIneligible(CanIssue(f, today))
		require.True(t, ok)
		assert.Equal(t, ReasonMaxBooksReached, ie.Reason)
	})

	t.Run("one below the limit passes", func(t *testing.T) {
		f := issueFacts()
		f.OpenLoans = f.MembershipType.MaxBooksAllowed - 1

		require.NoError(t, CanIssue(f, today))
	})

	t.Run("rejects duplicate loan", func(t *testing.T) {
		f := issueFacts()
		f.DuplicateLoan = true

		ie, ok := AsIneligible(CanIssue(f, today))
		require.True(t, ok)
		assert.Equal(t, ReasonDuplicateLoan, ie.Reason)
	})

	t.Run("checks run in order, member state first", func(t *testing.T) {
		f := issueFacts()
		f.Member.Status = MemberInactive
		f.Copy.Status = CopyIssued
		f.DuplicateLoan = true

		ie, ok := AsIneligible(CanIssue(f, today))
		require.True(t, ok)
		assert.Equal(t, ReasonMemberInactive, ie.Reason)
	})
}

func TestCanRenew(t *testing.T) {
	openLoan := func() *Loan {
		return &Loan{
			ID:                 uuid.New(),
			BookID:             uuid.New(),
			Status:             LoanOpen,
			RenewalCount:       0,
			MaxRenewalsAllowed: 3,
		}
	}

	t.Run("allows renewal under the limit", func(t *testing.T) {
		require.NoError(t, CanRenew(openLoan(), false))
	})

	t.Run("rejects at the renewal limit", func(t *testing.T) {
		l := openLoan()
		l.RenewalCount = 3

		ie, ok := AsIneligible(CanRenew(l, false))
		require.True(t, ok)
		assert.Equal(t, ReasonRenewalLimitReached, ie.Reason)
	})

	t.Run("rejects when another member reserved the book", func(t *testing.T) {
		ie, ok := AsIneligible(CanRenew(openLoan(), true))
		require.True(t, ok)
		assert.Equal(t, ReasonReservedByOther, ie.Reason)
	})

	t.Run("rejects a closed loan", func(t *testing.T) {
		l := openLoan()
		l.Status = LoanClosed

		ie, ok := AsIneligible(CanRenew(l, false))
		require.True(t, ok)
		assert.Equal(t, ReasonAlreadyReturned, ie.Reason)
	})
}

func TestCanReturn(t *testing.T) {
	returned := time.Now()

	t.Run("allows returning an open loan", func(t *testing.T) {
		require.NoError(t, CanReturn(&Loan{Status: LoanOpen}))
	})

	t.Run("rejects a second return", func(t *testing.T) {
		l := &Loan{Status: LoanClosed, ReturnDate: &returned}

		ie, ok := AsIneligible(CanReturn(l))
		require.True(t, ok)
		assert.Equal(t, ReasonAlreadyReturned, ie.Reason)
	})
}

func TestDayArithmetic(t *testing.T) {
	t.Run("Day truncates to midnight UTC", func(t *testing.T) {
		ts := time.Date(2026, 3, 15, 23, 59, 59, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), Day(ts))
	})

	t.Run("DaysBetween ignores time of day", func(t *testing.T) {
		due := time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)
		ret := time.Date(2026, 3, 18, 23, 0, 0, 0, time.UTC)
		assert.Equal(t, 3, DaysBetween(due, ret))
	})

	t.Run("DaysBetween is negative when reversed", func(t *testing.T) {
		a := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)
		b := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, -3, DaysBetween(a, b))
	})
}

func TestRecomputeOutstanding(t *testing.T) {
	t.Run("fresh fine is unpaid", func(t *testing.T) {
		f := &Fine{Amount: 10, PaymentStatus: PaymentUnpaid}
		recomputeOutstanding(f)
		assert.Equal(t, 10.0, f.OutstandingAmount)
		assert.Equal(t, PaymentUnpaid, f.PaymentStatus)
	})

	t.Run("partial payment", func(t *testing.T) {
		f := &Fine{Amount: 10, PaidAmount: 4, PaymentStatus: PaymentUnpaid}
		recomputeOutstanding(f)
		assert.Equal(t, 6.0, f.OutstandingAmount)
		assert.Equal(t, PaymentPartiallyPaid, f.PaymentStatus)
	})

	t.Run("full payment", func(t *testing.T) {
		f := &Fine{Amount: 10, PaidAmount: 10, PaymentStatus: PaymentPartiallyPaid}
		recomputeOutstanding(f)
		assert.Equal(t, 0.0, f.OutstandingAmount)
		assert.Equal(t, PaymentPaid, f.PaymentStatus)
	})

	t.Run("amount reduced below payments clamps at zero", func(t *testing.T) {
		f := &Fine{Amount: 5, PaidAmount: 8, PaymentStatus: PaymentPartiallyPaid}
		recomputeOutstanding(f)
		assert.Equal(t, 0.0, f.OutstandingAmount)
		assert.Equal(t, PaymentPaid, f.PaymentStatus)
	})

	t.Run("waived stays waived with zero outstanding", func(t *testing.T) {
		f := &Fine{Amount: 10, PaymentStatus: PaymentWaived}
		recomputeOutstanding(f)
		assert.Equal(t, 0.0, f.OutstandingAmount)
		assert.Equal(t, PaymentWaived, f.PaymentStatus)
	})
}
