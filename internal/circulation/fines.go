// internal/circulation/fines.go
package circulation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// fineLedger maintains fine records tied to loans. The invariant it
// enforces: at most one fine per (loan, fine_type). Recalculation updates
// the existing record instead of duplicating it.
type fineLedger struct {
	clock func() time.Time
}

// Record creates the fine for (loan, fineType), or updates its amount when
// one already exists. Outstanding is recomputed from the new amount and any
// payments already recorded.
func (fl fineLedger) Record(tx Tx, loan *Loan, amount float64, fineType FineType) (*Fine, error) {
	if amount < 0 {
		amount = 0
	}

	existing, err := tx.FineByLoan(loan.ID, fineType)
	switch {
	case err == nil:
		existing.Amount = amount
		recomputeOutstanding(existing)
		if err := tx.PutFine(existing); err != nil {
			return nil, fmt.Errorf("update fine: %w", err)
		}
		return existing, nil

	case errors.Is(err, ErrNotFound):
		fine := &Fine{
			ID:                uuid.New(),
			MemberID:          loan.MemberID,
			LoanID:            loan.ID,
			Type:              fineType,
			FineDate:          Day(fl.clock()),
			Amount:            amount,
			PaidAmount:        0,
			OutstandingAmount: amount,
			PaymentStatus:     PaymentUnpaid,
		}
		if err := tx.PutFine(fine); err != nil {
			return nil, fmt.Errorf("create fine: %w", err)
		}
		return fine, nil

	default:
		return nil, fmt.Errorf("lookup fine: %w", err)
	}
}

// Reverse removes the fine for (loan, fineType) if money has not been
// recorded against it. A Paid or Partially Paid fine is left in place and
// returned so the caller can surface a warning.
func (fl fineLedger) Reverse(tx Tx, loanID uuid.UUID, fineType FineType) (kept *Fine, err error) {
	fine, err := tx.FineByLoan(loanID, fineType)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup fine: %w", err)
	}

	if fine.PaymentStatus == PaymentUnpaid {
		if err := tx.DeleteFine(fine.ID); err != nil {
			return nil, fmt.Errorf("delete fine: %w", err)
		}
		return nil, nil
	}

	return fine, nil
}

// Pay records a payment amount against the fine and advances its payment
// status. The ledger only tracks amounts; it never touches money.
func (fl fineLedger) Pay(tx Tx, fine *Fine, amount float64) error {
	if fine.PaymentStatus == PaymentWaived {
		return invalid("fine", "fine %s has been waived", fine.ID)
	}
	if amount <= 0 {
		return invalid("amount", "payment amount must be positive")
	}
	if fine.PaidAmount+amount > fine.Amount {
		return invalid("amount", "payment %.2f exceeds outstanding %.2f", amount, fine.OutstandingAmount)
	}

	fine.PaidAmount += amount
	recomputeOutstanding(fine)

	if err := tx.PutFine(fine); err != nil {
		return fmt.Errorf("update fine: %w", err)
	}
	return nil
}

// Waive zeroes the outstanding amount and marks the fine waived.
func (fl fineLedger) Waive(tx Tx, fine *Fine) error {
	fine.PaymentStatus = PaymentWaived
	fine.OutstandingAmount = 0

	if err := tx.PutFine(fine); err != nil {
		return fmt.Errorf("update fine: %w", err)
	}
	return nil
}

// recomputeOutstanding derives outstanding and payment status whenever
// amount or paid amount changes. Outstanding never goes negative.
func recomputeOutstanding(f *Fine) {
	if f.PaymentStatus == PaymentWaived {
		f.OutstandingAmount = 0
		return
	}

	f.OutstandingAmount = f.Amount - f.PaidAmount
	if f.OutstandingAmount < 0 {
		f.OutstandingAmount = 0
	}

	switch {
	case f.PaidAmount <= 0:
		f.PaymentStatus = PaymentUnpaid
	case f.OutstandingAmount == 0:
		f.PaymentStatus = PaymentPaid
	default:
		f.PaymentStatus = PaymentPartiallyPaid
	}
}
