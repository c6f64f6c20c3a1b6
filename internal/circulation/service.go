// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IssueRequest asks to issue a copy to a member. IssueDate defaults to
// today. Actor identifies who performed the operation for the audit trail.
type IssueRequest struct {
	MemberID  uuid.UUID
	CopyID    uuid.UUID
	IssueDate *time.Time
	Actor     string
}

// ReturnRequest closes an open loan. ReturnDate defaults to today.
// Condition, when given, records the copy's condition at return.
type ReturnRequest struct {
	LoanID     uuid.UUID
	ReturnDate *time.Time
	Condition  *Condition
	Actor      string
}

// RenewRequest extends an open loan by one loan period.
type RenewRequest struct {
	LoanID uuid.UUID
	Actor  string
}

// CancelRequest reverses the side effects of a committed transaction of the
// given kind on the loan.
type CancelRequest struct {
	LoanID uuid.UUID
	Kind   TransactionType
	Actor  string
}

// PaymentRequest records a payment amount against a fine.
type PaymentRequest struct {
	FineID uuid.UUID
	Amount float64
	Actor  string
}

// MemberSummary is the member activity view served over HTTP.
type MemberSummary struct {
	Member    *Member `json:"member"`
	OpenLoans []*Loan `json:"open_loans"`
	Fines     []*Fine `json:"fines"`
}

// Service is the circulation transaction engine.
type Service interface {
	IssueBook(ctx context.Context, req IssueRequest) (*Loan, error)
	ReturnBook(ctx context.Context, req ReturnRequest) (*Loan, error)
	RenewBook(ctx context.Context, req RenewRequest) (*Loan, error)
	CancelTransaction(ctx context.Context, req CancelRequest) (*Loan, error)

	RecordFinePayment(ctx context.Context, req PaymentRequest) (*Fine, error)
	WaiveFine(ctx context.Context, fineID uuid.UUID, actor string) (*Fine, error)

	GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	MemberSummary(ctx context.Context, memberID uuid.UUID) (*MemberSummary, error)

	// Scheduled jobs; each returns the number of records processed.
	SendOverdueReminders(ctx context.Context) (int, error)
	AutoCalculateFines(ctx context.Context) (int, error)
	ExpireUnclaimedReservations(ctx context.Context) (int, error)
}
