// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// MemberStatus is the lifecycle state of a library membership.
type MemberStatus string

const (
	MemberActive   MemberStatus = "Active"
	MemberInactive MemberStatus = "Inactive"
	MemberExpired  MemberStatus = "Expired"
)

// Member represents a library member together with the derived counters
// maintained by the stats aggregator. The counters are never written by the
// state machine directly.
type Member struct {
	ID                 uuid.UUID    `json:"id" db:"id"`
	FullName           string       `json:"full_name" db:"full_name"`
	Email              string       `json:"email" db:"email"`
	MembershipTypeID   uuid.UUID    `json:"membership_type_id" db:"membership_type_id"`
	Status             MemberStatus `json:"status" db:"status"`
	MembershipEndDate  *time.Time   `json:"membership_end_date,omitempty" db:"membership_end_date"`
	BooksIssued        int          `json:"books_issued" db:"books_issued"`
	TotalBooksBorrowed int          `json:"total_books_borrowed" db:"total_books_borrowed"`
	OverdueBooks       int          `json:"overdue_books" db:"overdue_books"`
	OutstandingBalance float64      `json:"outstanding_balance" db:"outstanding_balance"`
	Version            int          `json:"version" db:"version"`
}

// MembershipType is immutable reference data consulted by the validator and
// the state machine. Loan terms are snapshotted onto the loan at issue time.
type MembershipType struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	LoanPeriodDays  int       `json:"loan_period_days" db:"loan_period_days"`
	MaxBooksAllowed int       `json:"max_books_allowed" db:"max_books_allowed"`
	MaxRenewals     int       `json:"max_renewals" db:"max_renewals"`
	FinePerDay      float64   `json:"fine_per_day" db:"fine_per_day"`
}

// BookStatus is derived from copy availability by the stats aggregator.
type BookStatus string

const (
	BookAvailable BookStatus = "Available"
	BookAllIssued BookStatus = "All Issued"
)

// Book carries the per-title derived counters. Cataloging itself is out of
// scope; the engine only maintains the availability stats.
type Book struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Title           string     `json:"title" db:"title"`
	Author          string     `json:"author" db:"author"`
	TotalCopies     int        `json:"total_copies" db:"total_copies"`
	AvailableCopies int        `json:"available_copies" db:"available_copies"`
	Status          BookStatus `json:"status" db:"status"`
	Version         int        `json:"version" db:"version"`
}

// CopyStatus is the lifecycle state of a physical book copy. Reserved means
// the copy is on hold for the member at the head of the reservation queue.
type CopyStatus string

const (
	CopyAvailable CopyStatus = "Available"
	CopyIssued    CopyStatus = "Issued"
	CopyReserved  CopyStatus = "Reserved"
	CopyDamaged   CopyStatus = "Damaged"
	CopyLost      CopyStatus = "Lost"
)

// Condition describes the physical condition of a copy.
type Condition string

const (
	ConditionGood    Condition = "Good"
	ConditionFair    Condition = "Fair"
	ConditionDamaged Condition = "Damaged"
	ConditionLost    Condition = "Lost"
)

// ValidCondition reports whether c is one of the accepted condition values.
func ValidCondition(c Condition) bool {
	switch c {
	case ConditionGood, ConditionFair, ConditionDamaged, ConditionLost:
		return true
	}
	return false
}

// BookCopy is one physical copy of a book.
type BookCopy struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	BookID    uuid.UUID  `json:"book_id" db:"book_id"`
	Status    CopyStatus `json:"status" db:"status"`
	Condition Condition  `json:"condition" db:"condition"`
	Version   int        `json:"version" db:"version"`
}

// TransactionType identifies which transition a circulation record, or a
// cancellation of one, refers to.
type TransactionType string

const (
	TransactionIssue  TransactionType = "Issue"
	TransactionReturn TransactionType = "Return"
	TransactionRenew  TransactionType = "Renew"
)

// LoanStatus is the state of a loan lineage. Void marks a cancelled issue;
// the record is kept for audit, never deleted.
type LoanStatus string

const (
	LoanOpen   LoanStatus = "Open"
	LoanClosed LoanStatus = "Closed"
	LoanVoid   LoanStatus = "Void"
)

// Loan is the circulation transaction record for one copy held by one
// member. It is mutated in place by the state machine; every mutation is
// mirrored by an entry in the loan's audit trail.
type Loan struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	MemberID           uuid.UUID  `json:"member_id" db:"member_id"`
	CopyID             uuid.UUID  `json:"copy_id" db:"copy_id"`
	BookID             uuid.UUID  `json:"book_id" db:"book_id"`
	Status             LoanStatus `json:"status" db:"status"`
	IssueDate          time.Time  `json:"issue_date" db:"issue_date"`
	DueDate            time.Time  `json:"due_date" db:"due_date"`
	ReturnDate         *time.Time `json:"return_date,omitempty" db:"return_date"`
	RenewalCount       int        `json:"renewal_count" db:"renewal_count"`
	MaxRenewalsAllowed int        `json:"max_renewals_allowed" db:"max_renewals_allowed"`
	ConditionOnIssue   Condition  `json:"condition_on_issue" db:"condition_on_issue"`
	ConditionOnReturn  *Condition `json:"condition_on_return,omitempty" db:"condition_on_return"`
	DaysOverdue        int        `json:"days_overdue" db:"days_overdue"`
	FineAmount         float64    `json:"fine_amount" db:"fine_amount"`
	Version            int        `json:"version" db:"version"`
}

// IsOpen reports whether the loan is still an open lending.
func (l *Loan) IsOpen() bool {
	return l.Status == LoanOpen && l.ReturnDate == nil
}

// FineType distinguishes the two fines a single loan can carry.
type FineType string

const (
	FineOverdue FineType = "Overdue"
	FineDamage  FineType = "Damage"
)

// PaymentStatus is the ledger-side payment lifecycle of a fine. Payment
// processing itself happens elsewhere; the ledger only tracks amounts.
type PaymentStatus string

const (
	PaymentUnpaid        PaymentStatus = "Unpaid"
	PaymentPartiallyPaid PaymentStatus = "Partially Paid"
	PaymentPaid          PaymentStatus = "Paid"
	PaymentWaived        PaymentStatus = "Waived"
)

// Fine is one ledger record. At most one fine exists per (loan, type).
type Fine struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	MemberID          uuid.UUID     `json:"member_id" db:"member_id"`
	LoanID            uuid.UUID     `json:"loan_id" db:"loan_id"`
	Type              FineType      `json:"fine_type" db:"fine_type"`
	FineDate          time.Time     `json:"fine_date" db:"fine_date"`
	Amount            float64       `json:"fine_amount" db:"fine_amount"`
	PaidAmount        float64       `json:"paid_amount" db:"paid_amount"`
	OutstandingAmount float64       `json:"outstanding_amount" db:"outstanding_amount"`
	PaymentStatus     PaymentStatus `json:"payment_status" db:"payment_status"`
	Version           int           `json:"version" db:"version"`
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "Active"
	ReservationNotified  ReservationStatus = "Notified"
	ReservationExpired   ReservationStatus = "Expired"
	ReservationFulfilled ReservationStatus = "Fulfilled"
)

// Reservation is a member's place in a book's reservation queue.
// Reservations are created outside the engine; the notifier promotes them.
// HeldCopyID is set while a returned copy is held for the notified member.
type Reservation struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	MemberID        uuid.UUID         `json:"member_id" db:"member_id"`
	BookID          uuid.UUID         `json:"book_id" db:"book_id"`
	Status          ReservationStatus `json:"status" db:"status"`
	Priority        int               `json:"priority" db:"priority"`
	ReservationDate time.Time         `json:"reservation_date" db:"reservation_date"`
	NotifiedDate    *time.Time        `json:"notified_date,omitempty" db:"notified_date"`
	ExpiryDate      *time.Time        `json:"expiry_date,omitempty" db:"expiry_date"`
	HeldCopyID      *uuid.UUID        `json:"held_copy_id,omitempty" db:"held_copy_id"`
	Version         int               `json:"version" db:"version"`
}

// Day truncates t to a calendar date at midnight UTC. All circulation date
// arithmetic is date-only; time-of-day never influences overdue math.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b. Negative when b
// is before a.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)) / (24 * time.Hour))
}
