// internal/circulation/store.go
package circulation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/audit"
)

var (
	// ErrNotFound is returned by store lookups when no record matches.
	ErrNotFound = errors.New("record not found")
)

// Store provides transactional access to circulation entities. A transition
// executes as a single atomic unit: Update holds the per-copy serialization
// scope for copyID for the duration of validate+mutate+commit, so at most
// one transition per copy is in flight at any time.
type Store interface {
	// Update runs fn inside a read-write transaction. When copyID is not
	// uuid.Nil the per-copy lock is acquired first; losing the lock race
	// surfaces ErrConcurrencyConflict. Any error from fn rolls back.
	Update(ctx context.Context, copyID uuid.UUID, fn func(tx Tx) error) error

	// View runs fn inside a read-only transaction without a copy lock.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of entity operations available inside a transaction scope.
// Lookups return ErrNotFound when no record matches.
type Tx interface {
	Member(id uuid.UUID) (*Member, error)
	PutMember(m *Member) error
	MembershipType(id uuid.UUID) (*MembershipType, error)

	Book(id uuid.UUID) (*Book, error)
	PutBook(b *Book) error
	Copy(id uuid.UUID) (*BookCopy, error)
	PutCopy(c *BookCopy) error
	CopiesByBook(bookID uuid.UUID) ([]*BookCopy, error)

	Loan(id uuid.UUID) (*Loan, error)
	PutLoan(l *Loan) error
	OpenLoanByCopy(copyID uuid.UUID) (*Loan, error)
	OpenLoanExists(memberID, copyID uuid.UUID) (bool, error)
	OpenLoansByMember(memberID uuid.UUID) ([]*Loan, error)
	CountOpenLoans(memberID uuid.UUID) (int, error)
	CountLifetimeIssues(memberID uuid.UUID) (int, error)
	CountOverdueLoans(memberID uuid.UUID, asOf time.Time) (int, error)
	OverdueLoans(asOf time.Time) ([]*Loan, error)

	Fine(id uuid.UUID) (*Fine, error)
	FineByLoan(loanID uuid.UUID, fineType FineType) (*Fine, error)
	FinesByMember(memberID uuid.UUID) ([]*Fine, error)
	PutFine(f *Fine) error
	DeleteFine(id uuid.UUID) error
	OutstandingFineTotal(memberID uuid.UUID) (float64, error)

	Reservation(id uuid.UUID) (*Reservation, error)
	PutReservation(r *Reservation) error
	NextActiveReservation(bookID uuid.UUID) (*Reservation, error)
	ActiveReservationExists(bookID, excludeMember uuid.UUID) (bool, error)
	ReservationByHeldCopy(copyID uuid.UUID) (*Reservation, error)
	ExpiredReservations(asOf time.Time) ([]*Reservation, error)

	AuditTrail(loanID uuid.UUID) ([]audit.Entry, error)
	AppendAudit(e audit.Entry) error
}
