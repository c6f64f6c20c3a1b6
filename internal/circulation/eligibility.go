// internal/circulation/eligibility.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// IssueFacts is everything the validator needs to decide an issue request.
// The service resolves the facts from the store inside the transaction scope
// so the checks themselves stay pure.
type IssueFacts struct {
	Member         *Member
	MembershipType *MembershipType
	Copy           *BookCopy
	OpenLoans      int
	DuplicateLoan  bool
	// HoldMemberID is the member a Reserved copy is held for, if any.
	HoldMemberID *uuid.UUID
}

// CanIssue checks issue eligibility in order, short-circuiting at the first
// failure. It has no side effects.
func CanIssue(f IssueFacts, today time.Time) error {
	m := f.Member
	if m.Status != MemberActive {
		return ineligible(ReasonMemberInactive, "member %s is not active, status: %s", m.ID, m.Status)
	}
	if m.MembershipEndDate != nil && Day(*m.MembershipEndDate).Before(Day(today)) {
		return ineligible(ReasonMembershipExpired, "membership expired on %s", Day(*m.MembershipEndDate).Format("2006-01-02"))
	}

	switch f.Copy.Status {
	case CopyAvailable:
		// ok
	case CopyReserved:
		// A held copy may only go to the member it is held for.
		if f.HoldMemberID == nil || *f.HoldMemberID != m.ID {
			return ineligible(ReasonCopyUnavailable, "copy %s is held for a reservation", f.Copy.ID)
		}
	default:
		return ineligible(ReasonCopyUnavailable, "copy %s is not available, status: %s", f.Copy.ID, f.Copy.Status)
	}

	if f.OpenLoans >= f.MembershipType.MaxBooksAllowed {
		return ineligible(ReasonMaxBooksReached, "maximum books limit (%d) reached", f.MembershipType.MaxBooksAllowed)
	}

	if f.DuplicateLoan {
		return ineligible(ReasonDuplicateLoan, "copy %s is already issued to member %s", f.Copy.ID, m.ID)
	}

	return nil
}

// CanRenew checks renewal eligibility for an open loan. reservedByOther
// reports whether any other member holds an Active reservation on the book.
func CanRenew(loan *Loan, reservedByOther bool) error {
	if !loan.IsOpen() {
		return ineligible(ReasonAlreadyReturned, "loan %s is not open", loan.ID)
	}
	if loan.RenewalCount >= loan.MaxRenewalsAllowed {
		return ineligible(ReasonRenewalLimitReached, "maximum renewals (%d) reached", loan.MaxRenewalsAllowed)
	}
	if reservedByOther {
		return ineligible(ReasonReservedByOther, "book %s is reserved by another member", loan.BookID)
	}
	return nil
}

// CanReturn checks that the loan is still open.
func CanReturn(loan *Loan) error {
	if !loan.IsOpen() {
		return ineligible(ReasonAlreadyReturned, "loan %s has already been returned", loan.ID)
	}
	return nil
}
