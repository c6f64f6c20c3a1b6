// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/audit"
)

// Dispatcher delivers notifications produced by committed transitions.
// Implementations must not block; delivery failure is logged, never
// propagated back into the transition.
type Dispatcher interface {
	Dispatch(n Notification)
}

// service implements the Service interface. All four transitions run under
// the store's per-copy serialization scope: validation, mutation, audit
// append and stats refresh commit atomically or not at all.
type service struct {
	store      Store
	settings   Settings
	dispatcher Dispatcher
	ledger     fineLedger
	notifier   reservationNotifier
	stats      statsAggregator
	clock      func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures the service.
type Option func(*service)

// WithClock overrides the time source, used by tests to freeze dates.
func WithClock(clock func() time.Time) Option {
	return func(s *service) { s.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// NewService creates the circulation engine.
func NewService(store Store, settings Settings, dispatcher Dispatcher, opts ...Option) Service {
	s := &service{
		store:      store,
		settings:   settings,
		dispatcher: dispatcher,
		clock:      time.Now,
		logger:     slog.Default(),
		tracer:     otel.Tracer("libracirc/circulation"),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.ledger = fineLedger{clock: s.clock}
	s.notifier = reservationNotifier{settings: settings, clock: s.clock}
	s.stats = statsAggregator{clock: s.clock}

	return s
}

// IssueBook opens a loan: NoLoan -> Open. Loan terms are snapshotted from
// the member's current membership type; later membership changes never
// retroactively affect open loans.
func (s *service) IssueBook(ctx context.Context, req IssueRequest) (loan *Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.issue",
		trace.WithAttributes(
			attribute.String("member.id", req.MemberID.String()),
			attribute.String("copy.id", req.CopyID.String()),
		),
	)
	defer span.End()
	defer func() { observeTransition(TransactionIssue, err) }()

	if err = validateActor(req.Actor); err != nil {
		return nil, err
	}

	issueDate := Day(s.clock())
	if req.IssueDate != nil {
		issueDate = Day(*req.IssueDate)
	}

	err = s.update(ctx, "issue", req.CopyID, func(tx Tx) error {
		member, copy, mtype, txErr := s.resolveIssueParties(tx, req.MemberID, req.CopyID)
		if txErr != nil {
			return txErr
		}

		facts, txErr := s.gatherIssueFacts(tx, member, copy, mtype)
		if txErr != nil {
			return txErr
		}
		if txErr = CanIssue(facts, s.clock()); txErr != nil {
			return txErr
		}

		loan = &Loan{
			ID:                 uuid.New(),
			MemberID:           member.ID,
			CopyID:             copy.ID,
			BookID:             copy.BookID,
			Status:             LoanOpen,
			IssueDate:          issueDate,
			DueDate:            issueDate.AddDate(0, 0, mtype.LoanPeriodDays),
			RenewalCount:       0,
			MaxRenewalsAllowed: mtype.MaxRenewals,
			ConditionOnIssue:   copy.Condition,
		}
		if txErr = tx.PutLoan(loan); txErr != nil {
			return fmt.Errorf("create loan: %w", txErr)
		}

		// A held copy issued to the notified member fulfills the reservation.
		if copy.Status == CopyReserved {
			if txErr = s.fulfillHold(tx, copy); txErr != nil {
				return txErr
			}
		}

		copy.Status = CopyIssued
		if txErr = tx.PutCopy(copy); txErr != nil {
			return fmt.Errorf("update copy: %w", txErr)
		}

		if txErr = s.appendAudit(tx, loan.ID, audit.LoanIssued, req.Actor, audit.IssuedPayload{
			IssueDate:   loan.IssueDate,
			DueDate:     loan.DueDate,
			MaxRenewals: loan.MaxRenewalsAllowed,
		}); txErr != nil {
			return txErr
		}

		return s.refreshStats(tx, member.ID, copy.BookID)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	s.logger.InfoContext(ctx, "book issued",
		"loan_id", loan.ID, "member_id", req.MemberID, "copy_id", req.CopyID, "due_date", loan.DueDate)

	return loan, nil
}

// ReturnBook closes a loan: Open -> Closed. Overdue days are whole calendar
// days past the due date; the overdue fine uses the membership-type rate
// with no cap. A damaged return marks the copy Damaged and adds a flat
// damage fine on top of any overdue fine.
func (s *service) ReturnBook(ctx context.Context, req ReturnRequest) (loan *Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("loan.id", req.LoanID.String())),
	)
	defer span.End()
	defer func() { observeTransition(TransactionReturn, err) }()

	if err = validateActor(req.Actor); err != nil {
		return nil, err
	}
	if req.Condition != nil && !ValidCondition(*req.Condition) {
		return nil, invalid("condition", "must be one of Good, Fair, Damaged, Lost")
	}

	var notification *Notification

	err = s.updateLoan(ctx, "return", req.LoanID, func(tx Tx, l *Loan) error {
		loan = l
		if txErr := CanReturn(loan); txErr != nil {
			return txErr
		}

		returnDate := Day(s.clock())
		if req.ReturnDate != nil {
			returnDate = Day(*req.ReturnDate)
		}
		if returnDate.Before(Day(loan.IssueDate)) {
			return invalid("return_date", "return date %s is before issue date %s",
				returnDate.Format("2006-01-02"), Day(loan.IssueDate).Format("2006-01-02"))
		}

		loan.Status = LoanClosed
		loan.ReturnDate = &returnDate
		loan.ConditionOnReturn = req.Condition
		loan.DaysOverdue = 0
		loan.FineAmount = 0

		if returnDate.After(Day(loan.DueDate)) {
			loan.DaysOverdue = DaysBetween(loan.DueDate, returnDate)
		}

		if s.settings.EnableFines && loan.DaysOverdue > 0 {
			mtype, txErr := s.membershipTypeFor(tx, loan.MemberID)
			if txErr != nil {
				return txErr
			}

			loan.FineAmount = float64(loan.DaysOverdue) * mtype.FinePerDay
			if loan.FineAmount > 0 {
				if _, txErr = s.ledger.Record(tx, loan, loan.FineAmount, FineOverdue); txErr != nil {
					return txErr
				}
				finesRecordedTotal.WithLabelValues(string(FineOverdue)).Inc()
			}
		}

		if txErr := tx.PutLoan(loan); txErr != nil {
			return fmt.Errorf("update loan: %w", txErr)
		}

		copy, txErr := tx.Copy(loan.CopyID)
		if txErr != nil {
			return fmt.Errorf("load copy: %w", txErr)
		}

		if req.Condition != nil && *req.Condition == ConditionDamaged {
			copy.Status = CopyDamaged
			copy.Condition = ConditionDamaged
			if s.settings.EnableFines {
				if _, txErr = s.ledger.Record(tx, loan, s.settings.DamageFineAmount, FineDamage); txErr != nil {
					return txErr
				}
				finesRecordedTotal.WithLabelValues(string(FineDamage)).Inc()
			}
		} else {
			copy.Status = CopyAvailable
			if req.Condition != nil {
				copy.Condition = *req.Condition
			}
		}

		if txErr = tx.PutCopy(copy); txErr != nil {
			return fmt.Errorf("update copy: %w", txErr)
		}

		if txErr = s.appendAudit(tx, loan.ID, audit.LoanReturned, req.Actor, audit.ReturnedPayload{
			ReturnDate:  returnDate,
			DaysOverdue: loan.DaysOverdue,
			FineAmount:  loan.FineAmount,
		}); txErr != nil {
			return txErr
		}

		// Promote the reservation queue while the copy row is still locked,
		// and before the stats recount so a hold placed on the returned copy
		// is already reflected in the committed availability counters. The
		// mail itself goes out after commit.
		notification, txErr = s.notifier.OnCopyAvailable(tx, copy)
		if txErr != nil {
			return txErr
		}

		return s.refreshStats(tx, loan.MemberID, loan.BookID)
	})
	if err != nil {
		return nil, err
	}

	if notification != nil {
		s.dispatcher.Dispatch(*notification)
		notificationsTotal.Inc()
	}

	span.SetAttributes(attribute.Int("loan.days_overdue", loan.DaysOverdue))
	s.logger.InfoContext(ctx, "book returned",
		"loan_id", loan.ID, "days_overdue", loan.DaysOverdue, "fine_amount", loan.FineAmount)

	return loan, nil
}

// RenewBook extends an open loan: Open -> Open, renewal_count += 1. The new
// due date compounds from the prior due date, never from today, so a late
// renewal does not reset the schedule.
func (s *service) RenewBook(ctx context.Context, req RenewRequest) (loan *Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.renew",
		trace.WithAttributes(attribute.String("loan.id", req.LoanID.String())),
	)
	defer span.End()
	defer func() { observeTransition(TransactionRenew, err) }()

	if err = validateActor(req.Actor); err != nil {
		return nil, err
	}

	err = s.updateLoan(ctx, "renew", req.LoanID, func(tx Tx, l *Loan) error {
		loan = l

		reservedByOther, txErr := tx.ActiveReservationExists(loan.BookID, loan.MemberID)
		if txErr != nil {
			return fmt.Errorf("check reservations: %w", txErr)
		}
		if txErr = CanRenew(loan, reservedByOther); txErr != nil {
			return txErr
		}

		mtype, txErr := s.membershipTypeFor(tx, loan.MemberID)
		if txErr != nil {
			return txErr
		}

		previousDue := loan.DueDate
		loan.DueDate = Day(previousDue).AddDate(0, 0, mtype.LoanPeriodDays)
		loan.RenewalCount++

		if txErr = tx.PutLoan(loan); txErr != nil {
			return fmt.Errorf("update loan: %w", txErr)
		}

		if txErr = s.appendAudit(tx, loan.ID, audit.LoanRenewed, req.Actor, audit.RenewedPayload{
			PreviousDueDate: Day(previousDue),
			NewDueDate:      loan.DueDate,
			RenewalCount:    loan.RenewalCount,
		}); txErr != nil {
			return txErr
		}

		return s.stats.RefreshMember(tx, loan.MemberID)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("loan.renewal_count", loan.RenewalCount))
	s.logger.InfoContext(ctx, "loan renewed",
		"loan_id", loan.ID, "renewal_count", loan.RenewalCount, "due_date", loan.DueDate)

	return loan, nil
}

// CancelTransaction reverses the side effects of a committed transaction.
// The loan record itself is never deleted: an issue cancellation marks it
// Void, the other kinds restore the prior open/closed state.
func (s *service) CancelTransaction(ctx context.Context, req CancelRequest) (loan *Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.cancel",
		trace.WithAttributes(
			attribute.String("loan.id", req.LoanID.String()),
			attribute.String("cancel.kind", string(req.Kind)),
		),
	)
	defer span.End()
	defer func() { observeCancel(req.Kind, err) }()

	if err = validateActor(req.Actor); err != nil {
		return nil, err
	}

	switch req.Kind {
	case TransactionIssue, TransactionReturn, TransactionRenew:
	default:
		return nil, invalid("kind", "unknown transaction type %q", req.Kind)
	}

	err = s.updateLoan(ctx, "cancel", req.LoanID, func(tx Tx, l *Loan) error {
		loan = l
		switch req.Kind {
		case TransactionIssue:
			return s.cancelIssue(ctx, tx, loan, req.Actor)
		case TransactionReturn:
			return s.cancelReturn(ctx, tx, loan, req.Actor)
		default:
			return s.cancelRenew(ctx, tx, loan, req.Actor)
		}
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "transaction cancelled",
		"loan_id", loan.ID, "kind", req.Kind, "actor", req.Actor)

	return loan, nil
}

func (s *service) cancelIssue(_ context.Context, tx Tx, loan *Loan, actor string) error {
	if !loan.IsOpen() {
		return ineligible(ReasonAlreadyReturned, "cannot cancel issue of loan %s, it is %s", loan.ID, loan.Status)
	}

	loan.Status = LoanVoid
	if err := tx.PutLoan(loan); err != nil {
		return fmt.Errorf("void loan: %w", err)
	}

	copy, err := tx.Copy(loan.CopyID)
	if err != nil {
		return fmt.Errorf("load copy: %w", err)
	}
	copy.Status = CopyAvailable
	if err := tx.PutCopy(copy); err != nil {
		return fmt.Errorf("update copy: %w", err)
	}

	if err := s.appendAudit(tx, loan.ID, audit.TransactionCancelled, actor, audit.CancelledPayload{
		Kind: string(TransactionIssue),
	}); err != nil {
		return err
	}

	return s.refreshStats(tx, loan.MemberID, loan.BookID)
}

func (s *service) cancelReturn(ctx context.Context, tx Tx, loan *Loan, actor string) error {
	if loan.Status != LoanClosed {
		return invalid("loan", "loan %s has no return to cancel", loan.ID)
	}

	loan.Status = LoanOpen
	loan.ReturnDate = nil
	loan.ConditionOnReturn = nil
	loan.DaysOverdue = 0
	loan.FineAmount = 0
	if err := tx.PutLoan(loan); err != nil {
		return fmt.Errorf("reopen loan: %w", err)
	}

	copy, err := tx.Copy(loan.CopyID)
	if err != nil {
		return fmt.Errorf("load copy: %w", err)
	}

	// The return may have put the copy on hold for a reservation; undo the
	// promotion before handing the copy back to the borrower.
	if copy.Status == CopyReserved {
		if err := s.revertHold(tx, copy); err != nil {
			return err
		}
	}

	copy.Status = CopyIssued
	if err := tx.PutCopy(copy); err != nil {
		return fmt.Errorf("update copy: %w", err)
	}

	for _, fineType := range []FineType{FineOverdue, FineDamage} {
		kept, err := s.ledger.Reverse(tx, loan.ID, fineType)
		if err != nil {
			return err
		}
		if kept != nil {
			s.logger.WarnContext(ctx, "fine kept on return cancellation, payments recorded against it",
				"fine_id", kept.ID, "loan_id", loan.ID, "fine_type", fineType, "paid_amount", kept.PaidAmount)
		}
	}

	if err := s.appendAudit(tx, loan.ID, audit.TransactionCancelled, actor, audit.CancelledPayload{
		Kind: string(TransactionReturn),
	}); err != nil {
		return err
	}

	return s.refreshStats(tx, loan.MemberID, loan.BookID)
}

func (s *service) cancelRenew(_ context.Context, tx Tx, loan *Loan, actor string) error {
	if !loan.IsOpen() {
		return ineligible(ReasonAlreadyReturned, "cannot cancel renewal of loan %s, it is %s", loan.ID, loan.Status)
	}
	if loan.RenewalCount == 0 {
		return invalid("loan", "loan %s has no renewal to cancel", loan.ID)
	}

	trail, err := tx.AuditTrail(loan.ID)
	if err != nil {
		return fmt.Errorf("load audit trail: %w", err)
	}

	step, err := audit.RenewalStep(trail, loan.RenewalCount)
	if err != nil {
		return fmt.Errorf("locate renewal step %d: %w", loan.RenewalCount, err)
	}

	restored := step.PreviousDueDate
	loan.DueDate = restored
	loan.RenewalCount--
	if err := tx.PutLoan(loan); err != nil {
		return fmt.Errorf("update loan: %w", err)
	}

	if err := s.appendAudit(tx, loan.ID, audit.TransactionCancelled, actor, audit.CancelledPayload{
		Kind:            string(TransactionRenew),
		RestoredDueDate: &restored,
	}); err != nil {
		return err
	}

	return s.stats.RefreshMember(tx, loan.MemberID)
}

// RecordFinePayment records a payment amount against a fine. Tracking only;
// no money moves here.
func (s *service) RecordFinePayment(ctx context.Context, req PaymentRequest) (*Fine, error) {
	if err := validateActor(req.Actor); err != nil {
		return nil, err
	}

	var fine *Fine
	err := s.updateFine(ctx, "fine payment", req.FineID, func(tx Tx, f *Fine) error {
		if txErr := s.ledger.Pay(tx, f, req.Amount); txErr != nil {
			return txErr
		}
		fine = f

		return s.stats.RefreshMember(tx, f.MemberID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "fine payment recorded",
		"fine_id", fine.ID, "paid_amount", fine.PaidAmount, "status", fine.PaymentStatus)

	return fine, nil
}

// WaiveFine marks a fine waived and clears its outstanding amount.
func (s *service) WaiveFine(ctx context.Context, fineID uuid.UUID, actor string) (*Fine, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	var fine *Fine
	err := s.updateFine(ctx, "fine waiver", fineID, func(tx Tx, f *Fine) error {
		if txErr := s.ledger.Waive(tx, f); txErr != nil {
			return txErr
		}
		fine = f

		return s.stats.RefreshMember(tx, f.MemberID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "fine waived", "fine_id", fine.ID, "actor", actor)

	return fine, nil
}

// GetLoan fetches one loan.
func (s *service) GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	var loan *Loan
	err := s.view(ctx, "get loan", func(tx Tx) error {
		l, txErr := tx.Loan(loanID)
		if txErr != nil {
			return txErr
		}
		loan = l
		return nil
	})
	return loan, err
}

// MemberSummary returns the member's activity view.
func (s *service) MemberSummary(ctx context.Context, memberID uuid.UUID) (*MemberSummary, error) {
	var summary *MemberSummary
	err := s.view(ctx, "member summary", func(tx Tx) error {
		member, txErr := tx.Member(memberID)
		if txErr != nil {
			return txErr
		}

		loans, txErr := tx.OpenLoansByMember(memberID)
		if txErr != nil {
			return fmt.Errorf("list open loans: %w", txErr)
		}

		fines, txErr := tx.FinesByMember(memberID)
		if txErr != nil {
			return fmt.Errorf("list fines: %w", txErr)
		}

		summary = &MemberSummary{Member: member, OpenLoans: loans, Fines: fines}
		return nil
	})
	return summary, err
}

// resolveIssueParties loads and validates the entities an issue refers to.
func (s *service) resolveIssueParties(tx Tx, memberID, copyID uuid.UUID) (*Member, *BookCopy, *MembershipType, error) {
	member, err := tx.Member(memberID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, invalid("member", "member %s does not exist", memberID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load member: %w", err)
	}

	copy, err := tx.Copy(copyID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, invalid("copy", "book copy %s does not exist", copyID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load copy: %w", err)
	}

	mtype, err := tx.MembershipType(member.MembershipTypeID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load membership type: %w", err)
	}

	return member, copy, mtype, nil
}

func (s *service) gatherIssueFacts(tx Tx, member *Member, copy *BookCopy, mtype *MembershipType) (IssueFacts, error) {
	openLoans, err := tx.CountOpenLoans(member.ID)
	if err != nil {
		return IssueFacts{}, fmt.Errorf("count open loans: %w", err)
	}

	duplicate, err := tx.OpenLoanExists(member.ID, copy.ID)
	if err != nil {
		return IssueFacts{}, fmt.Errorf("check duplicate loan: %w", err)
	}

	facts := IssueFacts{
		Member:         member,
		MembershipType: mtype,
		Copy:           copy,
		OpenLoans:      openLoans,
		DuplicateLoan:  duplicate,
	}

	if copy.Status == CopyReserved {
		res, err := tx.ReservationByHeldCopy(copy.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return IssueFacts{}, fmt.Errorf("load hold: %w", err)
		}
		if res != nil {
			facts.HoldMemberID = &res.MemberID
		}
	}

	return facts, nil
}

// fulfillHold marks the hold reservation on copy as fulfilled.
func (s *service) fulfillHold(tx Tx, copy *BookCopy) error {
	res, err := tx.ReservationByHeldCopy(copy.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load hold: %w", err)
	}

	res.Status = ReservationFulfilled
	res.HeldCopyID = nil
	if err := tx.PutReservation(res); err != nil {
		return fmt.Errorf("fulfill reservation: %w", err)
	}
	return nil
}

// revertHold demotes a Notified reservation holding copy back to Active.
func (s *service) revertHold(tx Tx, copy *BookCopy) error {
	res, err := tx.ReservationByHeldCopy(copy.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load hold: %w", err)
	}

	res.Status = ReservationActive
	res.NotifiedDate = nil
	res.ExpiryDate = nil
	res.HeldCopyID = nil
	if err := tx.PutReservation(res); err != nil {
		return fmt.Errorf("revert reservation: %w", err)
	}
	return nil
}

func (s *service) membershipTypeFor(tx Tx, memberID uuid.UUID) (*MembershipType, error) {
	member, err := tx.Member(memberID)
	if err != nil {
		return nil, fmt.Errorf("load member: %w", err)
	}
	mtype, err := tx.MembershipType(member.MembershipTypeID)
	if err != nil {
		return nil, fmt.Errorf("load membership type: %w", err)
	}
	return mtype, nil
}

func (s *service) appendAudit(tx Tx, loanID uuid.UUID, entryType audit.EntryType, actor string, payload any) error {
	trail, err := tx.AuditTrail(loanID)
	if err != nil {
		return fmt.Errorf("load audit trail: %w", err)
	}

	entry, err := audit.NewEntry(loanID, audit.NextSeq(trail), entryType, actor, payload, s.clock())
	if err != nil {
		return err
	}

	if err := tx.AppendAudit(entry); err != nil {
		if errors.Is(err, audit.ErrSequenceConflict) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *service) refreshStats(tx Tx, memberID, bookID uuid.UUID) error {
	if err := s.stats.RefreshMember(tx, memberID); err != nil {
		return err
	}
	return s.stats.RefreshBook(tx, bookID)
}

// updateFine resolves the copy behind the fine's loan so payment mutations
// run under the same serialization scope as the transitions that create and
// reverse fines. Concurrent payments against one fine serialize here; the
// loser re-reads the updated amounts and fails the overpayment guard instead
// of silently overwriting.
func (s *service) updateFine(ctx context.Context, op string, fineID uuid.UUID, fn func(tx Tx, fine *Fine) error) error {
	var copyID uuid.UUID

	err := s.view(ctx, op, func(tx Tx) error {
		fine, txErr := tx.Fine(fineID)
		if errors.Is(txErr, ErrNotFound) {
			return invalid("fine", "fine %s does not exist", fineID)
		}
		if txErr != nil {
			return txErr
		}

		loan, txErr := tx.Loan(fine.LoanID)
		if txErr != nil {
			return fmt.Errorf("load loan: %w", txErr)
		}
		copyID = loan.CopyID
		return nil
	})
	if err != nil {
		return err
	}

	return s.update(ctx, op, copyID, func(tx Tx) error {
		// Reload under the lock; the pre-read was only for the copy ID.
		fine, txErr := tx.Fine(fineID)
		if errors.Is(txErr, ErrNotFound) {
			return invalid("fine", "fine %s does not exist", fineID)
		}
		if txErr != nil {
			return fmt.Errorf("load fine: %w", txErr)
		}
		return fn(tx, fine)
	})
}

// updateLoan resolves the loan's copy first so the transition can run under
// that copy's serialization scope.
func (s *service) updateLoan(ctx context.Context, op string, loanID uuid.UUID, fn func(tx Tx, loan *Loan) error) error {
	var copyID uuid.UUID

	err := s.view(ctx, op, func(tx Tx) error {
		loan, txErr := tx.Loan(loanID)
		if errors.Is(txErr, ErrNotFound) {
			return invalid("loan", "circulation record %s does not exist", loanID)
		}
		if txErr != nil {
			return txErr
		}
		copyID = loan.CopyID
		return nil
	})
	if err != nil {
		return err
	}

	return s.update(ctx, op, copyID, func(tx Tx) error {
		// Reload under the lock; the pre-read was only for the copy ID.
		loan, txErr := tx.Loan(loanID)
		if txErr != nil {
			return fmt.Errorf("load loan: %w", txErr)
		}
		return fn(tx, loan)
	})
}

// update runs fn in the store's write scope and classifies the failure:
// domain errors pass through, everything else is a StoreError.
func (s *service) update(ctx context.Context, op string, copyID uuid.UUID, fn func(tx Tx) error) error {
	err := s.store.Update(ctx, copyID, fn)
	return classify(op, err)
}

func (s *service) view(ctx context.Context, op string, fn func(tx Tx) error) error {
	return classify(op, s.store.View(ctx, fn))
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsIneligible(err); ok {
		return err
	}
	if _, ok := AsValidation(err); ok {
		return err
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		return ErrConcurrencyConflict
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func validateActor(actor string) error {
	if actor == "" {
		return invalid("actor", "actor is required")
	}
	return nil
}
