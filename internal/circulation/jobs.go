// internal/circulation/jobs.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// SendOverdueReminders mails every member holding a loan that is at least
// the configured number of days overdue. Read-only, so safe to re-run.
func (s *service) SendOverdueReminders(ctx context.Context) (processed int, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.jobs.overdue_reminders")
	defer span.End()
	defer func() { observeJob("overdue_reminders", processed, err) }()

	if !s.settings.SendOverdueReminders {
		return 0, nil
	}

	today := Day(s.clock())
	var notifications []Notification

	err = s.view(ctx, "overdue reminders", func(tx Tx) error {
		loans, txErr := tx.OverdueLoans(today)
		if txErr != nil {
			return fmt.Errorf("list overdue loans: %w", txErr)
		}

		for _, loan := range loans {
			daysOverdue := DaysBetween(loan.DueDate, today)
			if daysOverdue < s.settings.OverdueReminderDays {
				continue
			}

			member, txErr := tx.Member(loan.MemberID)
			if txErr != nil {
				return fmt.Errorf("load member: %w", txErr)
			}
			if member.Email == "" {
				continue
			}

			book, txErr := tx.Book(loan.BookID)
			if txErr != nil {
				return fmt.Errorf("load book: %w", txErr)
			}

			notifications = append(notifications, Notification{
				Recipient: member.Email,
				Subject:   fmt.Sprintf("Overdue Book Reminder: %s", book.Title),
				Template:  MailOverdueReminder,
				Params: map[string]string{
					"member_name":  member.FullName,
					"book_title":   book.Title,
					"author":       book.Author,
					"due_date":     Day(loan.DueDate).Format("2006-01-02"),
					"days_overdue": fmt.Sprintf("%d", daysOverdue),
				},
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, n := range notifications {
		s.dispatcher.Dispatch(n)
		notificationsTotal.Inc()
	}

	span.SetAttributes(attribute.Int("reminders.sent", len(notifications)))
	return len(notifications), nil
}

// AutoCalculateFines recalculates overdue days and the overdue fine for
// every open overdue loan. The ledger updates the existing fine record in
// place, so re-running the job never duplicates fines.
func (s *service) AutoCalculateFines(ctx context.Context) (processed int, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.jobs.auto_fines")
	defer span.End()
	defer func() { observeJob("auto_fines", processed, err) }()

	if !s.settings.EnableFines {
		return 0, nil
	}

	today := Day(s.clock())

	// Collect IDs first; each loan is then recalculated in its own per-copy
	// transaction so an interrupted run leaves every processed loan intact.
	var candidates []*Loan
	err = s.view(ctx, "auto fines", func(tx Tx) error {
		loans, txErr := tx.OverdueLoans(today)
		if txErr != nil {
			return fmt.Errorf("list overdue loans: %w", txErr)
		}
		candidates = loans
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, candidate := range candidates {
		updateErr := s.update(ctx, "auto fines", candidate.CopyID, func(tx Tx) error {
			loan, txErr := tx.Loan(candidate.ID)
			if txErr != nil {
				return fmt.Errorf("load loan: %w", txErr)
			}
			if !loan.IsOpen() || !today.After(Day(loan.DueDate)) {
				return nil // returned or renewed since the scan
			}

			mtype, txErr := s.membershipTypeFor(tx, loan.MemberID)
			if txErr != nil {
				return txErr
			}

			daysOverdue := DaysBetween(loan.DueDate, today)
			newFine := float64(daysOverdue) * mtype.FinePerDay

			if daysOverdue == loan.DaysOverdue && newFine == loan.FineAmount {
				return nil
			}

			loan.DaysOverdue = daysOverdue
			loan.FineAmount = newFine
			if txErr = tx.PutLoan(loan); txErr != nil {
				return fmt.Errorf("update loan: %w", txErr)
			}

			if newFine > 0 {
				if _, txErr = s.ledger.Record(tx, loan, newFine, FineOverdue); txErr != nil {
					return txErr
				}
				finesRecordedTotal.WithLabelValues(string(FineOverdue)).Inc()
			}

			return s.stats.RefreshMember(tx, loan.MemberID)
		})
		if updateErr != nil {
			if errors.Is(updateErr, ErrConcurrencyConflict) {
				// Someone is returning or renewing this copy right now; the
				// next daily run will pick the loan up again.
				s.logger.WarnContext(ctx, "skipping loan, copy busy", "loan_id", candidate.ID)
				continue
			}
			return processed, updateErr
		}
		processed++
	}

	span.SetAttributes(attribute.Int("loans.processed", processed))
	return processed, nil
}

// ExpireUnclaimedReservations expires notified reservations whose pickup
// window has passed, releases the held copies and promotes the next
// reservation in each queue.
func (s *service) ExpireUnclaimedReservations(ctx context.Context) (processed int, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.jobs.expire_reservations")
	defer span.End()
	defer func() { observeJob("expire_reservations", processed, err) }()

	today := Day(s.clock())

	var expired []*Reservation
	err = s.view(ctx, "expire reservations", func(tx Tx) error {
		list, txErr := tx.ExpiredReservations(today)
		if txErr != nil {
			return fmt.Errorf("list expired reservations: %w", txErr)
		}
		expired = list
		return nil
	})
	if err != nil {
		return 0, err
	}

	var notifications []Notification

	for _, candidate := range expired {
		copyID := candidate.HeldCopyID
		var lockID uuid.UUID
		if copyID != nil {
			lockID = *copyID
		}

		updateErr := s.update(ctx, "expire reservations", lockID, func(tx Tx) error {
			res, txErr := tx.Reservation(candidate.ID)
			if txErr != nil {
				return fmt.Errorf("load reservation: %w", txErr)
			}
			if res.Status != ReservationNotified {
				return nil // claimed or already expired since the scan
			}

			res.Status = ReservationExpired
			if txErr = releaseHold(tx, res); txErr != nil {
				return txErr
			}
			if txErr = tx.PutReservation(res); txErr != nil {
				return fmt.Errorf("expire reservation: %w", txErr)
			}

			// The released copy goes to the next member in the queue.
			if copyID != nil {
				copy, txErr := tx.Copy(*copyID)
				if txErr != nil {
					return fmt.Errorf("load copy: %w", txErr)
				}

				n, txErr := s.notifier.OnCopyAvailable(tx, copy)
				if txErr != nil {
					return txErr
				}
				if n != nil {
					notifications = append(notifications, *n)
				}

				// The copy changed status (released, possibly re-held), so
				// the book's availability counters need a recount.
				if txErr = s.stats.RefreshBook(tx, copy.BookID); txErr != nil {
					return txErr
				}
			}
			return nil
		})
		if updateErr != nil {
			if errors.Is(updateErr, ErrConcurrencyConflict) {
				s.logger.WarnContext(ctx, "skipping reservation, copy busy", "reservation_id", candidate.ID)
				continue
			}
			return processed, updateErr
		}
		processed++
	}

	for _, n := range notifications {
		s.dispatcher.Dispatch(n)
		notificationsTotal.Inc()
	}

	span.SetAttributes(
		attribute.Int("reservations.expired", processed),
		attribute.Int("reservations.promoted", len(notifications)),
	)
	return processed, nil
}
