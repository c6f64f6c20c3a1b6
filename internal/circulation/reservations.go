// internal/circulation/reservations.go
package circulation

import (
	"errors"
	"fmt"
	"time"
)

// Mail template identifiers handed to the mailer collaborator.
const (
	MailBookAvailable   = "book_available"
	MailOverdueReminder = "overdue_reminder"
)

// Notification is an outbound mail request produced inside a transaction and
// dispatched only after the transaction commits. Delivery failure never
// rolls back a committed transition.
type Notification struct {
	Recipient string
	Subject   string
	Template  string
	Params    map[string]string
}

// reservationNotifier promotes the reservation queue when a copy of a book
// becomes available again.
type reservationNotifier struct {
	settings Settings
	clock    func() time.Time
}

// OnCopyAvailable selects the Active reservation for the copy's book with
// the lowest (priority, reservation_date), transitions it to Notified and
// places the copy on hold for that member. The returned notification, if
// any, is for the caller to dispatch after commit.
//
// A member without an email address is skipped entirely: the reservation
// stays Active and the copy stays Available for the next sweep.
func (rn reservationNotifier) OnCopyAvailable(tx Tx, copy *BookCopy) (*Notification, error) {
	if copy.Status != CopyAvailable {
		return nil, nil
	}

	res, err := tx.NextActiveReservation(copy.BookID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next reservation: %w", err)
	}

	member, err := tx.Member(res.MemberID)
	if err != nil {
		return nil, fmt.Errorf("load reservation member: %w", err)
	}
	if member.Email == "" {
		return nil, nil
	}

	book, err := tx.Book(copy.BookID)
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}

	now := Day(rn.clock())
	expiry := now.AddDate(0, 0, rn.settings.ReservationExpiryDays)

	res.Status = ReservationNotified
	res.NotifiedDate = &now
	res.ExpiryDate = &expiry
	res.HeldCopyID = &copy.ID
	if err := tx.PutReservation(res); err != nil {
		return nil, fmt.Errorf("update reservation: %w", err)
	}

	copy.Status = CopyReserved
	if err := tx.PutCopy(copy); err != nil {
		return nil, fmt.Errorf("hold copy: %w", err)
	}

	return &Notification{
		Recipient: member.Email,
		Subject:   fmt.Sprintf("Reserved Book Available: %s", book.Title),
		Template:  MailBookAvailable,
		Params: map[string]string{
			"member_name": member.FullName,
			"book_title":  book.Title,
			"author":      book.Author,
			"expiry_date": expiry.Format("2006-01-02"),
		},
	}, nil
}

// releaseHold puts a held copy back into general availability after its
// reservation expired or was fulfilled some other way.
func releaseHold(tx Tx, res *Reservation) error {
	if res.HeldCopyID == nil {
		return nil
	}

	copy, err := tx.Copy(*res.HeldCopyID)
	if err != nil {
		return fmt.Errorf("load held copy: %w", err)
	}
	if copy.Status == CopyReserved {
		copy.Status = CopyAvailable
		if err := tx.PutCopy(copy); err != nil {
			return fmt.Errorf("release copy: %w", err)
		}
	}

	res.HeldCopyID = nil
	return nil
}
