// internal/store/postgres/store.go

// Package postgres is the durable entity store. Per-copy serialization uses
// a row lock on the copy (FOR UPDATE NOWAIT) so a transition that loses the
// race fails fast with a retryable conflict instead of queueing.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"libracirc/internal/audit"
	"libracirc/internal/circulation"
)

//go:embed schema.sql
var schema string

const defaultTimeout = 5 * time.Second

var dialect = goqu.Dialect("postgres")

// Store implements circulation.Store on PostgreSQL.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, timeout: defaultTimeout}
}

// EnsureSchema creates the circulation tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Update runs fn in a read-write transaction. When copyID is set the copy
// row is locked first; a lock already held by another transition surfaces
// circulation.ErrConcurrencyConflict.
func (s *Store) Update(ctx context.Context, copyID uuid.UUID, fn func(tx circulation.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	if copyID != uuid.Nil {
		var locked uuid.UUID
		err = dbtx.GetContext(ctx, &locked,
			`SELECT id FROM book_copies WHERE id = $1 FOR UPDATE NOWAIT`, copyID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return mapError(err)
		}
	}

	if err := fn(&tx{ctx: ctx, q: dbtx}); err != nil {
		return err
	}

	if err := dbtx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx circulation.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dbtx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	if err := fn(&tx{ctx: ctx, q: dbtx}); err != nil {
		return err
	}
	return dbtx.Commit()
}

// mapError translates driver errors into the engine's taxonomy.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return circulation.ErrConcurrencyConflict
		case "23505": // unique_violation: concurrent writer won
			return circulation.ErrConcurrencyConflict
		}
	}
	return err
}

type tx struct {
	ctx context.Context
	q   sqlx.ExtContext
}

func (t *tx) get(dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	err = sqlx.GetContext(t.ctx, t.q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.ErrNotFound
	}
	return mapError(err)
}

func (t *tx) list(dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return mapError(sqlx.SelectContext(t.ctx, t.q, dest, query, args...))
}

func (t *tx) exec(query string, args ...any) error {
	_, err := t.q.ExecContext(t.ctx, query, args...)
	return mapError(err)
}

func (t *tx) Member(id uuid.UUID) (*circulation.Member, error) {
	var m circulation.Member
	if err := t.get(&m, dialect.From("members").Where(goqu.Ex{"id": id})); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *tx) PutMember(m *circulation.Member) error {
	return t.exec(`
		INSERT INTO members (id, full_name, email, membership_type_id, status, membership_end_date,
			books_issued, total_books_borrowed, overdue_books, outstanding_balance, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			email = EXCLUDED.email,
			membership_type_id = EXCLUDED.membership_type_id,
			status = EXCLUDED.status,
			membership_end_date = EXCLUDED.membership_end_date,
			books_issued = EXCLUDED.books_issued,
			total_books_borrowed = EXCLUDED.total_books_borrowed,
			overdue_books = EXCLUDED.overdue_books,
			outstanding_balance = EXCLUDED.outstanding_balance,
			version = members.version + 1
	`, m.ID, m.FullName, m.Email, m.MembershipTypeID, m.Status, m.MembershipEndDate,
		m.BooksIssued, m.TotalBooksBorrowed, m.OverdueBooks, m.OutstandingBalance)
}

func (t *tx) MembershipType(id uuid.UUID) (*circulation.MembershipType, error) {
	var mt circulation.MembershipType
	if err := t.get(&mt, dialect.From("membership_types").Where(goqu.Ex{"id": id})); err != nil {
		return nil, err
	}
	return &mt, nil
}

func (t *tx) Book(id uuid.UUID) (*circulation.Book, error) {
	var b circulation.Book
	if err := t.get(&b, dialect.From("books").Where(goqu.Ex{"id": id})); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *tx) PutBook(b *circulation.Book) error {
	return t.exec(`
		INSERT INTO books (id, title, author, total_copies, available_copies, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			author = EXCLUDED.author,
			total_copies = EXCLUDED.total_copies,
			available_copies = EXCLUDED.available_copies,
			status = EXCLUDED.status,
			version = books.version + 1
	`, b.ID, b.Title, b.Author, b.TotalCopies, b.AvailableCopies, b.Status)
}

func (t *tx) Copy(id uuid.UUID) (*circulation.BookCopy, error) {
	var c circulation.BookCopy
	if err := t.get(&c, dialect.From("book_copies").Where(goqu.Ex{"id": id})); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *tx) PutCopy(c *circulation.BookCopy) error {
	return t.exec(`
		INSERT INTO book_copies (id, book_id, status, condition, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (id) DO UPDATE SET
			book_id = EXCLUDED.book_id,
			status = EXCLUDED.status,
			condition = EXCLUDED.condition,
			version = book_copies.version + 1
	`, c.ID, c.BookID, c.Status, c.Condition)
}

func (t *tx) CopiesByBook(bookID uuid.UUID) ([]*circulation.BookCopy, error) {
	var out []*circulation.BookCopy
	err := t.list(&out, dialect.From("book_copies").Where(goqu.Ex{"book_id": bookID}).Order(goqu.I("id").Asc()))
	return out, err
}

func (t *tx) Loan(id uuid.UUID) (*circulation.Loan, error) {
	var l circulation.Loan
	if err := t.get(&l, dialect.From("loans").Where(goqu.Ex{"id": id})); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *tx) PutLoan(l *circulation.Loan) error {
	return t.exec(`
		INSERT INTO loans (id, member_id, copy_id, book_id, status, issue_date, due_date, return_date,
			renewal_count, max_renewals_allowed, condition_on_issue, condition_on_return,
			days_overdue, fine_amount, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			due_date = EXCLUDED.due_date,
			return_date = EXCLUDED.return_date,
			renewal_count = EXCLUDED.renewal_count,
			condition_on_return = EXCLUDED.condition_on_return,
			days_overdue = EXCLUDED.days_overdue,
			fine_amount = EXCLUDED.fine_amount,
			version = loans.version + 1
	`, l.ID, l.MemberID, l.CopyID, l.BookID, l.Status, l.IssueDate, l.DueDate, l.ReturnDate,
		l.RenewalCount, l.MaxRenewalsAllowed, l.ConditionOnIssue, l.ConditionOnReturn,
		l.DaysOverdue, l.FineAmount)
}

func openLoanEx() goqu.Ex {
	return goqu.Ex{"status": circulation.LoanOpen, "return_date": nil}
}

func (t *tx) OpenLoanByCopy(copyID uuid.UUID) (*circulation.Loan, error) {
	var l circulation.Loan
	ds := dialect.From("loans").Where(goqu.Ex{"copy_id": copyID}, openLoanEx())
	if err := t.get(&l, ds); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *tx) OpenLoanExists(memberID, copyID uuid.UUID) (bool, error) {
	n, err := t.count(dialect.From("loans").
		Where(goqu.Ex{"member_id": memberID, "copy_id": copyID}, openLoanEx()))
	return n > 0, err
}

func (t *tx) OpenLoansByMember(memberID uuid.UUID) ([]*circulation.Loan, error) {
	var out []*circulation.Loan
	ds := dialect.From("loans").
		Where(goqu.Ex{"member_id": memberID}, openLoanEx()).
		Order(goqu.I("issue_date").Asc())
	err := t.list(&out, ds)
	return out, err
}

func (t *tx) CountOpenLoans(memberID uuid.UUID) (int, error) {
	return t.count(dialect.From("loans").Where(goqu.Ex{"member_id": memberID}, openLoanEx()))
}

func (t *tx) CountLifetimeIssues(memberID uuid.UUID) (int, error) {
	return t.count(dialect.From("loans").
		Where(goqu.Ex{"member_id": memberID}, goqu.C("status").Neq(string(circulation.LoanVoid))))
}

func (t *tx) CountOverdueLoans(memberID uuid.UUID, asOf time.Time) (int, error) {
	return t.count(dialect.From("loans").
		Where(goqu.Ex{"member_id": memberID}, openLoanEx(), goqu.C("due_date").Lt(circulation.Day(asOf))))
}

func (t *tx) OverdueLoans(asOf time.Time) ([]*circulation.Loan, error) {
	var out []*circulation.Loan
	ds := dialect.From("loans").
		Where(openLoanEx(), goqu.C("due_date").Lt(circulation.Day(asOf))).
		Order(goqu.I("due_date").Asc())
	err := t.list(&out, ds)
	return out, err
}

func (t *tx) count(ds *goqu.SelectDataset) (int, error) {
	var n int
	if err := t.get(&n, ds.Select(goqu.COUNT("*"))); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *tx) Fine(id uuid.UUID) (*circulation.Fine, error) {
	var f circulation.Fine
	if err := t.get(&f, dialect.From("fines").Where(goqu.Ex{"id": id})); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *tx) FineByLoan(loanID uuid.UUID, fineType circulation.FineType) (*circulation.Fine, error) {
	var f circulation.Fine
	ds := dialect.From("fines").Where(goqu.Ex{"loan_id": loanID, "fine_type": fineType})
	if err := t.get(&f, ds); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *tx) FinesByMember(memberID uuid.UUID) ([]*circulation.Fine, error) {
	var out []*circulation.Fine
	ds := dialect.From("fines").Where(goqu.Ex{"member_id": memberID}).Order(goqu.I("fine_date").Asc())
	err := t.list(&out, ds)
	return out, err
}

func (t *tx) PutFine(f *circulation.Fine) error {
	return t.exec(`
		INSERT INTO fines (id, member_id, loan_id, fine_type, fine_date, fine_amount,
			paid_amount, outstanding_amount, payment_status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (id) DO UPDATE SET
			fine_amount = EXCLUDED.fine_amount,
			paid_amount = EXCLUDED.paid_amount,
			outstanding_amount = EXCLUDED.outstanding_amount,
			payment_status = EXCLUDED.payment_status,
			version = fines.version + 1
	`, f.ID, f.MemberID, f.LoanID, f.Type, f.FineDate, f.Amount,
		f.PaidAmount, f.OutstandingAmount, f.PaymentStatus)
}

func (t *tx) DeleteFine(id uuid.UUID) error {
	return t.exec(`DELETE FROM fines WHERE id = $1`, id)
}

func (t *tx) OutstandingFineTotal(memberID uuid.UUID) (float64, error) {
	var total float64
	ds := dialect.From("fines").
		Select(goqu.COALESCE(goqu.SUM("outstanding_amount"), 0)).
		Where(goqu.Ex{
			"member_id":      memberID,
			"payment_status": []string{string(circulation.PaymentUnpaid), string(circulation.PaymentPartiallyPaid)},
		})
	if err := t.get(&total, ds); err != nil {
		return 0, err
	}
	return total, nil
}

func (t *tx) Reservation(id uuid.UUID) (*circulation.Reservation, error) {
	var r circulation.Reservation
	if err := t.get(&r, dialect.From("reservations").Where(goqu.Ex{"id": id})); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) PutReservation(r *circulation.Reservation) error {
	return t.exec(`
		INSERT INTO reservations (id, member_id, book_id, status, priority, reservation_date,
			notified_date, expiry_date, held_copy_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			notified_date = EXCLUDED.notified_date,
			expiry_date = EXCLUDED.expiry_date,
			held_copy_id = EXCLUDED.held_copy_id,
			version = reservations.version + 1
	`, r.ID, r.MemberID, r.BookID, r.Status, r.Priority, r.ReservationDate,
		r.NotifiedDate, r.ExpiryDate, r.HeldCopyID)
}

func (t *tx) NextActiveReservation(bookID uuid.UUID) (*circulation.Reservation, error) {
	var r circulation.Reservation
	ds := dialect.From("reservations").
		Where(goqu.Ex{"book_id": bookID, "status": circulation.ReservationActive}).
		Order(goqu.I("priority").Asc(), goqu.I("reservation_date").Asc()).
		Limit(1)
	if err := t.get(&r, ds); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) ActiveReservationExists(bookID, excludeMember uuid.UUID) (bool, error) {
	n, err := t.count(dialect.From("reservations").
		Where(goqu.Ex{"book_id": bookID, "status": circulation.ReservationActive},
			goqu.C("member_id").Neq(excludeMember)))
	return n > 0, err
}

func (t *tx) ReservationByHeldCopy(copyID uuid.UUID) (*circulation.Reservation, error) {
	var r circulation.Reservation
	ds := dialect.From("reservations").
		Where(goqu.Ex{"held_copy_id": copyID, "status": circulation.ReservationNotified})
	if err := t.get(&r, ds); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) ExpiredReservations(asOf time.Time) ([]*circulation.Reservation, error) {
	var out []*circulation.Reservation
	ds := dialect.From("reservations").
		Where(goqu.Ex{"status": circulation.ReservationNotified},
			goqu.C("expiry_date").IsNotNull(),
			goqu.C("expiry_date").Lt(circulation.Day(asOf))).
		Order(goqu.I("expiry_date").Asc())
	err := t.list(&out, ds)
	return out, err
}

func (t *tx) AuditTrail(loanID uuid.UUID) ([]audit.Entry, error) {
	var out []audit.Entry
	ds := dialect.From("loan_audit").Where(goqu.Ex{"loan_id": loanID}).Order(goqu.I("seq").Asc())
	err := t.list(&out, ds)
	return out, err
}

func (t *tx) AppendAudit(e audit.Entry) error {
	_, err := t.q.ExecContext(t.ctx, `
		INSERT INTO loan_audit (loan_id, seq, entry_type, actor, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.LoanID, e.Seq, e.Type, e.Actor, []byte(e.Payload), e.RecordedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return audit.ErrSequenceConflict
	}
	return err
}
