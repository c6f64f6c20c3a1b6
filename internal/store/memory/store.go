// internal/store/memory/store.go

// Package memory is an in-memory entity store used by tests and local
// development. It provides the same transactional and per-copy locking
// guarantees as the postgres store, with copy-on-read/copy-on-write
// semantics so callers never alias committed state.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/audit"
	"libracirc/internal/circulation"
)

const defaultLockTimeout = 5 * time.Second

// Store implements circulation.Store.
type Store struct {
	mu sync.RWMutex

	// lockTimeout bounds how long a writer waits for a copy lock, so a
	// stuck transition cannot wedge every later caller of the same copy.
	lockTimeout time.Duration

	members      map[uuid.UUID]*circulation.Member
	types        map[uuid.UUID]*circulation.MembershipType
	books        map[uuid.UUID]*circulation.Book
	copies       map[uuid.UUID]*circulation.BookCopy
	loans        map[uuid.UUID]*circulation.Loan
	fines        map[uuid.UUID]*circulation.Fine
	reservations map[uuid.UUID]*circulation.Reservation
	trails       map[uuid.UUID][]audit.Entry

	copyLocks sync.Map // uuid.UUID -> chan struct{} with capacity 1
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		lockTimeout:  defaultLockTimeout,
		members:      make(map[uuid.UUID]*circulation.Member),
		types:        make(map[uuid.UUID]*circulation.MembershipType),
		books:        make(map[uuid.UUID]*circulation.Book),
		copies:       make(map[uuid.UUID]*circulation.BookCopy),
		loans:        make(map[uuid.UUID]*circulation.Loan),
		fines:        make(map[uuid.UUID]*circulation.Fine),
		reservations: make(map[uuid.UUID]*circulation.Reservation),
		trails:       make(map[uuid.UUID][]audit.Entry),
	}
}

// SeedMembershipType inserts reference data outside any transaction.
func (s *Store) SeedMembershipType(mt *circulation.MembershipType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := *mt
	s.types[mt.ID] = &v
}

// Update runs fn in a read-write transaction. When copyID is set, the
// per-copy lock serializes this transition against every other transition
// on the same copy. Lock acquisition respects ctx cancellation.
func (s *Store) Update(ctx context.Context, copyID uuid.UUID, fn func(tx circulation.Tx) error) error {
	if copyID != uuid.Nil {
		release, err := s.lockCopy(ctx, copyID)
		if err != nil {
			return err
		}
		defer release()
	}

	t := s.newTx(false)
	if err := fn(t); err != nil {
		return err
	}

	s.commit(t)
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(_ context.Context, fn func(tx circulation.Tx) error) error {
	return fn(s.newTx(true))
}

func (s *Store) lockCopy(ctx context.Context, copyID uuid.UUID) (func(), error) {
	v, _ := s.copyLocks.LoadOrStore(copyID, make(chan struct{}, 1))
	ch := v.(chan struct{})

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, circulation.ErrConcurrencyConflict
	case <-timer.C:
		return nil, circulation.ErrConcurrencyConflict
	}
}

func (s *Store) newTx(readonly bool) *tx {
	return &tx{
		store:        s,
		readonly:     readonly,
		members:      make(map[uuid.UUID]*circulation.Member),
		books:        make(map[uuid.UUID]*circulation.Book),
		copies:       make(map[uuid.UUID]*circulation.BookCopy),
		loans:        make(map[uuid.UUID]*circulation.Loan),
		fines:        make(map[uuid.UUID]*circulation.Fine),
		reservations: make(map[uuid.UUID]*circulation.Reservation),
		deletedFines: make(map[uuid.UUID]bool),
	}
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range t.members {
		m.Version = nextVersion(s.members[id] != nil, func() int { return s.members[id].Version })
		s.members[id] = m
	}
	for id, b := range t.books {
		b.Version = nextVersion(s.books[id] != nil, func() int { return s.books[id].Version })
		s.books[id] = b
	}
	for id, c := range t.copies {
		c.Version = nextVersion(s.copies[id] != nil, func() int { return s.copies[id].Version })
		s.copies[id] = c
	}
	for id, l := range t.loans {
		l.Version = nextVersion(s.loans[id] != nil, func() int { return s.loans[id].Version })
		s.loans[id] = l
	}
	for id, f := range t.fines {
		f.Version = nextVersion(s.fines[id] != nil, func() int { return s.fines[id].Version })
		s.fines[id] = f
	}
	for id, r := range t.reservations {
		r.Version = nextVersion(s.reservations[id] != nil, func() int { return s.reservations[id].Version })
		s.reservations[id] = r
	}
	for id := range t.deletedFines {
		delete(s.fines, id)
	}
	for _, e := range t.appended {
		s.trails[e.LoanID] = append(s.trails[e.LoanID], e)
	}
}

func nextVersion(exists bool, current func() int) int {
	if !exists {
		return 1
	}
	return current() + 1
}

// tx stages writes until commit. Reads see staged writes layered over
// committed state.
type tx struct {
	store    *Store
	readonly bool

	members      map[uuid.UUID]*circulation.Member
	books        map[uuid.UUID]*circulation.Book
	copies       map[uuid.UUID]*circulation.BookCopy
	loans        map[uuid.UUID]*circulation.Loan
	fines        map[uuid.UUID]*circulation.Fine
	reservations map[uuid.UUID]*circulation.Reservation
	deletedFines map[uuid.UUID]bool
	appended     []audit.Entry
}

func (t *tx) Member(id uuid.UUID) (*circulation.Member, error) {
	if m, ok := t.members[id]; ok {
		v := *m
		return &v, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	m, ok := t.store.members[id]
	if !ok {
		return nil, circulation.ErrNotFound
	}
	v := *m
	return &v, nil
}

func (t *tx) PutMember(m *circulation.Member) error {
	v := *m
	t.members[m.ID] = &v
	return nil
}

func (t *tx) MembershipType(id uuid.UUID) (*circulation.MembershipType, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	mt, ok := t.store.types[id]
	if !ok {
		return nil, circulation.ErrNotFound
	}
	v := *mt
	return &v, nil
}

func (t *tx) Book(id uuid.UUID) (*circulation.Book, error) {
	if b, ok := t.books[id]; ok {
		v := *b
		return &v, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.store.books[id]
	if !ok {
		return nil, circulation.ErrNotFound
	}
	v := *b
	return &v, nil
}

func (t *tx) PutBook(b *circulation.Book) error {
	v := *b
	t.books[b.ID] = &v
	return nil
}

func (t *tx) Copy(id uuid.UUID) (*circulation.BookCopy, error) {
	if c, ok := t.copies[id]; ok {
		v := *c
		return &v, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	c, ok := t.store.copies[id]
	if !ok {
		return nil, circulation.ErrNotFound
	}
	v := *c
	return &v, nil
}

func (t *tx) PutCopy(c *circulation.BookCopy) error {
	v := *c
	t.copies[c.ID] = &v
	return nil
}

func (t *tx) CopiesByBook(bookID uuid.UUID) ([]*circulation.BookCopy, error) {
	var out []*circulation.BookCopy
	for _, c := range t.copyView() {
		if c.BookID == bookID {
			out = append(out, c)
		}
	}
	sortByID(out, func(c *circulation.BookCopy) uuid.UUID { return c.ID })
	return out, nil
}

func (t *tx) Loan(id uuid.UUID) (*circulation.Loan, error) {
	if l, ok := t.loans[id]; ok {
		return cloneLoan(l), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	l, ok := t.store.loans[id]
	if !ok {
		return nil, circulation.ErrNotFound
	}
	return cloneLoan(l), nil
}

func (t *tx) PutLoan(l *circulation.Loan) error {
	t.loans[l.ID] = cloneLoan(l)
	return nil
}

func (t *tx) OpenLoanByCopy(copyID uuid.UUID) (*circulation.Loan, error) {
	for _, l := range t.loanView() {
		if l.CopyID == copyID && l.IsOpen() {
			return l, nil
		}
	}
	return nil, circulation.ErrNotFound
}

func (t *tx) OpenLoanExists(memberID, copyID uuid.UUID) (bool, error) {
	for _, l := range t.loanView() {
		if l.MemberID == memberID && l.CopyID == copyID && l.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) OpenLoansByMember(memberID uuid.UUID) ([]*circulation.Loan, error) {
	var out []*circulation.Loan
	for _, l := range t.loanView() {
		if l.MemberID == memberID && l.IsOpen() {
			out = append(out, l)
		}
	}
	sortByID(out, func(l *circulation.Loan) uuid.UUID { return l.ID })
	return out, nil
}

func (t *tx) CountOpenLoans(memberID uuid.UUID) (int, error) {
	loans, err := t.OpenLoansByMember(memberID)
	return len(loans), err
}

func (t *tx) CountLifetimeIssues(memberID uuid.UUID) (int, error) {
	n := 0
	for _, l := range t.loanView() {
		if l.MemberID == memberID && l.Status != circulation.LoanVoid {
			n++
		}
	}
	return n, nil
}

func (t *tx) CountOverdueLoans(memberID uuid.UUID, asOf time.Time) (int, error) {
	n := 0
	for _, l := range t.loanView() {
		if l.MemberID == memberID && l.IsOpen() && circulation.Day(asOf).After(circulation.Day(l.DueDate)) {
			n++
		}
	}
	return n, nil
}

func (t *tx) OverdueLoans(asOf time.Time) ([]*circulation.Loan, error) {
	var out []*circulation.Loan
	for _, l := range t.loanView() {
		if l.IsOpen() && circulation.Day(asOf).After(circulation.Day(l.DueDate)) {
			out = append(out, l)
		}
	}
	sortByID(out, func(l *circulation.Loan) uuid.UUID { return l.ID })
	return out, nil
}

func (t *tx) Fine(id uuid.UUID) (*circulation.Fine, error) {
	if t.deletedFines[id] {
		return nil, circulation.ErrNotFound
	}
	if f, ok := t.fines[id]; ok {
		v := *f
		return &v, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	f, ok := t.store.fines[id]
	if !ok {
		return nil, circulation.ErrNotFound
	}
	v := *f
	return &v, nil
}

func (t *tx) FineByLoan(loanID uuid.UUID, fineType circulation.FineType) (*circulation.Fine, error) {
	for _, f := range t.fineView() {
		if f.LoanID == loanID && f.Type == fineType {
			return f, nil
		}
	}
	return nil, circulation.ErrNotFound
}

func (t *tx) FinesByMember(memberID uuid.UUID) ([]*circulation.Fine, error) {
	var out []*circulation.Fine
	for _, f := range t.fineView() {
		if f.MemberID == memberID {
			out = append(out, f)
		}
	}
	sortByID(out, func(f *circulation.Fine) uuid.UUID { return f.ID })
	return out, nil
}

func (t *tx) PutFine(f *circulation.Fine) error {
	delete(t.deletedFines, f.ID)
	v := *f
	t.fines[f.ID] = &v
	return nil
}

func (t *tx) DeleteFine(id uuid.UUID) error {
	delete(t.fines, id)
	t.deletedFines[id] = true
	return nil
}

func (t *tx) OutstandingFineTotal(memberID uuid.UUID) (float64, error) {
	total := 0.0
	for _, f := range t.fineView() {
		if f.MemberID != memberID {
			continue
		}
		if f.PaymentStatus == circulation.PaymentUnpaid || f.PaymentStatus == circulation.PaymentPartiallyPaid {
			total += f.OutstandingAmount
		}
	}
	return total, nil
}

func (t *tx) Reservation(id uuid.UUID) (*circulation.Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		return cloneReservation(r), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.reservations[id]
	if !ok {
		return nil, circulation.ErrNotFound
	}
	return cloneReservation(r), nil
}

func (t *tx) PutReservation(r *circulation.Reservation) error {
	t.reservations[r.ID] = cloneReservation(r)
	return nil
}

func (t *tx) NextActiveReservation(bookID uuid.UUID) (*circulation.Reservation, error) {
	var candidates []*circulation.Reservation
	for _, r := range t.reservationView() {
		if r.BookID == bookID && r.Status == circulation.ReservationActive {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, circulation.ErrNotFound
	}

	// Priority ascending, then earliest reservation wins.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ReservationDate.Before(candidates[j].ReservationDate)
	})
	return candidates[0], nil
}

func (t *tx) ActiveReservationExists(bookID, excludeMember uuid.UUID) (bool, error) {
	for _, r := range t.reservationView() {
		if r.BookID == bookID && r.Status == circulation.ReservationActive && r.MemberID != excludeMember {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) ReservationByHeldCopy(copyID uuid.UUID) (*circulation.Reservation, error) {
	for _, r := range t.reservationView() {
		if r.Status == circulation.ReservationNotified && r.HeldCopyID != nil && *r.HeldCopyID == copyID {
			return r, nil
		}
	}
	return nil, circulation.ErrNotFound
}

func (t *tx) ExpiredReservations(asOf time.Time) ([]*circulation.Reservation, error) {
	var out []*circulation.Reservation
	for _, r := range t.reservationView() {
		if r.Status != circulation.ReservationNotified || r.ExpiryDate == nil {
			continue
		}
		if circulation.Day(asOf).After(circulation.Day(*r.ExpiryDate)) {
			out = append(out, r)
		}
	}
	sortByID(out, func(r *circulation.Reservation) uuid.UUID { return r.ID })
	return out, nil
}

func (t *tx) AuditTrail(loanID uuid.UUID) ([]audit.Entry, error) {
	t.store.mu.RLock()
	committed := append([]audit.Entry(nil), t.store.trails[loanID]...)
	t.store.mu.RUnlock()

	for _, e := range t.appended {
		if e.LoanID == loanID {
			committed = append(committed, e)
		}
	}
	return committed, nil
}

func (t *tx) AppendAudit(e audit.Entry) error {
	trail, err := t.AuditTrail(e.LoanID)
	if err != nil {
		return err
	}
	for _, existing := range trail {
		if existing.Seq == e.Seq {
			return audit.ErrSequenceConflict
		}
	}
	t.appended = append(t.appended, e)
	return nil
}

// view helpers merge staged writes over committed state, cloning everything.

func (t *tx) copyView() map[uuid.UUID]*circulation.BookCopy {
	out := make(map[uuid.UUID]*circulation.BookCopy)
	t.store.mu.RLock()
	for id, c := range t.store.copies {
		v := *c
		out[id] = &v
	}
	t.store.mu.RUnlock()
	for id, c := range t.copies {
		v := *c
		out[id] = &v
	}
	return out
}

func (t *tx) loanView() map[uuid.UUID]*circulation.Loan {
	out := make(map[uuid.UUID]*circulation.Loan)
	t.store.mu.RLock()
	for id, l := range t.store.loans {
		out[id] = cloneLoan(l)
	}
	t.store.mu.RUnlock()
	for id, l := range t.loans {
		out[id] = cloneLoan(l)
	}
	return out
}

func (t *tx) fineView() map[uuid.UUID]*circulation.Fine {
	out := make(map[uuid.UUID]*circulation.Fine)
	t.store.mu.RLock()
	for id, f := range t.store.fines {
		v := *f
		out[id] = &v
	}
	t.store.mu.RUnlock()
	for id, f := range t.fines {
		v := *f
		out[id] = &v
	}
	for id := range t.deletedFines {
		delete(out, id)
	}
	return out
}

func (t *tx) reservationView() map[uuid.UUID]*circulation.Reservation {
	out := make(map[uuid.UUID]*circulation.Reservation)
	t.store.mu.RLock()
	for id, r := range t.store.reservations {
		out[id] = cloneReservation(r)
	}
	t.store.mu.RUnlock()
	for id, r := range t.reservations {
		out[id] = cloneReservation(r)
	}
	return out
}

func cloneLoan(l *circulation.Loan) *circulation.Loan {
	v := *l
	if l.ReturnDate != nil {
		rd := *l.ReturnDate
		v.ReturnDate = &rd
	}
	if l.ConditionOnReturn != nil {
		c := *l.ConditionOnReturn
		v.ConditionOnReturn = &c
	}
	return &v
}

func cloneReservation(r *circulation.Reservation) *circulation.Reservation {
	v := *r
	if r.NotifiedDate != nil {
		d := *r.NotifiedDate
		v.NotifiedDate = &d
	}
	if r.ExpiryDate != nil {
		d := *r.ExpiryDate
		v.ExpiryDate = &d
	}
	if r.HeldCopyID != nil {
		id := *r.HeldCopyID
		v.HeldCopyID = &id
	}
	return &v
}

func sortByID[T any](items []*T, id func(*T) uuid.UUID) {
	sort.Slice(items, func(i, j int) bool {
		return id(items[i]).String() < id(items[j]).String()
	})
}
