// internal/circulation/invariants_test.go
package circulation_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"libracirc/internal/circulation"
)

// TestCirculationInvariants drives random transition sequences against the
// engine and checks the structural invariants after every step:
//
//   - a copy is Issued exactly when it has exactly one open loan
//   - member counters always equal a fresh recount
//   - book availability always equals a fresh recount of its copies,
//     with held (Reserved) copies counting as unavailable
func TestCirculationInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := newEnv(t)
		ctx := context.Background()

		members := []*circulation.Member{
			e.addMember("m1@example.com"),
			e.addMember("m2@example.com"),
		}
		book, copies := e.addBook("Property Book", 3)

		var loans []uuid.UUID
		nextPriority := 1

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 6).Draw(rt, "op") {
			case 0: // issue
				member := members[rapid.IntRange(0, len(members)-1).Draw(rt, "member")]
				c := copies[rapid.IntRange(0, len(copies)-1).Draw(rt, "copy")]
				loan, err := e.issue(member.ID, c.ID)
				if err == nil {
					loans = append(loans, loan.ID)
				}
			case 1: // return
				if len(loans) == 0 {
					continue
				}
				id := loans[rapid.IntRange(0, len(loans)-1).Draw(rt, "loan")]
				_, _ = e.service.ReturnBook(ctx, circulation.ReturnRequest{LoanID: id, Actor: "prop"})
			case 2: // renew
				if len(loans) == 0 {
					continue
				}
				id := loans[rapid.IntRange(0, len(loans)-1).Draw(rt, "loan")]
				_, _ = e.service.RenewBook(ctx, circulation.RenewRequest{LoanID: id, Actor: "prop"})
			case 3: // cancel something
				if len(loans) == 0 {
					continue
				}
				id := loans[rapid.IntRange(0, len(loans)-1).Draw(rt, "loan")]
				kinds := []circulation.TransactionType{
					circulation.TransactionIssue,
					circulation.TransactionReturn,
					circulation.TransactionRenew,
				}
				kind := kinds[rapid.IntRange(0, 2).Draw(rt, "kind")]
				_, _ = e.service.CancelTransaction(ctx, circulation.CancelRequest{
					LoanID: id, Kind: kind, Actor: "prop",
				})
			case 4: // time passes
				e.advanceDays(rapid.IntRange(1, 10).Draw(rt, "days"))
			case 5: // queue a reservation
				member := members[rapid.IntRange(0, len(members)-1).Draw(rt, "reserver")]
				e.addReservation(member.ID, book.ID, nextPriority, e.clock())
				nextPriority++
			case 6: // expire unclaimed holds
				_, err := e.service.ExpireUnclaimedReservations(ctx)
				require.NoError(rt, err)
			}

			checkInvariants(rt, e, members, book.ID, copies)
		}
	})
}

func checkInvariants(rt *rapid.T, e *env, members []*circulation.Member, bookID uuid.UUID, copies []*circulation.BookCopy) {
	err := e.store.View(context.Background(), func(tx circulation.Tx) error {
		for _, c := range copies {
			current, err := tx.Copy(c.ID)
			require.NoError(rt, err)

			_, err = tx.OpenLoanByCopy(c.ID)
			hasOpenLoan := err == nil

			if current.Status == circulation.CopyIssued && !hasOpenLoan {
				rt.Fatalf("copy %s is Issued without an open loan", c.ID)
			}
			if hasOpenLoan && current.Status != circulation.CopyIssued {
				rt.Fatalf("copy %s has an open loan but status %s", c.ID, current.Status)
			}
		}

		for _, m := range members {
			current, err := tx.Member(m.ID)
			require.NoError(rt, err)

			open, err := tx.CountOpenLoans(m.ID)
			require.NoError(rt, err)
			if current.BooksIssued != open {
				rt.Fatalf("member %s counter %d, actual open loans %d", m.ID, current.BooksIssued, open)
			}

			outstanding, err := tx.OutstandingFineTotal(m.ID)
			require.NoError(rt, err)
			if current.OutstandingBalance != outstanding {
				rt.Fatalf("member %s balance %.2f, actual outstanding %.2f",
					m.ID, current.OutstandingBalance, outstanding)
			}
		}

		book, err := tx.Book(bookID)
		require.NoError(rt, err)

		all, err := tx.CopiesByBook(bookID)
		require.NoError(rt, err)
		available := 0
		for _, c := range all {
			if c.Status == circulation.CopyAvailable {
				available++
			}
		}
		if book.AvailableCopies != available {
			rt.Fatalf("book counter %d, actual available copies %d", book.AvailableCopies, available)
		}
		wantStatus := circulation.BookAvailable
		if available == 0 {
			wantStatus = circulation.BookAllIssued
		}
		if book.Status != wantStatus {
			rt.Fatalf("book status %s with %d available copies", book.Status, available)
		}
		return nil
	})
	require.NoError(rt, err)
}
