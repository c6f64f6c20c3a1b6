// internal/circulation/stats.go
package circulation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// statsAggregator recomputes derived counters after every committed
// transition. The recomputation is read-after-write inside the same
// transaction, so a reader never observes a committed transition alongside
// stale counters. Full recounts are chosen over incremental updates;
// circulation volume is small relative to the catalog.
type statsAggregator struct {
	clock func() time.Time
}

// RefreshMember recounts the member's open loans, lifetime issues, overdue
// loans and outstanding fine balance from the store.
func (sa statsAggregator) RefreshMember(tx Tx, memberID uuid.UUID) error {
	member, err := tx.Member(memberID)
	if err != nil {
		return fmt.Errorf("load member: %w", err)
	}

	open, err := tx.CountOpenLoans(memberID)
	if err != nil {
		return fmt.Errorf("count open loans: %w", err)
	}

	lifetime, err := tx.CountLifetimeIssues(memberID)
	if err != nil {
		return fmt.Errorf("count lifetime issues: %w", err)
	}

	overdue, err := tx.CountOverdueLoans(memberID, Day(sa.clock()))
	if err != nil {
		return fmt.Errorf("count overdue loans: %w", err)
	}

	outstanding, err := tx.OutstandingFineTotal(memberID)
	if err != nil {
		return fmt.Errorf("sum outstanding fines: %w", err)
	}

	member.BooksIssued = open
	member.TotalBooksBorrowed = lifetime
	member.OverdueBooks = overdue
	member.OutstandingBalance = outstanding

	if err := tx.PutMember(member); err != nil {
		return fmt.Errorf("update member stats: %w", err)
	}
	return nil
}

// RefreshBook recounts the book's copies and derives its availability
// status. A Reserved copy counts as unavailable; it is held for one member.
func (sa statsAggregator) RefreshBook(tx Tx, bookID uuid.UUID) error {
	book, err := tx.Book(bookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}

	copies, err := tx.CopiesByBook(bookID)
	if err != nil {
		return fmt.Errorf("list copies: %w", err)
	}

	available := 0
	for _, c := range copies {
		if c.Status == CopyAvailable {
			available++
		}
	}

	book.TotalCopies = len(copies)
	book.AvailableCopies = available
	if available == 0 {
		book.Status = BookAllIssued
	} else {
		book.Status = BookAvailable
	}

	if err := tx.PutBook(book); err != nil {
		return fmt.Errorf("update book stats: %w", err)
	}
	return nil
}
