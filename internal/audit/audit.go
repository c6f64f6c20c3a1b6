// internal/audit/audit.go

// Package audit keeps the append-only trail of circulation transitions per
// loan lineage. The trail is what makes in-place loan mutation safe to
// compensate: a renewal cancellation reads the prior due date back out of
// the matching renewal entry instead of guessing.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/google/uuid"
)

var (
	// ErrSequenceConflict is returned when an entry's sequence number is
	// already taken for the loan, i.e. a concurrent writer got there first.
	ErrSequenceConflict = errors.New("audit sequence conflict")

	// ErrNoRenewalEntry is returned when no renewal entry matches the
	// requested renewal count.
	ErrNoRenewalEntry = errors.New("no matching renewal entry in audit trail")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// EntryType identifies what kind of transition an entry records.
type EntryType string

const (
	LoanIssued           EntryType = "LoanIssued"
	LoanRenewed          EntryType = "LoanRenewed"
	LoanReturned         EntryType = "LoanReturned"
	TransactionCancelled EntryType = "TransactionCancelled"
)

// Entry is one immutable audit record. Seq is the per-loan sequence number;
// the store rejects duplicates with ErrSequenceConflict.
type Entry struct {
	LoanID     uuid.UUID       `json:"loan_id" db:"loan_id"`
	Seq        int             `json:"seq" db:"seq"`
	Type       EntryType       `json:"entry_type" db:"entry_type"`
	Actor      string          `json:"actor" db:"actor"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

// IssuedPayload records the terms a loan was opened with.
type IssuedPayload struct {
	IssueDate   time.Time `json:"issue_date"`
	DueDate     time.Time `json:"due_date"`
	MaxRenewals int       `json:"max_renewals"`
}

// RenewedPayload records one renewal step, including the due date it
// replaced so the step can be compensated later.
type RenewedPayload struct {
	PreviousDueDate time.Time `json:"previous_due_date"`
	NewDueDate      time.Time `json:"new_due_date"`
	RenewalCount    int       `json:"renewal_count"`
}

// ReturnedPayload records the closing of a loan.
type ReturnedPayload struct {
	ReturnDate  time.Time `json:"return_date"`
	DaysOverdue int       `json:"days_overdue"`
	FineAmount  float64   `json:"fine_amount"`
}

// CancelledPayload records a compensating action against a committed
// transition. RestoredDueDate is set only for renewal cancellations.
type CancelledPayload struct {
	Kind            string     `json:"kind"`
	RestoredDueDate *time.Time `json:"restored_due_date,omitempty"`
}

// NewEntry marshals payload and builds an entry ready for appending.
func NewEntry(loanID uuid.UUID, seq int, entryType EntryType, actor string, payload any, recordedAt time.Time) (Entry, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit payload: %w", err)
	}

	return Entry{
		LoanID:     loanID,
		Seq:        seq,
		Type:       entryType,
		Actor:      actor,
		Payload:    raw,
		RecordedAt: recordedAt.UTC(),
	}, nil
}

// Decode unmarshals an entry's payload into out.
func Decode(e Entry, out any) error {
	if err := codec.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal audit payload %s/%d: %w", e.Type, e.Seq, err)
	}
	return nil
}

// RenewalStep finds the renewal entry that produced the given renewal count.
// Trail order does not matter; the renewal count uniquely identifies the
// step within one loan lineage.
func RenewalStep(trail []Entry, renewalCount int) (RenewedPayload, error) {
	for i := len(trail) - 1; i >= 0; i-- {
		if trail[i].Type != LoanRenewed {
			continue
		}

		var p RenewedPayload
		if err := Decode(trail[i], &p); err != nil {
			return RenewedPayload{}, err
		}
		if p.RenewalCount == renewalCount {
			return p, nil
		}
	}

	return RenewedPayload{}, ErrNoRenewalEntry
}

// NextSeq returns the sequence number the next entry should carry.
func NextSeq(trail []Entry) int {
	max := 0
	for _, e := range trail {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max + 1
}
