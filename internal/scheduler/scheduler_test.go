// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"libracirc/internal/circulation"
)

// stubService records which jobs ran.
type stubService struct {
	circulation.Service

	mu      sync.Mutex
	ran     []string
	fineErr error
}

func (s *stubService) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, name)
}

func (s *stubService) SendOverdueReminders(context.Context) (int, error) {
	s.record("overdue_reminders")
	return 2, nil
}

func (s *stubService) AutoCalculateFines(context.Context) (int, error) {
	s.record("auto_fines")
	return 0, s.fineErr
}

func (s *stubService) ExpireUnclaimedReservations(context.Context) (int, error) {
	s.record("expire_reservations")
	return 1, nil
}

func TestRunOnceExecutesAllJobs(t *testing.T) {
	stub := &stubService{}
	New(stub, 0, nil).RunOnce(context.Background())

	// Reservations expire before fines accrue so a freed copy is settled
	// before the fine sweep sees it.
	assert.Equal(t, []string{"expire_reservations", "auto_fines", "overdue_reminders"}, stub.ran)
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	stub := &stubService{fineErr: errors.New("db down")}
	New(stub, 0, nil).RunOnce(context.Background())

	assert.Contains(t, stub.ran, "overdue_reminders")
}
