// internal/circulation/config.go
package circulation

// Settings is the circulation policy configuration, threaded explicitly into
// the validator and the state machine. Nothing in the engine reads ambient
// global state.
type Settings struct {
	EnableFines            bool
	DamageFineAmount       float64
	ReservationExpiryDays  int
	SendOverdueReminders   bool
	OverdueReminderDays    int
	DefaultLoanPeriodDays  int
	DefaultMaxBooksAllowed int
	DefaultMaxRenewals     int
}

// DefaultSettings mirrors the stock policy values of a fresh installation.
func DefaultSettings() Settings {
	return Settings{
		EnableFines:            true,
		DamageFineAmount:       50.00,
		ReservationExpiryDays:  3,
		SendOverdueReminders:   true,
		OverdueReminderDays:    1,
		DefaultLoanPeriodDays:  14,
		DefaultMaxBooksAllowed: 3,
		DefaultMaxRenewals:     3,
	}
}
