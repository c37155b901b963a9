package supervisor

import (
	"strconv"
	"time"
)

// Outcome identifies which branch of the supervised race won.
type Outcome int

const (
	// CancelledOutcome is produced when the cancellation signal fired first.
	CancelledOutcome Outcome = 5
	// TimeoutOutcome is produced when the safety timeout elapsed first.
	TimeoutOutcome Outcome = 99
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case CancelledOutcome:
		return "cancelled"
	case TimeoutOutcome:
		return "timeout"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Race waits for the signal to be cancelled or the timeout to elapse, whichever comes first.
// A signal cancelled before the call always wins.
func Race(sig *Signal, timeout time.Duration) Outcome {
	if sig.Cancelled() {
		return CancelledOutcome
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sig.Done():
		return CancelledOutcome
	case <-timer.C:
		return TimeoutOutcome
	}
}
