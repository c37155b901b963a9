package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSignal_CancelIsIdempotent(t *testing.T) {
	sig := NewSignal()
	if sig.Cancelled() {
		t.Fatal("new signal must be pending")
	}

	sig.Cancel()
	sig.Cancel()

	if !sig.Cancelled() {
		t.Fatal("signal must stay cancelled")
	}
}

func TestSignal_BroadcastsToAllWaiters(t *testing.T) {
	sig := NewSignal()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-sig.Done()
		}()
	}

	sig.Cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all waiters observed the cancellation")
	}
}

func TestRace(t *testing.T) {
	tests := []struct {
		name    string
		cancel  time.Duration // negative never cancels
		timeout time.Duration
		want    Outcome
	}{
		{name: "cancelled before race", cancel: 0, timeout: time.Hour, want: CancelledOutcome},
		{name: "cancelled during race", cancel: 10 * time.Millisecond, timeout: time.Hour, want: CancelledOutcome},
		{name: "timeout without cancel", cancel: -1, timeout: 10 * time.Millisecond, want: TimeoutOutcome},
		{name: "timeout before cancel", cancel: time.Hour, timeout: 10 * time.Millisecond, want: TimeoutOutcome},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sig := NewSignal()
			switch {
			case tc.cancel == 0:
				sig.Cancel()
			case tc.cancel > 0:
				timer := time.AfterFunc(tc.cancel, sig.Cancel)
				defer timer.Stop()
			}

			if got := Race(sig, tc.timeout); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	if CancelledOutcome.String() != "cancelled" || TimeoutOutcome.String() != "timeout" {
		t.Errorf("unexpected names %s / %s", CancelledOutcome, TimeoutOutcome)
	}
	if Outcome(7).String() != "outcome(7)" {
		t.Errorf("unexpected name %s", Outcome(7))
	}
}

func TestOSInterrupt_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewOSInterrupt().Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOSInterrupt_NoSignals(t *testing.T) {
	if err := (OSInterrupt{}).Wait(context.Background()); !errors.Is(err, ErrNoSignals) {
		t.Fatalf("expected ErrNoSignals, got %v", err)
	}
}
