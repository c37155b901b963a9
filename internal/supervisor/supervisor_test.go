package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chaincrunch/internal/fsm"
)

// blockingInterrupt never observes an interrupt.
var blockingInterrupt = InterruptFunc(func(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
})

// transitions records the lifecycle of a supervisor.
type transitions struct {
	mu     sync.Mutex
	states []fsm.State
}

func (tr *transitions) observe(_, to fsm.State, _ fsm.Event) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states = append(tr.states, to)
}

func (tr *transitions) list() []fsm.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]fsm.State(nil), tr.states...)
}

// runWithin runs the supervisor and fails the test if it does not finish in time.
func runWithin(t *testing.T, ctx context.Context, s *Supervisor, limit time.Duration) (Result, error) {
	t.Helper()

	type ret struct {
		res Result
		err error
	}
	done := make(chan ret, 1)
	go func() {
		res, err := s.Run(ctx)
		done <- ret{res, err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-time.After(limit):
		t.Fatalf("supervisor did not finish within %v", limit)
		return Result{}, nil
	}
}

func equalStates(a, b []fsm.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_CancellerWins(t *testing.T) {
	s := New(Options{CancelDelay: 10 * time.Millisecond, SafetyTimeout: time.Hour}, blockingInterrupt, nil)
	tr := &transitions{}
	s.OnTransition(tr.observe)

	res, err := runWithin(t, context.Background(), s, 2*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Outcome != CancelledOutcome || int(res.Outcome) != 5 {
		t.Errorf("expected cancelled outcome, got %v", res.Outcome)
	}
	if res.Trigger != TriggerOutcome {
		t.Errorf("expected outcome trigger, got %s", res.Trigger)
	}
	if s.State() != StateTerminated {
		t.Errorf("expected terminated, got %s", s.State())
	}

	want := []fsm.State{StateCancellationPending, StateShuttingDown, StateTerminated}
	if got := tr.list(); !equalStates(got, want) {
		t.Errorf("unexpected transitions %v, want %v", got, want)
	}
}

func TestRun_SafetyTimeoutWins(t *testing.T) {
	s := New(Options{CancelDelay: time.Hour, SafetyTimeout: 20 * time.Millisecond}, blockingInterrupt, nil)
	tr := &transitions{}
	s.OnTransition(tr.observe)

	res, err := runWithin(t, context.Background(), s, 2*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Outcome != TimeoutOutcome || int(res.Outcome) != 99 {
		t.Errorf("expected timeout outcome, got %v", res.Outcome)
	}

	want := []fsm.State{StateShuttingDown, StateTerminated}
	if got := tr.list(); !equalStates(got, want) {
		t.Errorf("unexpected transitions %v, want %v", got, want)
	}
}

func TestRun_InterruptBeforeCancellation(t *testing.T) {
	intr := InterruptFunc(func(ctx context.Context) error { return nil })
	s := New(Options{CancelDelay: time.Hour, SafetyTimeout: time.Hour}, intr, nil)

	res, err := runWithin(t, context.Background(), s, 2*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Trigger != TriggerInterrupt {
		t.Errorf("expected interrupt trigger, got %s", res.Trigger)
	}
	if res.InterruptErr != nil {
		t.Errorf("unexpected interrupt error %v", res.InterruptErr)
	}
	// the shutdown phase cancels the signal, so the race resolves as cancelled
	if res.Outcome != CancelledOutcome {
		t.Errorf("expected cancelled outcome, got %v", res.Outcome)
	}
	if s.State() != StateTerminated {
		t.Errorf("expected terminated, got %s", s.State())
	}
}

func TestRun_InterruptListenerFailureShutsDown(t *testing.T) {
	s := New(Options{CancelDelay: time.Hour, SafetyTimeout: time.Hour}, OSInterrupt{}, nil)

	res, err := runWithin(t, context.Background(), s, 2*time.Second)
	if err != nil {
		t.Fatalf("listener failure must not fail the run: %v", err)
	}
	if res.Trigger != TriggerInterrupt {
		t.Errorf("expected interrupt trigger, got %s", res.Trigger)
	}
	if !errors.Is(res.InterruptErr, ErrNoSignals) {
		t.Errorf("expected ErrNoSignals, got %v", res.InterruptErr)
	}
	if s.State() != StateTerminated {
		t.Errorf("expected terminated, got %s", s.State())
	}
}

func TestRun_ParentContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Options{CancelDelay: time.Hour, SafetyTimeout: time.Hour}, blockingInterrupt, nil)

	time.AfterFunc(10*time.Millisecond, cancel)
	res, err := runWithin(t, ctx, s, 2*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Trigger != TriggerContext {
		t.Errorf("expected context trigger, got %s", res.Trigger)
	}
}

func TestRun_DrainsDependentWork(t *testing.T) {
	s := New(Options{CancelDelay: 10 * time.Millisecond, SafetyTimeout: time.Hour}, blockingInterrupt, nil)

	stopped := make(chan struct{})
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	if _, err := runWithin(t, context.Background(), s, 2*time.Second); err != nil {
		t.Fatalf("cancelled task must not be reported: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("dependent task was not stopped before Run returned")
	}
}

func TestRun_ReportsDependentFailure(t *testing.T) {
	boom := errors.New("boom")
	s := New(Options{CancelDelay: 20 * time.Millisecond, SafetyTimeout: time.Hour}, blockingInterrupt, nil)
	s.Go("broken", func(ctx context.Context) error { return boom })

	_, err := runWithin(t, context.Background(), s, 2*time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("expected dependent failure, got %v", err)
	}
}

func TestRun_DetachesStuckWorkAfterDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	s := New(Options{
		CancelDelay:   time.Millisecond,
		SafetyTimeout: time.Hour,
		DrainTimeout:  20 * time.Millisecond,
	}, blockingInterrupt, nil)
	s.Go("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	if _, err := runWithin(t, context.Background(), s, 2*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	s := New(Options{CancelDelay: time.Millisecond, SafetyTimeout: time.Hour}, blockingInterrupt, nil)
	if _, err := runWithin(t, context.Background(), s, 2*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("expected ErrAlreadyRun, got %v", err)
	}
}
