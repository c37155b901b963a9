// Package supervisor coordinates the supervised shutdown of the scanning mode.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chaincrunch/internal/fsm"
	"chaincrunch/internal/logger"
	"chaincrunch/internal/monitor"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyRun is returned when Run is called more than once.
var ErrAlreadyRun = errors.New("supervisor already run")

// lifecycle states of the supervisor
const (
	StateRunning             fsm.State = "RUNNING"
	StateCancellationPending fsm.State = "CANCELLATION_PENDING"
	StateShuttingDown        fsm.State = "SHUTTING_DOWN"
	StateTerminated          fsm.State = "TERMINATED"
)

const (
	evCancel    fsm.Event = "cancel"
	evShutdown  fsm.Event = "shutdown"
	evTerminate fsm.Event = "terminate"
)

// Trigger identifies what moved the supervisor into the shutdown phase.
type Trigger string

const (
	// TriggerOutcome means the supervised race produced its outcome.
	TriggerOutcome Trigger = "outcome"
	// TriggerInterrupt means an interrupt was received or could not be observed.
	TriggerInterrupt Trigger = "interrupt"
	// TriggerContext means the parent context was done.
	TriggerContext Trigger = "context"
)

// Options configures the supervisor timing.
type Options struct {
	// CancelDelay is the time after which the canceller fires the signal.
	CancelDelay time.Duration
	// SafetyTimeout bounds the supervised race.
	SafetyTimeout time.Duration
	// DrainTimeout bounds the wait for dependent tasks; zero waits without a bound.
	DrainTimeout time.Duration
}

// Task is dependent work stopped by cancelling its context in the shutdown phase.
type Task func(ctx context.Context) error

// Result describes a finished supervised run.
type Result struct {
	Outcome      Outcome
	Trigger      Trigger
	InterruptErr error
}

type task struct {
	name string
	run  Task
}

// Supervisor owns the cancellation signal and the process lifetime of the scanning mode.
type Supervisor struct {
	opt   Options
	intr  Interrupter
	log   *logrus.Entry
	sm    *fsm.Machine
	ran   atomic.Bool
	mu    sync.Mutex
	tasks []task
}

// New creates a supervisor; a nil log uses the application logger.
func New(opt Options, intr Interrupter, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logger.Component("supervisor")
	}

	sm := fsm.New(StateRunning).
		Allow(StateRunning, evCancel, StateCancellationPending).
		Allow(StateRunning, evShutdown, StateShuttingDown).
		Allow(StateCancellationPending, evShutdown, StateShuttingDown).
		Allow(StateShuttingDown, evTerminate, StateTerminated)

	sm.Observe(func(from, to fsm.State, ev fsm.Event) {
		log.WithFields(logrus.Fields{"from": from, "to": to, "event": ev}).Debug("state changed")
	})

	return &Supervisor{opt: opt, intr: intr, log: log, sm: sm}
}

// Go registers dependent work; it must be called before Run.
func (s *Supervisor) Go(name string, t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, run: t})
}

// State provides the current lifecycle state.
func (s *Supervisor) State() fsm.State {
	return s.sm.Current()
}

// OnTransition registers an observer of the lifecycle state changes.
func (s *Supervisor) OnTransition(h fsm.Handler) {
	s.sm.Observe(h)
}

// Run races the supervised task against the cancellation signal and waits for
// the interrupt. It returns once every spawned goroutine has been joined and
// the dependent work has drained. The returned error is the first dependent task failure.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRun
	}

	var res Result
	sig := NewSignal()

	// start the dependent work
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	drained, failures := s.startTasks(workCtx)

	var wg sync.WaitGroup
	outcome := make(chan Outcome, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		outcome <- Race(sig, s.opt.SafetyTimeout)
	}()
	go func() {
		defer wg.Done()
		s.cancelAfter(sig, s.opt.CancelDelay)
	}()

	// the listener is stopped by us only, never by the parent context
	intrCtx, stopIntr := context.WithCancel(context.Background())
	defer stopIntr()
	interrupted := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		interrupted <- s.intr.Wait(intrCtx)
	}()

	raced := false
	select {
	case res.Outcome = <-outcome:
		raced = true
		res.Trigger = TriggerOutcome
		s.log.WithField("outcome", res.Outcome).Info("supervised task finished")
	case err := <-interrupted:
		res.Trigger = TriggerInterrupt
		if err != nil {
			// we also shut down if the interrupt can not be observed
			res.InterruptErr = err
			s.log.WithError(err).Error("unable to listen for shutdown signal")
		} else {
			s.log.Info("interrupt received")
		}
	case <-ctx.Done():
		res.Trigger = TriggerContext
		s.log.Info("parent context done")
	}

	// shutdown phase
	if err := s.sm.Fire(evShutdown); err != nil {
		s.log.WithError(err).Warn("unexpected state on shutdown")
	}
	sig.Cancel()
	stopIntr()
	if !raced {
		res.Outcome = <-outcome
	}
	wg.Wait()

	stopWork()
	err := s.drain(drained, failures)

	monitor.SupervisorOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	if e := s.sm.Fire(evTerminate); e != nil {
		s.log.WithError(e).Warn("unexpected state on terminate")
	}
	s.log.WithFields(logrus.Fields{"outcome": res.Outcome, "code": int(res.Outcome), "trigger": res.Trigger}).Info("supervisor terminated")
	return res, err
}

// cancelAfter fires the signal once the delay elapses, unless it is cancelled sooner.
func (s *Supervisor) cancelAfter(sig *Signal, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		// the machine may have moved to shutdown already
		if err := s.sm.Fire(evCancel); err == nil {
			s.log.WithField("delay", delay).Debug("cancellation requested")
		}
		sig.Cancel()
	case <-sig.Done():
	}
}

// startTasks launches the dependent work; the returned channel closes when all of it returned.
func (s *Supervisor) startTasks(ctx context.Context) (<-chan struct{}, <-chan error) {
	s.mu.Lock()
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	failures := make(chan error, len(tasks))
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()

			err := t.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).WithField("task", t.name).Error("dependent task failed")
				failures <- fmt.Errorf("%s: %w", t.name, err)
				return
			}
			s.log.WithField("task", t.name).Debug("dependent task stopped")
		}(t)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	return drained, failures
}

// drain waits for the dependent work to finish within the drain timeout.
// Tasks still running after the timeout are detached; the process is about to exit.
func (s *Supervisor) drain(drained <-chan struct{}, failures <-chan error) error {
	var expired <-chan time.Time
	if s.opt.DrainTimeout > 0 {
		timer := time.NewTimer(s.opt.DrainTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-drained:
		s.log.Debug("dependent work drained")
	case <-expired:
		s.log.WithField("timeout", s.opt.DrainTimeout).Warn("drain timeout exceeded, detaching dependent work")
	}

	select {
	case err := <-failures:
		return err
	default:
		return nil
	}
}
