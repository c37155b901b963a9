package supervisor

import "sync"

// Signal is a one-shot broadcast cancellation flag.
// The zero value is not usable, create it with NewSignal.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// NewSignal creates a signal in the pending state.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Cancel moves the signal to the cancelled state.
// Calling it again is a no-op.
func (s *Signal) Cancel() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Done provides a channel closed once the signal is cancelled.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Cancelled reports whether the signal has been cancelled.
func (s *Signal) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
