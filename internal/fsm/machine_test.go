package fsm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMachine_Basic(t *testing.T) {
	m := New("off").Allow("off", "push", "on")

	if m.Current() != "off" {
		t.Errorf("Expected off, got %s", m.Current())
	}
	if err := m.Fire("push"); err != nil {
		t.Fatal(err)
	}
	if m.Current() != "on" {
		t.Errorf("Expected on, got %s", m.Current())
	}

	err := m.Fire("push")
	if !errors.Is(err, ErrTransition) {
		t.Errorf("Expected ErrTransition, got %v", err)
	}
	if m.Current() != "on" {
		t.Errorf("Rejected event must not change state, got %s", m.Current())
	}
}

func TestMachine_ObserverMayFire(t *testing.T) {
	m := New("initial").
		Allow("initial", "first", "intermediate").
		Allow("intermediate", "second", "final")

	m.Observe(func(from, to State, event Event) {
		if to == "intermediate" {
			_ = m.Fire("second")
		}
	})

	done := make(chan struct{})
	go func() {
		if err := m.Fire("first"); err != nil {
			t.Errorf("Fire failed: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		if m.Current() != "final" {
			t.Errorf("Expected state final, got %s", m.Current())
		}
	case <-time.After(time.Second):
		t.Fatal("Deadlock detected: Fire did not return within 1 second")
	}
}

func TestMachine_ConcurrentFireSingleWinner(t *testing.T) {
	m := New("a").Allow("a", "go", "b")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Fire("go") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one successful transition, got %d", wins)
	}
	if err := m.Fire("go"); !errors.Is(err, ErrTransition) {
		t.Errorf("No transition should be allowed from b, got %v", err)
	}
}
