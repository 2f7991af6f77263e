package fixture

import (
	"fmt"
	"sync"
)

// cleanupStack sequences teardown of long-lived fixture resources in LIFO
// order (last added, first cleaned). It keeps executing when steps fail,
// collecting every error.
type cleanupStack struct {
	mu    sync.Mutex
	steps []cleanupStep
}

type cleanupStep struct {
	name string
	fn   func() error
}

func newCleanupStack() *cleanupStack {
	return &cleanupStack{steps: make([]cleanupStep, 0)}
}

func (s *cleanupStack) push(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, cleanupStep{name: name, fn: fn})
}

// run executes all registered steps in reverse order and clears the stack.
// Steps run without the lock held so a step may push follow-up work for a
// later run without deadlocking.
func (s *cleanupStack) run() []error {
	s.mu.Lock()
	steps := make([]cleanupStep, len(s.steps))
	copy(steps, s.steps)
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s cleanup failed: %w", steps[i].name, err))
		}
	}
	return errs
}
