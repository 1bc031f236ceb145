package core

import (
	"fmt"
	"sync"
)

// TurnLimiter bounds the number of model turns a runtime tool loop may take
// within one invocation.
type TurnLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewTurnLimiter creates a limiter allowing max turns.
// If max <= 0, unlimited turns are allowed.
func NewTurnLimiter(max int) *TurnLimiter {
	return &TurnLimiter{max: max}
}

// Next records a turn and returns an error wrapping ErrTurnLimit once the
// budget is exhausted.
func (l *TurnLimiter) Next() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.max > 0 && l.count > l.max {
		return fmt.Errorf("%w: %d turns", ErrTurnLimit, l.max)
	}

	return nil
}

// Count returns the number of turns taken.
func (l *TurnLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many turns are left, or -1 when unlimited.
func (l *TurnLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max <= 0 {
		return -1
	}

	return l.max - l.count
}
