// Package schedule computes per-account poll delays. Idle accounts back off
// along the Fibonacci sequence up to a ceiling; any activity snaps the next
// poll back to a short fixed delay.
package schedule

import (
	"sync"
	"time"
)

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 300 * time.Second
	DefaultActiveDelay = 500 * time.Millisecond
)

// Config holds the delay constants.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ActiveDelay time.Duration
}

// DelayState is the in-memory backoff state of one account.
type DelayState struct {
	ConsecutiveIdlePolls int
	CurrentDelay         time.Duration
}

// Scheduler tracks DelayState per account. Safe for concurrent use.
type Scheduler struct {
	base   time.Duration
	max    time.Duration
	active time.Duration

	mu     sync.Mutex
	states map[string]*DelayState
}

// New creates a Scheduler. Zero values fall back to the defaults.
func New(cfg Config) *Scheduler {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ActiveDelay <= 0 {
		cfg.ActiveDelay = DefaultActiveDelay
	}
	return &Scheduler{
		base:   cfg.BaseDelay,
		max:    cfg.MaxDelay,
		active: cfg.ActiveDelay,
		states: make(map[string]*DelayState),
	}
}

// NextDelay records the outcome of one poll and returns how long the
// account should wait before polling again.
func (s *Scheduler) NextDelay(accountID string, foundActivity bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[accountID]
	if !ok {
		st = &DelayState{}
		s.states[accountID] = st
	}

	if foundActivity {
		st.ConsecutiveIdlePolls = 0
		st.CurrentDelay = s.active
		return st.CurrentDelay
	}

	st.ConsecutiveIdlePolls++
	st.CurrentDelay = IdleDelay(st.ConsecutiveIdlePolls, s.base, s.max)
	return st.CurrentDelay
}

// State returns a copy of the account's current state.
func (s *Scheduler) State(accountID string) DelayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok {
		return *st
	}
	return DelayState{}
}

// Reset forgets an account's backoff.
func (s *Scheduler) Reset(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, accountID)
}

// IdleDelay returns min(fib(n)*base, max) with fib(1)=fib(2)=1.
// For n < 1 it returns base.
func IdleDelay(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	a, b := time.Duration(1), time.Duration(1) // fib(1), fib(2)
	for i := 1; i < n; i++ {
		// Stop early: everything past the ceiling clamps anyway, and the
		// sequence overflows int64 long before n gets large.
		if a*base >= ceiling {
			return ceiling
		}
		a, b = b, a+b
	}
	if d := a * base; d < ceiling {
		return d
	}
	return ceiling
}
