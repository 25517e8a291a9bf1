// Package retry implements the two-phase backoff state machine shared by
// the REST and WebSocket connectors: three consecutive failures trip
// backoff; up to five failures in phase 1 gate attempts at a 60s interval;
// beyond that, phase 2 gates indefinitely at a 300s interval. Any success
// resets the machine entirely.
package retry

import (
	"sync"
	"time"
)

const (
	Phase1Interval   = 60 * time.Second
	Phase2Interval   = 300 * time.Second
	Phase1MaxAttempts = 5
	FailureThreshold  = 3
)

// State is the retry/backoff state for one connector.
type State struct {
	Connected           bool
	LastSuccessTs       time.Time
	LastFailureTs       time.Time
	SuccessTotal        int64
	FailureTotal        int64
	ConsecutiveFailures int
	Phase               int // 1 or 2
	PhaseAttempts       int
}

// Interval returns the effective skip interval for the current phase.
func (s State) Interval() time.Duration {
	if s.Phase >= 2 {
		return Phase2Interval
	}
	return Phase1Interval
}

// Machine guards a State behind a mutex and exposes the transition
// operations both connectors need.
type Machine struct {
	mu    sync.Mutex
	state State
	now   func() time.Time
}

// New constructs a Machine in the OK state.
func New(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{state: State{Connected: true, Phase: 1}, now: now}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldSkip reports whether a caller should suppress its next attempt.
func (m *Machine) ShouldSkip() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Connected {
		return false
	}
	return m.now().Sub(m.state.LastFailureTs) < m.state.Interval()
}

// RecordFailure advances the machine on a failed attempt: three consecutive
// failures trip backoff into phase 1; five phase-1 failures escalate to
// phase 2; phase 2 never escalates further.
func (m *Machine) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.state.LastFailureTs = now
	m.state.FailureTotal++
	m.state.ConsecutiveFailures++

	if m.state.ConsecutiveFailures < FailureThreshold {
		return
	}

	if m.state.Connected {
		m.state.Connected = false
		m.state.Phase = 1
		m.state.PhaseAttempts = 0
		return
	}

	m.state.PhaseAttempts++
	if m.state.Phase == 1 && m.state.PhaseAttempts >= Phase1MaxAttempts {
		m.state.Phase = 2
	}
}

// RecordSuccess resets the machine to OK.
func (m *Machine) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{
		Connected:     true,
		Phase:         1,
		LastSuccessTs: m.now(),
		SuccessTotal:  m.state.SuccessTotal + 1,
		FailureTotal:  m.state.FailureTotal,
	}
}

// Reset unconditionally restores the OK state, as used by force-reconnect.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Connected: true, Phase: 1}
}

// SetLastFailureTs is exposed for deterministic tests that need to
// fast-forward the backoff clock.
func (m *Machine) SetLastFailureTs(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastFailureTs = t
}
