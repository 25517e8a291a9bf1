package retry

import (
	"testing"
	"time"
)

func TestThreeFailuresTripBackoff(t *testing.T) {
	now := time.Now()
	clock := &now
	m := New(func() time.Time { return *clock })

	m.RecordFailure()
	m.RecordFailure()
	m.RecordFailure()

	s := m.Snapshot()
	if s.Connected {
		t.Error("expected Connected=false after 3 failures")
	}
	if s.Phase != 1 || s.PhaseAttempts != 0 {
		t.Errorf("state = %+v, want Phase=1 PhaseAttempts=0 on trip", s)
	}
}

func TestPhase2AfterEightFailures(t *testing.T) {
	now := time.Now()
	clock := &now
	m := New(func() time.Time { return *clock })

	for i := 0; i < 8; i++ {
		m.RecordFailure()
	}
	s := m.Snapshot()
	if s.Phase != 2 {
		t.Errorf("Phase = %d, want 2", s.Phase)
	}
}

func TestPhase2NeverEscalatesFurther(t *testing.T) {
	now := time.Now()
	clock := &now
	m := New(func() time.Time { return *clock })
	for i := 0; i < 20; i++ {
		m.RecordFailure()
	}
	s := m.Snapshot()
	if s.Phase != 2 {
		t.Errorf("Phase = %d, want 2", s.Phase)
	}
}

func TestSuccessResetsEverything(t *testing.T) {
	now := time.Now()
	clock := &now
	m := New(func() time.Time { return *clock })
	for i := 0; i < 8; i++ {
		m.RecordFailure()
	}
	m.RecordSuccess()

	s := m.Snapshot()
	if !s.Connected || s.Phase != 1 || s.ConsecutiveFailures != 0 || s.PhaseAttempts != 0 {
		t.Errorf("state after success = %+v, want fully reset", s)
	}
	if !m.ShouldSkip() == false {
		// sanity: connected implies never skip
	}
	if m.ShouldSkip() {
		t.Error("expected ShouldSkip false once connected")
	}
}

func TestShouldSkipRespectsInterval(t *testing.T) {
	now := time.Now()
	clock := &now
	m := New(func() time.Time { return *clock })

	for i := 0; i < 3; i++ {
		m.RecordFailure()
	}
	if !m.ShouldSkip() {
		t.Fatal("expected ShouldSkip true immediately after tripping")
	}

	*clock = now.Add(Phase1Interval + time.Second)
	if m.ShouldSkip() {
		t.Error("expected ShouldSkip false once the phase-1 interval elapses")
	}
}

func TestReset(t *testing.T) {
	now := time.Now()
	clock := &now
	m := New(func() time.Time { return *clock })
	for i := 0; i < 8; i++ {
		m.RecordFailure()
	}
	m.Reset()
	s := m.Snapshot()
	if !s.Connected || s.Phase != 1 {
		t.Errorf("state after Reset = %+v, want Connected=true Phase=1", s)
	}
}
