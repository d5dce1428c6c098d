package task

import (
	"errors"
	"testing"
	"time"

	"github.com/gwillem/armctl/pkg/signal"
)

func TestIsAllowedTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusIdle, StatusRunning, true},
		{StatusIdle, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusIdle, false},
		{StatusCompleted, StatusIdle, true},
		{StatusFailed, StatusIdle, true},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := isAllowedTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSlot_AcquireRelease(t *testing.T) {
	s := NewSlot()

	run, err := s.Acquire(KindPick, time.Now())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cur, _ := s.Status(); cur != StatusRunning {
		t.Errorf("status = %s, want running", cur)
	}
	if s.Current() != run {
		t.Error("Current does not return the acquired run")
	}

	if _, err := s.Acquire(KindDance, time.Now()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Acquire err = %v, want ErrBusy", err)
	}

	if err := s.Release(run, false); err != nil {
		t.Fatalf("Release: %v", err)
	}
	cur, last := s.Status()
	if cur != StatusIdle || last != StatusFailed {
		t.Errorf("status = %s/%s, want idle/failed", cur, last)
	}
	if s.Current() != nil {
		t.Error("Current not cleared after release")
	}
	if err := s.Release(run, true); err == nil {
		t.Error("releasing a stale run should fail")
	}

	run, err = s.Acquire(KindReset, time.Now())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if err := s.Release(run, true); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, last := s.Status(); last != StatusCompleted {
		t.Errorf("last = %s, want completed", last)
	}
}

func TestRun_StaleMotionReportIgnored(t *testing.T) {
	s := NewSlot()
	run, _ := s.Acquire(KindCarry, time.Now())

	// A report from an earlier motion lands before the next one is armed.
	run.MotionComplete()
	run.ExpectMotion()

	if got := run.WaitMotion(t.Context(), 20*time.Millisecond); got != signal.TimedOut {
		t.Errorf("WaitMotion = %s, want timed out", got)
	}
}
