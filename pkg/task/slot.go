package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gwillem/armctl/pkg/signal"
)

// Status is the state of the task slot.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusIdle:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == StatusIdle
	default:
		return false
	}
}

// Run is the record of the task occupying the slot. It owns the waits the
// task may block on; status reports reach them only through Slot.Current.
type Run struct {
	Kind      Kind
	StartedAt time.Time

	motion *signal.Completion
	attach *signal.Attachment
}

// ExpectMotion arms the motion-complete wait. Call before issuing the motion.
func (r *Run) ExpectMotion() {
	r.motion.Arm()
}

// MotionComplete resolves the motion wait.
func (r *Run) MotionComplete() bool {
	return r.motion.Fire()
}

// WaitMotion blocks until motion completes or the wait ends.
func (r *Run) WaitMotion(ctx context.Context, timeout time.Duration) signal.Outcome {
	return r.motion.Wait(ctx, timeout)
}

// ExpectAttach arms the attachment wait for objectID.
func (r *Run) ExpectAttach(objectID string) {
	r.attach.Expect(objectID)
}

// Attachment resolves the attachment wait if it matches.
func (r *Run) Attachment(objectID string, attached bool) bool {
	return r.attach.Report(objectID, attached)
}

// WaitAttach blocks until the expected object attaches or the wait ends.
func (r *Run) WaitAttach(ctx context.Context, timeout time.Duration) signal.Outcome {
	return r.attach.Wait(ctx, timeout)
}

// Slot admits one running task at a time.
type Slot struct {
	mu      sync.Mutex
	status  Status
	last    Status
	current *Run
}

// NewSlot returns an idle slot.
func NewSlot() *Slot {
	return &Slot{status: StatusIdle, last: StatusIdle}
}

func (s *Slot) transitionLocked(to Status) error {
	if !isAllowedTransition(s.status, to) {
		return fmt.Errorf("disallowed slot transition: %s -> %s", s.status, to)
	}
	s.status = to
	return nil
}

// Acquire moves the slot from idle to running. It fails with ErrBusy while
// another task holds the slot.
func (s *Slot) Acquire(kind Kind, now time.Time) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusIdle {
		return nil, fmt.Errorf("%w: %s", ErrBusy, s.current.Kind)
	}
	if err := s.transitionLocked(StatusRunning); err != nil {
		return nil, err
	}
	s.current = &Run{
		Kind:      kind,
		StartedAt: now,
		motion:    signal.NewCompletion(),
		attach:    signal.NewAttachment(),
	}
	return s.current, nil
}

// Release finishes run as completed or failed and returns the slot to idle.
func (s *Slot) Release(run *Run, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != run {
		return fmt.Errorf("release of a run that does not hold the slot")
	}
	to := StatusFailed
	if success {
		to = StatusCompleted
	}
	if err := s.transitionLocked(to); err != nil {
		return err
	}
	s.last = to
	s.current = nil
	return s.transitionLocked(StatusIdle)
}

// Current returns the running task, or nil when idle.
func (s *Slot) Current() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Status returns the slot status and the outcome of the last finished task.
func (s *Slot) Status() (current, last Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.last
}
