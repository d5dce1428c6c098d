// Package signal provides single-waiter completion signals with timeouts.
//
// A Completion is armed before the command that will eventually satisfy it is
// issued, so a report that arrives before Wait is called is not lost.
package signal

import (
	"context"
	"sync"
	"time"
)

// Outcome is the result of a wait.
type Outcome int

const (
	Satisfied Outcome = iota
	TimedOut
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed out"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Completion is a resettable one-shot signal.
type Completion struct {
	mu    sync.Mutex
	fired bool
	done  chan struct{}
}

// NewCompletion returns an armed completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Arm clears any recorded fire and prepares for a new wait.
func (c *Completion) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired = false
	c.done = make(chan struct{})
}

// Fire records the event and wakes the waiter, if any.
// It returns false if the completion had already fired since the last Arm.
func (c *Completion) Fire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired {
		return false
	}
	c.fired = true
	close(c.done)
	return true
}

// Wait blocks until the completion fires, the timeout elapses or ctx ends.
// A fire recorded before the call satisfies it immediately.
func (c *Completion) Wait(ctx context.Context, timeout time.Duration) Outcome {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return Satisfied
	case <-timer.C:
		return TimedOut
	case <-ctx.Done():
		return Canceled
	}
}

// Attachment waits for a specific object to report attached.
type Attachment struct {
	mu     sync.Mutex
	target string
	c      *Completion
}

// NewAttachment returns an attachment signal with no target.
func NewAttachment() *Attachment {
	return &Attachment{c: NewCompletion()}
}

// Expect arms the signal for objectID.
func (a *Attachment) Expect(objectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = objectID
	a.c.Arm()
}

// Report fires the signal if id is the expected object and it is attached.
func (a *Attachment) Report(id string, attached bool) bool {
	a.mu.Lock()
	match := attached && a.target != "" && id == a.target
	a.mu.Unlock()
	if !match {
		return false
	}
	return a.c.Fire()
}

// Wait blocks until the expected object attaches or the wait ends.
func (a *Attachment) Wait(ctx context.Context, timeout time.Duration) Outcome {
	return a.c.Wait(ctx, timeout)
}
