package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned when no result arrives in time.
	ErrTimeout = errors.New("command: timed out waiting for result")
	// ErrInFlight is returned when issuing beyond the in-flight limit.
	ErrInFlight = errors.New("command: another command is already in flight")
	// ErrUnknown is returned when awaiting an id that is not pending.
	ErrUnknown = errors.New("command: unknown correlation id")
)

// DefaultTTL bounds how long an unanswered command stays in the request table.
const DefaultTTL = 30 * time.Second

type request struct {
	cmd     Command
	expires time.Time
	result  chan Result
}

// Channel issues commands over a Transport and matches results by
// correlation id.
type Channel struct {
	transport   Transport
	maxInFlight int
	ttl         time.Duration
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]*request
}

// Option configures a Channel.
type Option func(*Channel)

// WithMaxInFlight sets how many unexpired commands may be pending at once.
func WithMaxInFlight(n int) Option {
	return func(c *Channel) { c.maxInFlight = n }
}

// WithTTL sets the request table expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Channel) { c.ttl = ttl }
}

// NewChannel returns a channel over t. By default one command may be in flight.
func NewChannel(t Transport, opts ...Option) *Channel {
	c := &Channel{
		transport:   t,
		maxInFlight: 1,
		ttl:         DefaultTTL,
		now:         time.Now,
		pending:     make(map[string]*request),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue sends cmd with a fresh correlation id and returns the id.
func (c *Channel) Issue(ctx context.Context, cmd Command) (string, error) {
	now := c.now()

	c.mu.Lock()
	c.expireLocked(now)
	if len(c.pending) >= c.maxInFlight {
		c.mu.Unlock()
		return "", ErrInFlight
	}
	cmd.CorrelationID = uuid.NewString()
	cmd.IssuedAt = now
	c.pending[cmd.CorrelationID] = &request{
		cmd:     cmd,
		expires: now.Add(c.ttl),
		result:  make(chan Result, 1),
	}
	c.mu.Unlock()

	if err := c.transport.Send(ctx, cmd); err != nil {
		c.forget(cmd.CorrelationID)
		return "", fmt.Errorf("send %s: %w", cmd.Kind, err)
	}
	return cmd.CorrelationID, nil
}

// AwaitResult blocks until the result for id arrives or timeout elapses.
// The request is removed from the table either way, so a late result is
// discarded by Deliver.
func (c *Channel) AwaitResult(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	req, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknown
	}
	defer c.forget(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res, nil
	case <-timer.C:
		return Result{}, fmt.Errorf("%w: %s %s", ErrTimeout, req.cmd.Kind, id)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Call issues cmd and waits for its result.
func (c *Channel) Call(ctx context.Context, cmd Command, timeout time.Duration) (Result, error) {
	id, err := c.Issue(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	return c.AwaitResult(ctx, id, timeout)
}

// Deliver hands a result to its waiter. Results for unknown, expired or
// already answered ids are discarded and Deliver returns false.
func (c *Channel) Deliver(res Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[res.CorrelationID]
	if !ok {
		return false
	}
	if c.now().After(req.expires) {
		delete(c.pending, res.CorrelationID)
		return false
	}
	select {
	case req.result <- res:
		return true
	default:
		return false
	}
}

// Pending returns the number of unexpired commands awaiting a result.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return len(c.pending)
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) expireLocked(now time.Time) {
	for id, req := range c.pending {
		if now.After(req.expires) {
			delete(c.pending, id)
		}
	}
}
