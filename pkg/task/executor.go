package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/command"
	"github.com/gwillem/armctl/pkg/kinematics"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/signal"
	"github.com/gwillem/armctl/pkg/state"
)

// Commander sends a command and waits for the actuator's result.
type Commander interface {
	Call(ctx context.Context, cmd command.Command, timeout time.Duration) (command.Result, error)
}

// Timeouts bound every wait a task performs.
type Timeouts struct {
	Command time.Duration // actuator acknowledgement
	Motion  time.Duration // motion complete
	Attach  time.Duration // attachment confirmation, lenient
	Settle  time.Duration // free fall after release
}

// DefaultTimeouts are used for zero fields.
var DefaultTimeouts = Timeouts{
	Command: 5 * time.Second,
	Motion:  10 * time.Second,
	Attach:  3 * time.Second,
	Settle:  500 * time.Millisecond,
}

// Executor runs tasks against the arm state and the actuator.
type Executor struct {
	store    *state.Store
	commands Commander
	solver   *kinematics.Solver
	slot     *Slot
	timeouts Timeouts
	frames   []robot.JointVector
	logf     func(format string, args ...any)
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeouts overrides the default wait bounds.
func WithTimeouts(t Timeouts) Option {
	return func(e *Executor) {
		if t.Command > 0 {
			e.timeouts.Command = t.Command
		}
		if t.Motion > 0 {
			e.timeouts.Motion = t.Motion
		}
		if t.Attach > 0 {
			e.timeouts.Attach = t.Attach
		}
		if t.Settle > 0 {
			e.timeouts.Settle = t.Settle
		}
	}
}

// WithLogger routes executor log lines to logf.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(e *Executor) { e.logf = logf }
}

// WithDanceFrames replaces the preset dance poses.
func WithDanceFrames(frames []robot.JointVector) Option {
	return func(e *Executor) { e.frames = frames }
}

// NewExecutor returns an executor with an idle slot.
func NewExecutor(store *state.Store, commands Commander, solver *kinematics.Solver, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		commands: commands,
		solver:   solver,
		slot:     NewSlot(),
		timeouts: DefaultTimeouts,
		frames:   DanceFrames,
		logf:     func(string, ...any) {},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Slot returns the task slot, through which status reports reach the running task.
func (e *Executor) Slot() *Slot {
	return e.slot
}

// Run executes t and always returns a Result.
func (e *Executor) Run(ctx context.Context, t Task) (res Result) {
	start := e.now()

	run, err := e.slot.Acquire(t.Kind(), start)
	if err != nil {
		return e.result(start, "", wrap(TaskInProgress, err, "cannot start %s", t.Kind()))
	}
	e.logf("%s started", t.Kind())

	defer func() {
		if p := recover(); p != nil {
			res = e.result(start, "", fail(Internal, "%s panicked: %v", t.Kind(), p))
		}
		if err := e.slot.Release(run, res.Success); err != nil {
			e.logf("release slot: %v", err)
		}
		if res.Success {
			e.logf("%s completed in %dms", t.Kind(), res.DurationMs)
		} else {
			e.logf("%s failed: %s", t.Kind(), res.Message)
		}
	}()

	var msg string
	switch t := t.(type) {
	case PickObject:
		msg, err = e.pick(ctx, run, t)
	case CarryTo:
		msg, err = e.carry(ctx, run, t)
	case PlaceObject:
		msg, err = e.place(ctx, run, t)
	case Dance:
		msg, err = e.dance(ctx, run, t)
	case ResetToBase:
		msg, err = e.reset(ctx, run)
	default:
		err = fail(InvalidArgument, "unsupported task %T", t)
	}
	return e.result(start, msg, err)
}

func (e *Executor) result(start time.Time, msg string, err error) Result {
	res := Result{
		Success:    err == nil,
		Message:    msg,
		DurationMs: e.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		res.ErrorCode = CodeOf(err)
		var te *Error
		if errors.As(err, &te) {
			res.Message = te.Message
		} else {
			res.Message = err.Error()
		}
	}
	return res
}

func (e *Executor) pick(ctx context.Context, run *Run, t PickObject) (string, error) {
	obj, ok := e.store.Object(t.ObjectID)
	if !ok {
		return "", fail(ObjectNotFound, "object %q not found", t.ObjectID)
	}
	if arm := e.store.Get(); arm.Holding() {
		return "", fail(AlreadyHoldingObject, "already holding %q", arm.HeldObjectID)
	}

	hover, err := e.solve(obj.Position.Add(r3.Vector{Y: HoverHeight}))
	if err != nil {
		return "", err
	}
	grasp, err := e.solve(obj.Position)
	if err != nil {
		return "", err
	}
	liftPoint := obj.Position.Add(r3.Vector{Y: LiftHeight})
	lift, err := e.solve(liftPoint)
	if err != nil {
		return "", err
	}

	if err := e.move(ctx, run, hover); err != nil {
		return "", err
	}
	if err := e.move(ctx, run, grasp); err != nil {
		return "", err
	}

	run.ExpectAttach(obj.ID)
	if err := e.engage(ctx, true); err != nil {
		return "", err
	}

	// Best effort: a missing confirmation is not a failure. The lift below
	// goes ahead either way and the physics side reconciles positions.
	confirmed := true
	switch run.WaitAttach(ctx, e.timeouts.Attach) {
	case signal.TimedOut:
		confirmed = false
		e.logf("no attachment confirmation for %s after %v, continuing", obj.ID, e.timeouts.Attach)
	case signal.Canceled:
		return "", wrap(Canceled, ctx.Err(), "pick of %s canceled", obj.ID)
	}

	if err := e.move(ctx, run, lift); err != nil {
		return "", err
	}

	e.record(e.store.SetHeld(ctx, obj.ID))
	e.record(e.store.MarkAttached(ctx, obj.ID, true))
	e.record(e.store.UpdateObjectPosition(ctx, obj.ID, liftPoint))

	if !confirmed {
		return fmt.Sprintf("picked up %s (attachment not confirmed)", obj.ID), nil
	}
	return fmt.Sprintf("picked up %s", obj.ID), nil
}

func (e *Executor) carry(ctx context.Context, run *Run, t CarryTo) (string, error) {
	arm := e.store.Get()
	if !arm.Holding() {
		return "", fail(NoObjectHeld, "not holding an object")
	}
	if err := e.carryTo(ctx, run, arm.HeldObjectID, t.Target); err != nil {
		return "", err
	}
	return fmt.Sprintf("carried %s to (%.3f, %.3f, %.3f)", arm.HeldObjectID, t.Target.X, t.Target.Y, t.Target.Z), nil
}

func (e *Executor) carryTo(ctx context.Context, run *Run, objectID string, target r3.Vector) error {
	joints, err := e.solve(target)
	if err != nil {
		return err
	}
	if err := e.move(ctx, run, joints); err != nil {
		return err
	}
	e.record(e.store.UpdateObjectPosition(ctx, objectID, target))
	return nil
}

func (e *Executor) place(ctx context.Context, run *Run, t PlaceObject) (string, error) {
	arm := e.store.Get()
	if !arm.Holding() {
		return "", fail(NoObjectHeld, "not holding an object")
	}
	id := arm.HeldObjectID

	if t.Target != nil {
		if err := e.carryTo(ctx, run, id, *t.Target); err != nil {
			return "", err
		}
	}

	if err := e.engage(ctx, false); err != nil {
		return "", err
	}
	if err := sleep(ctx, e.timeouts.Settle); err != nil {
		return "", wrap(Canceled, err, "place of %s canceled", id)
	}

	// The object falls from where the tool released it; object_positions
	// reports correct the inferred position.
	e.record(e.store.MarkAttached(ctx, id, false))
	e.record(e.store.UpdateObjectPosition(ctx, id, e.solver.Forward(e.store.Get().JointTargets)))

	return fmt.Sprintf("placed %s", id), nil
}

func (e *Executor) dance(ctx context.Context, run *Run, t Dance) (string, error) {
	if t.Duration <= 0 {
		return "", fail(InvalidArgument, "dance duration must be positive, got %v", t.Duration)
	}
	if len(e.frames) == 0 {
		return "", fail(InvalidArgument, "no dance frames configured")
	}
	hold := t.Duration / time.Duration(len(e.frames))

	danceErr := func() error {
		for i, frame := range e.frames {
			frameStart := e.now()
			if err := e.move(ctx, run, frame.Clamp(e.solver.Limits)); err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			if err := sleep(ctx, hold-e.now().Sub(frameStart)); err != nil {
				return wrap(Canceled, err, "dance canceled")
			}
		}
		return nil
	}()

	// Always finish at home, even after a failed frame.
	homeErr := e.move(ctx, run, robot.Home)
	if danceErr != nil {
		return "", danceErr
	}
	if homeErr != nil {
		return "", homeErr
	}
	return fmt.Sprintf("danced %d frames in %v", len(e.frames), t.Duration), nil
}

func (e *Executor) reset(ctx context.Context, run *Run) (string, error) {
	arm := e.store.Get()
	if arm.ActuatorEngaged {
		if err := e.engage(ctx, false); err != nil {
			return "", err
		}
		if arm.Holding() {
			e.record(e.store.MarkAttached(ctx, arm.HeldObjectID, false))
		}
	}
	if err := e.move(ctx, run, robot.Home); err != nil {
		return "", err
	}
	return "arm reset to home", nil
}

func (e *Executor) solve(target r3.Vector) (robot.JointVector, error) {
	joints, err := e.solver.Solve(target)
	if err != nil {
		return joints, wrap(OutOfReach, err, "cannot reach (%.3f, %.3f, %.3f)", target.X, target.Y, target.Z)
	}
	return joints, nil
}

// move commands a pose and blocks until the actuator reports it reached.
func (e *Executor) move(ctx context.Context, run *Run, joints robot.JointVector) error {
	run.ExpectMotion()
	if err := e.send(ctx, command.Pose(joints)); err != nil {
		return err
	}
	e.record(e.store.ApplyMotion(ctx, joints))

	switch run.WaitMotion(ctx, e.timeouts.Motion) {
	case signal.TimedOut:
		return fail(MotionTimeout, "motion to %v not confirmed within %v", joints, e.timeouts.Motion)
	case signal.Canceled:
		return wrap(Canceled, ctx.Err(), "motion to %v canceled", joints)
	}
	return nil
}

func (e *Executor) engage(ctx context.Context, engaged bool) error {
	if err := e.send(ctx, command.Engage(engaged)); err != nil {
		return err
	}
	e.record(e.store.SetEngaged(ctx, engaged))
	return nil
}

func (e *Executor) send(ctx context.Context, cmd command.Command) error {
	res, err := e.commands.Call(ctx, cmd, e.timeouts.Command)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wrap(Canceled, err, "%s canceled", cmd.Kind)
	case errors.Is(err, command.ErrTimeout):
		return wrap(CommandTimeout, err, "actuator did not acknowledge %s within %v", cmd.Kind, e.timeouts.Command)
	default:
		return wrap(CommandTimeout, err, "actuator unreachable for %s", cmd.Kind)
	}
	if !res.OK {
		return fail(ActuatorError, "actuator rejected %s: %s", cmd.Kind, res.Error)
	}
	return nil
}

// record logs a persistence failure. Memory stays authoritative, so the
// task continues.
func (e *Executor) record(err error) {
	if err != nil {
		e.logf("state not persisted: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
