// Package coordinator wires the arm state, the command channel and the task
// executor to one actuator transport.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/command"
	"github.com/gwillem/armctl/pkg/kinematics"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/state"
	"github.com/gwillem/armctl/pkg/task"
)

// State is a point-in-time view of the arm, published after every report.
type State struct {
	Arm       robot.ArmState
	Observed  robot.JointVector
	Task      task.Status
	Timestamp time.Time
}

// Environment describes the workspace to callers.
type Environment struct {
	ReachMin     float64                         `json:"reach_min"`
	ReachMax     float64                         `json:"reach_max"`
	BaseHeight   float64                         `json:"base_height"`
	JointLimits  map[robot.JointName]robot.Range `json:"joint_limits"`
	Engaged      bool                            `json:"actuator_engaged"`
	HeldObjectID string                          `json:"held_object_id,omitempty"`
	JointTargets robot.JointVector               `json:"joint_targets"`
	TaskStatus   task.Status                     `json:"task_status"`
	LastTask     task.Status                     `json:"last_task_status"`
}

// Config holds configuration for the coordinator.
type Config struct {
	Timeouts    task.Timeouts
	Solver      *kinematics.Solver  // default geometry when nil
	MaxInFlight int
	DanceFrames []robot.JointVector // preset poses when empty
}

// Coordinator owns the store, the command channel and the executor.
type Coordinator struct {
	transport command.Transport
	store     *state.Store
	channel   *command.Channel
	exec      *task.Executor
	solver    *kinematics.Solver

	mu      sync.RWMutex
	running bool
	stateCh chan State
	logCh   chan string
}

// New creates a coordinator for transport. Reports are not consumed until Run.
func New(store *state.Store, transport command.Transport, cfg Config) *Coordinator {
	if cfg.Solver == nil {
		cfg.Solver = kinematics.NewSolver()
	}
	var opts []command.Option
	if cfg.MaxInFlight > 0 {
		opts = append(opts, command.WithMaxInFlight(cfg.MaxInFlight))
	}

	c := &Coordinator{
		transport: transport,
		store:     store,
		channel:   command.NewChannel(transport, opts...),
		solver:    cfg.Solver,
		stateCh:   make(chan State, 1),
		logCh:     make(chan string, 64),
	}
	execOpts := []task.Option{
		task.WithTimeouts(cfg.Timeouts),
		task.WithLogger(c.log),
	}
	if len(cfg.DanceFrames) > 0 {
		execOpts = append(execOpts, task.WithDanceFrames(cfg.DanceFrames))
	}
	c.exec = task.NewExecutor(store, c.channel, cfg.Solver, execOpts...)
	return c
}

// Close closes the transport.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// States returns a channel that receives state updates.
func (c *Coordinator) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Coordinator) Logs() <-chan string {
	return c.logCh
}

func (c *Coordinator) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Run consumes actuator reports in arrival order until ctx ends or the
// transport closes its report channel.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.log("Coordinator started")
	reports := c.transport.Reports()
	for {
		select {
		case <-ctx.Done():
			c.log("Coordinator stopped")
			return ctx.Err()
		case r, ok := <-reports:
			if !ok {
				c.log("Actuator report stream closed")
				return nil
			}
			c.handle(ctx, r)
		}
	}
}

// handle applies one report. Reports update state and resolve waits; they
// never start or cancel tasks.
func (c *Coordinator) handle(ctx context.Context, r command.Report) {
	switch r.Type {
	case command.TypeResult:
		if r.Result == nil {
			return
		}
		if !c.channel.Deliver(*r.Result) {
			c.log("Discarded result for unknown or expired command %s", r.Result.CorrelationID)
		}

	case command.TypeMotionStatus:
		if r.Motion == nil {
			return
		}
		c.record(c.store.RecordObserved(ctx, r.Motion.JointAngles))
		if r.Motion.Complete {
			if run := c.exec.Slot().Current(); run != nil {
				run.MotionComplete()
			}
		}

	case command.TypeAttachmentStatus:
		if r.Attachment == nil {
			return
		}
		a := r.Attachment
		if _, ok := c.store.Object(a.ObjectID); ok {
			c.record(c.store.MarkAttached(ctx, a.ObjectID, a.Attached))
		}
		if run := c.exec.Slot().Current(); run != nil {
			run.Attachment(a.ObjectID, a.Attached)
		}

	case command.TypeObjectPositions:
		if r.Positions == nil {
			return
		}
		positions := make(map[string]r3.Vector, len(r.Positions.Objects))
		for _, obj := range r.Positions.Objects {
			positions[obj.ID] = obj.Position
		}
		c.record(c.store.SyncObjects(ctx, positions))

	default:
		c.log("Ignoring report of unknown type %q", r.Type)
		return
	}
	c.publish()
}

func (c *Coordinator) record(err error) {
	if err != nil {
		c.log("State not persisted: %v", err)
	}
}

func (c *Coordinator) publish() {
	cur, _ := c.exec.Slot().Status()
	s := State{
		Arm:       c.store.Get(),
		Observed:  c.store.Observed(),
		Task:      cur,
		Timestamp: time.Now(),
	}
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}

// Execute runs any task through the single slot.
func (c *Coordinator) Execute(ctx context.Context, t task.Task) task.Result {
	res := c.exec.Run(ctx, t)
	c.publish()
	return res
}

func (c *Coordinator) PickObject(ctx context.Context, objectID string) task.Result {
	return c.Execute(ctx, task.PickObject{ObjectID: objectID})
}

func (c *Coordinator) CarryTo(ctx context.Context, target r3.Vector) task.Result {
	return c.Execute(ctx, task.CarryTo{Target: target})
}

// PlaceObject releases the held object, first carrying it to target when
// target is non-nil.
func (c *Coordinator) PlaceObject(ctx context.Context, target *r3.Vector) task.Result {
	return c.Execute(ctx, task.PlaceObject{Target: target})
}

func (c *Coordinator) Dance(ctx context.Context, d time.Duration) task.Result {
	return c.Execute(ctx, task.Dance{Duration: d})
}

func (c *Coordinator) ResetToBase(ctx context.Context) task.Result {
	return c.Execute(ctx, task.ResetToBase{})
}

// DiscoverObjects returns every tracked object ordered by id.
func (c *Coordinator) DiscoverObjects() []robot.TrackedObject {
	return c.store.Objects()
}

// EnvironmentInfo reports reach, joint limits and the holding state.
func (c *Coordinator) EnvironmentInfo() Environment {
	lo, hi := c.solver.Geometry.ReachBounds()
	arm := c.store.Get()
	cur, last := c.exec.Slot().Status()
	return Environment{
		ReachMin:     lo,
		ReachMax:     hi,
		BaseHeight:   c.solver.Geometry.BaseHeight,
		JointLimits:  c.solver.Limits.ByName(),
		Engaged:      arm.ActuatorEngaged,
		HeldObjectID: arm.HeldObjectID,
		JointTargets: arm.JointTargets,
		TaskStatus:   cur,
		LastTask:     last,
	}
}
