// Package servo drives a Feetech bus arm as an actuator transport.
//
// set_pose writes calibrated joint angles and polls the bus until every
// watched joint is within tolerance, then reports motion complete.
// set_engagement closes or opens the gripper. The arm has no contact
// sensing, so no attachment reports are produced.
package servo

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/command"
	"github.com/gwillem/armctl/pkg/robot"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("servo actuator closed")

// Arm is the part of robot.Arm the actuator needs.
type Arm interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	ReadJoints(ctx context.Context) (robot.JointVector, error)
	WriteJoints(ctx context.Context, joints robot.JointVector) error
	SetGripper(ctx context.Context, norm float64) error
	Close() error
}

// Config holds configuration for the servo actuator.
type Config struct {
	Gripper      robot.GripperConfig
	Tolerance    float64           // degrees
	PollInterval time.Duration     // between position reads
	MotionLimit  time.Duration     // give up polling after this long
	Watch        []robot.JointName // joints compared against the target; all when empty
}

func (c Config) withDefaults() Config {
	if c.Tolerance == 0 {
		c.Tolerance = 2
	}
	if c.PollInterval == 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.MotionLimit == 0 {
		c.MotionLimit = 15 * time.Second
	}
	if len(c.Watch) == 0 {
		c.Watch = robot.AllJoints()
	}
	return c
}

// Actuator serialises commands onto the servo bus.
type Actuator struct {
	arm Arm
	cfg Config

	mu      sync.Mutex
	closed  bool
	queue   chan command.Command
	reports chan command.Report
	done    chan struct{}
	wg      sync.WaitGroup
}

// New enables torque and starts the bus worker.
func New(ctx context.Context, arm Arm, cfg Config) (*Actuator, error) {
	if err := arm.Enable(ctx); err != nil {
		return nil, errors.Wrap(err, "enable torque")
	}
	a := &Actuator{
		arm:     arm,
		cfg:     cfg.withDefaults(),
		queue:   make(chan command.Command, 8),
		reports: make(chan command.Report, 64),
		done:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.worker()
	return a, nil
}

// Send implements command.Transport.
func (a *Actuator) Send(ctx context.Context, cmd command.Command) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case a.queue <- cmd:
		return nil
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reports implements command.Transport.
func (a *Actuator) Reports() <-chan command.Report {
	return a.reports
}

// Close stops the worker, disables torque and closes the bus.
func (a *Actuator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.arm.Disable(ctx); err != nil {
		log.Printf("servo: failed to disable torque: %v", err)
	}
	return errors.Wrap(a.arm.Close(), "close bus")
}

func (a *Actuator) worker() {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.done
		cancel()
	}()

	for {
		select {
		case <-a.done:
			return
		case cmd := <-a.queue:
			a.apply(ctx, cmd)
		}
	}
}

func (a *Actuator) apply(ctx context.Context, cmd command.Command) {
	var err error
	switch cmd.Kind {
	case command.SetPose:
		err = errors.Wrap(a.arm.WriteJoints(ctx, cmd.Joints), "write joints")
	case command.SetEngagement:
		pos := a.cfg.Gripper.Open
		if cmd.Engaged {
			pos = a.cfg.Gripper.Close
		}
		err = errors.Wrap(a.arm.SetGripper(ctx, pos), "drive gripper")
	default:
		err = errors.Errorf("unsupported command kind %q", cmd.Kind)
	}

	res := &command.Result{CorrelationID: cmd.CorrelationID, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	a.emit(command.Report{Type: command.TypeResult, Result: res})

	if err == nil && cmd.Kind == command.SetPose {
		a.awaitPose(ctx, cmd.Joints)
	}
}

// awaitPose polls until the watched joints reach target, then reports.
func (a *Actuator) awaitPose(ctx context.Context, target robot.JointVector) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	limit := time.After(a.cfg.MotionLimit)

	var last robot.JointVector
	for {
		joints, err := a.arm.ReadJoints(ctx)
		if err != nil {
			log.Printf("servo: %v", err)
		} else {
			last = joints
			if a.reached(joints, target) {
				a.emit(command.Report{
					Type:   command.TypeMotionStatus,
					Motion: &command.MotionStatus{Complete: true, JointAngles: joints},
				})
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-limit:
			log.Printf("servo: pose %v not reached after %v, last read %v", target, a.cfg.MotionLimit, last)
			a.emit(command.Report{
				Type:   command.TypeMotionStatus,
				Motion: &command.MotionStatus{Complete: false, JointAngles: last},
			})
			return
		case <-ticker.C:
		}
	}
}

func (a *Actuator) reached(joints, target robot.JointVector) bool {
	for _, name := range a.cfg.Watch {
		if math.Abs(joints.Get(name)-target.Get(name)) > a.cfg.Tolerance {
			return false
		}
	}
	return true
}

func (a *Actuator) emit(r command.Report) {
	select {
	case a.reports <- r:
	case <-a.done:
	}
}
