// Package sim is an in-process actuator with simple grasp physics.
//
// It acknowledges every command, reports motion complete after a latency,
// attaches the nearest object within the grasp radius of the tool tip when
// engaged, carries the held object with the tool and drops it to the floor
// on release. Faults can be injected to exercise the timeout paths.
package sim

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/command"
	"github.com/gwillem/armctl/pkg/kinematics"
	"github.com/gwillem/armctl/pkg/robot"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("simulated actuator closed")

// Faults selects reports the actuator silently drops.
type Faults struct {
	DropAcks       bool
	DropMotion     bool
	DropAttachment bool
}

// Config holds configuration for the simulated actuator.
type Config struct {
	AckDelay    time.Duration
	MotionTime  time.Duration
	FallTime    time.Duration
	GraspRadius float64 // metres
	RestHeight  float64 // y of a resting object's centre
	Objects     []robot.TrackedObject
	Solver      *kinematics.Solver
}

func (c Config) withDefaults() Config {
	if c.MotionTime == 0 {
		c.MotionTime = 200 * time.Millisecond
	}
	if c.FallTime == 0 {
		c.FallTime = 300 * time.Millisecond
	}
	if c.GraspRadius == 0 {
		c.GraspRadius = 0.05
	}
	if c.RestHeight == 0 {
		c.RestHeight = 0.025
	}
	if c.Solver == nil {
		c.Solver = kinematics.NewSolver()
	}
	return c
}

// Actuator implements command.Transport.
type Actuator struct {
	cfg Config

	mu       sync.Mutex
	joints   robot.JointVector
	engaged  bool
	held     string
	objects  map[string]r3.Vector
	faults   Faults
	commands []command.Command
	closed   bool

	reports chan command.Report
	done    chan struct{}
	wg      sync.WaitGroup
}

// New returns a simulated actuator at the home pose.
func New(cfg Config) *Actuator {
	cfg = cfg.withDefaults()
	a := &Actuator{
		cfg:     cfg,
		objects: make(map[string]r3.Vector, len(cfg.Objects)),
		reports: make(chan command.Report, 64),
		done:    make(chan struct{}),
	}
	for _, obj := range cfg.Objects {
		a.objects[obj.ID] = obj.Position
	}
	return a
}

// SetFaults replaces the injected faults.
func (a *Actuator) SetFaults(f Faults) {
	a.mu.Lock()
	a.faults = f
	a.mu.Unlock()
}

// Commands returns every command received so far.
func (a *Actuator) Commands() []command.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]command.Command(nil), a.commands...)
}

// Joints returns the simulated joint angles.
func (a *Actuator) Joints() robot.JointVector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joints
}

// Objects returns the simulated object positions ordered by id.
func (a *Actuator) Objects() []robot.TrackedObject {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.objectsLocked()
}

// Reports implements command.Transport.
func (a *Actuator) Reports() <-chan command.Report {
	return a.reports
}

// Close stops pending reports. The reports channel is not closed.
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
	return nil
}

// Send implements command.Transport. The command is applied asynchronously.
func (a *Actuator) Send(ctx context.Context, cmd command.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.commands = append(a.commands, cmd)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.apply(cmd)
	}()
	return nil
}

func (a *Actuator) apply(cmd command.Command) {
	if !a.sleep(a.cfg.AckDelay) {
		return
	}

	a.mu.Lock()
	faults := a.faults
	a.mu.Unlock()

	if !faults.DropAcks {
		a.emit(command.Report{
			Type:   command.TypeResult,
			Result: &command.Result{CorrelationID: cmd.CorrelationID, OK: true},
		})
	}

	switch cmd.Kind {
	case command.SetPose:
		a.move(cmd.Joints, faults)
	case command.SetEngagement:
		if cmd.Engaged {
			a.grasp(faults)
		} else {
			a.release(faults)
		}
	}
}

func (a *Actuator) move(joints robot.JointVector, faults Faults) {
	if !a.sleep(a.cfg.MotionTime) {
		return
	}

	a.mu.Lock()
	a.joints = joints
	carried := a.held != ""
	if carried {
		a.objects[a.held] = a.cfg.Solver.Forward(joints)
	}
	objs := a.objectsLocked()
	a.mu.Unlock()

	if carried {
		a.emit(command.Report{Type: command.TypeObjectPositions, Positions: &command.ObjectPositions{Objects: objs}})
	}
	if !faults.DropMotion {
		a.emit(command.Report{
			Type:   command.TypeMotionStatus,
			Motion: &command.MotionStatus{Complete: true, JointAngles: joints},
		})
	}
}

func (a *Actuator) grasp(faults Faults) {
	a.mu.Lock()
	a.engaged = true
	tip := a.cfg.Solver.Forward(a.joints)
	id, best := "", a.cfg.GraspRadius
	for oid, pos := range a.objects {
		if d := pos.Sub(tip).Norm(); d <= best {
			id, best = oid, d
		}
	}
	if id != "" && a.held == "" {
		a.held = id
	}
	attached := id != "" && a.held == id
	a.mu.Unlock()

	if attached && !faults.DropAttachment {
		a.emit(command.Report{
			Type:       command.TypeAttachmentStatus,
			Attachment: &command.AttachmentStatus{ObjectID: id, Attached: true},
		})
	}
}

func (a *Actuator) release(faults Faults) {
	a.mu.Lock()
	a.engaged = false
	id := a.held
	a.held = ""
	a.mu.Unlock()

	if id == "" {
		return
	}
	if !faults.DropAttachment {
		a.emit(command.Report{
			Type:       command.TypeAttachmentStatus,
			Attachment: &command.AttachmentStatus{ObjectID: id, Attached: false},
		})
	}

	if !a.sleep(a.cfg.FallTime) {
		return
	}
	a.mu.Lock()
	pos := a.objects[id]
	pos.Y = a.cfg.RestHeight
	a.objects[id] = pos
	objs := a.objectsLocked()
	a.mu.Unlock()

	a.emit(command.Report{Type: command.TypeObjectPositions, Positions: &command.ObjectPositions{Objects: objs}})
}

func (a *Actuator) objectsLocked() []robot.TrackedObject {
	objs := make([]robot.TrackedObject, 0, len(a.objects))
	for id, pos := range a.objects {
		objs = append(objs, robot.TrackedObject{ID: id, Position: pos, Attached: id == a.held})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
	return objs
}

func (a *Actuator) emit(r command.Report) {
	select {
	case a.reports <- r:
	case <-a.done:
	}
}

// sleep waits d and reports false if the actuator closed meanwhile.
func (a *Actuator) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-a.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.done:
		return false
	}
}
