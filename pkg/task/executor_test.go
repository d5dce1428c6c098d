package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/command"
	"github.com/gwillem/armctl/pkg/kinematics"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/state"
)

// fakeCommander acknowledges every command and, unless told otherwise,
// reports motion complete for set_pose and attachment for engage.
type fakeCommander struct {
	mu   sync.Mutex
	exec *Executor
	sent []command.Command

	err          error
	reject       bool
	silentMotion bool
	attach       string
	panicOn      command.Kind
	block        chan struct{}
	entered      chan struct{}
}

func (f *fakeCommander) Call(ctx context.Context, cmd command.Command, timeout time.Duration) (command.Result, error) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return command.Result{}, ctx.Err()
		}
	}
	if cmd.Kind == f.panicOn {
		panic("servo bus exploded")
	}
	if f.err != nil {
		return command.Result{}, f.err
	}
	if f.reject {
		return command.Result{OK: false, Error: "joint stalled"}, nil
	}

	run := f.exec.Slot().Current()
	switch {
	case cmd.Kind == command.SetPose && !f.silentMotion:
		run.MotionComplete()
	case cmd.Kind == command.SetEngagement && cmd.Engaged && f.attach != "":
		run.Attachment(f.attach, true)
	}
	return command.Result{OK: true}, nil
}

func (f *fakeCommander) commands() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Command(nil), f.sent...)
}

func (f *fakeCommander) count(kind command.Kind) int {
	n := 0
	for _, c := range f.commands() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

var cube = robot.TrackedObject{ID: "cube1", Position: r3.Vector{X: 0.4, Y: 0.025, Z: 0.3}}

var fastTimeouts = Timeouts{
	Command: 100 * time.Millisecond,
	Motion:  100 * time.Millisecond,
	Attach:  30 * time.Millisecond,
	Settle:  time.Millisecond,
}

func setup(t *testing.T, objects ...robot.TrackedObject) (*Executor, *fakeCommander, *state.Store) {
	t.Helper()
	store, err := state.Open(context.Background(), &state.Memory{}, objects)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	fc := &fakeCommander{attach: "cube1"}
	exec := NewExecutor(store, fc, kinematics.NewSolver(), WithTimeouts(fastTimeouts))
	fc.exec = exec
	return exec, fc, store
}

func holdCube(t *testing.T, exec *Executor) {
	t.Helper()
	if res := exec.Run(context.Background(), PickObject{ObjectID: "cube1"}); !res.Success {
		t.Fatalf("pick failed: %+v", res)
	}
}

func TestExecutor_PickCarryPlace(t *testing.T) {
	ctx := context.Background()
	exec, fc, store := setup(t, cube)
	solver := kinematics.NewSolver()

	res := exec.Run(ctx, PickObject{ObjectID: "cube1"})
	if !res.Success || res.ErrorCode != "" {
		t.Fatalf("pick = %+v", res)
	}
	if got := fc.count(command.SetPose); got != 3 {
		t.Errorf("pick sent %d poses, want 3 (hover, grasp, lift)", got)
	}
	arm := store.Get()
	if arm.HeldObjectID != "cube1" || !arm.ActuatorEngaged {
		t.Errorf("after pick arm = %+v", arm)
	}
	if obj, _ := store.Object("cube1"); !obj.Attached {
		t.Error("cube1 not marked attached")
	}

	before := len(fc.commands())
	target := r3.Vector{X: 0, Y: 0.3, Z: 0}
	res = exec.Run(ctx, CarryTo{Target: target})
	if !res.Success {
		t.Fatalf("carry = %+v", res)
	}
	sent := fc.commands()[before:]
	if len(sent) != 1 || sent[0].Kind != command.SetPose {
		t.Fatalf("carry sent %v, want exactly one set_pose", sent)
	}
	if tip := solver.Forward(sent[0].Joints); tip.Sub(target).Norm() > 1e-3 {
		t.Errorf("carry pose reaches %v, want %v", tip, target)
	}
	if obj, _ := store.Object("cube1"); obj.Position != target {
		t.Errorf("cube1 position = %v, want %v", obj.Position, target)
	}

	res = exec.Run(ctx, PlaceObject{})
	if !res.Success {
		t.Fatalf("place = %+v", res)
	}
	last := fc.commands()[len(fc.commands())-1]
	if last.Kind != command.SetEngagement || last.Engaged {
		t.Errorf("place last command = %+v, want disengage", last)
	}
	arm = store.Get()
	if arm.Holding() || arm.ActuatorEngaged {
		t.Errorf("after place arm = %+v", arm)
	}
	if obj, _ := store.Object("cube1"); obj.Attached {
		t.Error("cube1 still attached after place")
	}
}

func TestExecutor_PlaceAtTarget(t *testing.T) {
	exec, fc, store := setup(t, cube)
	holdCube(t, exec)
	before := len(fc.commands())

	target := r3.Vector{X: -0.3, Y: 0.1, Z: 0.2}
	res := exec.Run(context.Background(), PlaceObject{Target: &target})
	if !res.Success {
		t.Fatalf("place = %+v", res)
	}
	sent := fc.commands()[before:]
	if len(sent) != 2 || sent[0].Kind != command.SetPose || sent[1].Kind != command.SetEngagement {
		t.Errorf("place sent %v, want pose then disengage", sent)
	}
	obj, _ := store.Object("cube1")
	if obj.Position.Sub(target).Norm() > 1e-3 {
		t.Errorf("cube1 at %v, want %v", obj.Position, target)
	}
}

func TestExecutor_Preconditions(t *testing.T) {
	far := r3.Vector{X: 5, Y: 0, Z: 0}
	tests := []struct {
		name string
		hold bool
		task Task
		want Code
	}{
		{"pick unknown object", false, PickObject{ObjectID: "sphere9"}, ObjectNotFound},
		{"pick while holding", true, PickObject{ObjectID: "cube1"}, AlreadyHoldingObject},
		{"carry empty", false, CarryTo{Target: r3.Vector{Y: 0.3}}, NoObjectHeld},
		{"place empty", false, PlaceObject{}, NoObjectHeld},
		{"carry out of reach", true, CarryTo{Target: far}, OutOfReach},
		{"place out of reach", true, PlaceObject{Target: &far}, OutOfReach},
		{"dance zero duration", false, Dance{}, InvalidArgument},
		{"dance negative duration", false, Dance{Duration: -time.Second}, InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, fc, store := setup(t, cube)
			if tt.hold {
				holdCube(t, exec)
			}
			before := len(fc.commands())
			arm := store.Get()

			res := exec.Run(context.Background(), tt.task)
			if res.Success || res.ErrorCode != tt.want {
				t.Fatalf("result = %+v, want code %s", res, tt.want)
			}
			if got := len(fc.commands()) - before; got != 0 {
				t.Errorf("sent %d commands, want none", got)
			}
			if store.Get() != arm {
				t.Errorf("arm state changed: %+v -> %+v", arm, store.Get())
			}
			if cur, last := exec.Slot().Status(); cur != StatusIdle || last != StatusFailed {
				t.Errorf("slot = %s/%s, want idle/failed", cur, last)
			}
		})
	}
}

func TestExecutor_PickOutOfReachObject(t *testing.T) {
	far := robot.TrackedObject{ID: "far", Position: r3.Vector{X: 2, Y: 0, Z: 0}}
	exec, fc, _ := setup(t, far)

	res := exec.Run(context.Background(), PickObject{ObjectID: "far"})
	if res.ErrorCode != OutOfReach {
		t.Fatalf("result = %+v, want OUT_OF_REACH", res)
	}
	if n := len(fc.commands()); n != 0 {
		t.Errorf("sent %d commands before discovering the target was unreachable", n)
	}
}

func TestExecutor_ActuatorFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*fakeCommander)
		want      Code
	}{
		{"no acknowledgement", func(f *fakeCommander) { f.err = fmt.Errorf("await: %w", command.ErrTimeout) }, CommandTimeout},
		{"send failure", func(f *fakeCommander) { f.err = fmt.Errorf("actuator not connected") }, CommandTimeout},
		{"rejected", func(f *fakeCommander) { f.reject = true }, ActuatorError},
		{"no motion report", func(f *fakeCommander) { f.silentMotion = true }, MotionTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, fc, _ := setup(t, cube)
			tt.configure(fc)

			res := exec.Run(context.Background(), ResetToBase{})
			if res.Success || res.ErrorCode != tt.want {
				t.Fatalf("result = %+v, want %s", res, tt.want)
			}

			// The slot is free again for the next task.
			fc.err, fc.reject, fc.silentMotion = nil, false, false
			if res := exec.Run(context.Background(), ResetToBase{}); !res.Success {
				t.Errorf("follow-up reset = %+v", res)
			}
		})
	}
}

func TestExecutor_AttachTimeoutIsLenient(t *testing.T) {
	exec, fc, store := setup(t, cube)
	fc.attach = ""

	res := exec.Run(context.Background(), PickObject{ObjectID: "cube1"})
	if !res.Success {
		t.Fatalf("pick = %+v", res)
	}
	if !strings.Contains(res.Message, "not confirmed") {
		t.Errorf("message = %q, want mention of unconfirmed attachment", res.Message)
	}
	if store.Get().HeldObjectID != "cube1" {
		t.Error("held object not recorded")
	}
}

func TestExecutor_MutualExclusion(t *testing.T) {
	exec, fc, store := setup(t, cube)
	release := make(chan struct{})
	fc.block = release
	fc.entered = make(chan struct{}, 1)

	done := make(chan Result)
	go func() { done <- exec.Run(context.Background(), ResetToBase{}) }()
	<-fc.entered

	arm := store.Get()
	res := exec.Run(context.Background(), PickObject{ObjectID: "cube1"})
	if res.ErrorCode != TaskInProgress {
		t.Errorf("concurrent pick = %+v, want TASK_IN_PROGRESS", res)
	}
	if store.Get() != arm {
		t.Error("rejected task changed the arm state")
	}
	if n := len(fc.commands()); n != 1 {
		t.Errorf("sent %d commands, want only the first task's", n)
	}

	close(release)
	if first := <-done; !first.Success {
		t.Errorf("first task = %+v", first)
	}
}

func TestExecutor_RecoversPanic(t *testing.T) {
	exec, fc, _ := setup(t, cube)
	fc.panicOn = command.SetPose

	res := exec.Run(context.Background(), ResetToBase{})
	if res.ErrorCode != Internal {
		t.Fatalf("result = %+v, want INTERNAL", res)
	}
	if cur, last := exec.Slot().Status(); cur != StatusIdle || last != StatusFailed {
		t.Errorf("slot = %s/%s, want idle/failed", cur, last)
	}
}

func TestExecutor_Canceled(t *testing.T) {
	exec, fc, _ := setup(t, cube)
	fc.silentMotion = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := exec.Run(ctx, ResetToBase{})
	if res.ErrorCode != Canceled {
		t.Errorf("result = %+v, want CANCELED", res)
	}
}

func TestExecutor_Dance(t *testing.T) {
	exec, fc, store := setup(t, cube)

	start := time.Now()
	res := exec.Run(context.Background(), Dance{Duration: 60 * time.Millisecond})
	if !res.Success {
		t.Fatalf("dance = %+v", res)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("dance finished in %v, frames were not held", elapsed)
	}
	if res.DurationMs < 50 {
		t.Errorf("duration = %dms, want at least the dance length", res.DurationMs)
	}
	sent := fc.commands()
	if len(sent) != len(DanceFrames)+1 {
		t.Fatalf("dance sent %d commands, want %d", len(sent), len(DanceFrames)+1)
	}
	for i, frame := range DanceFrames {
		if sent[i].Joints != frame {
			t.Errorf("frame %d = %v, want %v", i, sent[i].Joints, frame)
		}
	}
	if sent[len(sent)-1].Joints != robot.Home {
		t.Errorf("dance ended at %v, want home", sent[len(sent)-1].Joints)
	}
	if store.Get().JointTargets != robot.Home {
		t.Errorf("targets = %v, want home", store.Get().JointTargets)
	}
}

func TestExecutor_ResetReleasesHeldObject(t *testing.T) {
	exec, fc, store := setup(t, cube)
	holdCube(t, exec)
	before := len(fc.commands())

	res := exec.Run(context.Background(), ResetToBase{})
	if !res.Success {
		t.Fatalf("reset = %+v", res)
	}
	sent := fc.commands()[before:]
	if len(sent) != 2 || sent[0].Kind != command.SetEngagement || sent[0].Engaged || sent[1].Joints != robot.Home {
		t.Errorf("reset sent %v, want disengage then home", sent)
	}
	arm := store.Get()
	if arm.Holding() || arm.ActuatorEngaged || arm.JointTargets != robot.Home {
		t.Errorf("after reset arm = %+v", arm)
	}
	if obj, _ := store.Object("cube1"); obj.Attached {
		t.Error("cube1 still attached")
	}
}
