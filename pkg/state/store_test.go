package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/robot"
)

var cube = robot.TrackedObject{ID: "cube1", Position: r3.Vector{X: 0.4, Y: 0.025, Z: 0.3}}

func openMemory(t *testing.T) (*Store, *Memory) {
	t.Helper()
	mem := &Memory{}
	s, err := Open(context.Background(), mem, []robot.TrackedObject{cube})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, mem
}

func TestStore_WriteThrough(t *testing.T) {
	ctx := context.Background()
	s, mem := openMemory(t)
	before := mem.Saves()

	joints := robot.JointVector{10, 20, 30, -50, 0, -10}
	if err := s.ApplyMotion(ctx, joints); err != nil {
		t.Fatalf("ApplyMotion: %v", err)
	}
	if err := s.SetHeld(ctx, "cube1"); err != nil {
		t.Fatalf("SetHeld: %v", err)
	}

	if mem.Saves() != before+2 {
		t.Errorf("saves = %d, want %d", mem.Saves(), before+2)
	}
	last := mem.Last()
	if last.Arm.JointTargets != joints {
		t.Errorf("persisted targets = %v, want %v", last.Arm.JointTargets, joints)
	}
	if last.Arm.HeldObjectID != "cube1" || !last.Arm.ActuatorEngaged {
		t.Errorf("persisted arm = %+v, want held cube1 and engaged", last.Arm)
	}
}

func TestStore_DisengageClearsHeld(t *testing.T) {
	ctx := context.Background()
	s, _ := openMemory(t)

	if err := s.SetHeld(ctx, "cube1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEngaged(ctx, false); err != nil {
		t.Fatal(err)
	}
	got := s.Get()
	if got.Holding() || got.ActuatorEngaged {
		t.Errorf("after disengage arm = %+v, want not holding and not engaged", got)
	}
}

func TestStore_Objects(t *testing.T) {
	ctx := context.Background()
	s, _ := openMemory(t)

	if err := s.MarkAttached(ctx, "missing", true); err == nil {
		t.Error("MarkAttached on unknown object should fail")
	}
	if err := s.MarkAttached(ctx, "cube1", true); err != nil {
		t.Fatalf("MarkAttached: %v", err)
	}

	moved := r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}
	if err := s.SyncObjects(ctx, map[string]r3.Vector{"cube1": moved, "ball": {Y: 0.05}}); err != nil {
		t.Fatalf("SyncObjects: %v", err)
	}

	obj, ok := s.Object("cube1")
	if !ok {
		t.Fatal("cube1 missing")
	}
	if obj.Position != moved || !obj.Attached {
		t.Errorf("cube1 = %+v, want moved and still attached", obj)
	}

	objs := s.Objects()
	if len(objs) != 2 || objs[0].ID != "ball" || objs[1].ID != "cube1" {
		t.Errorf("Objects() = %+v, want [ball cube1]", objs)
	}
}

type failingPersister struct{ Memory }

func (f *failingPersister) Save(ctx context.Context, snap Snapshot) error {
	return errors.New("disk full")
}

func TestStore_PersistFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	mem := &Memory{}
	s, err := Open(ctx, mem, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.persister = &failingPersister{}

	if err := s.SetEngaged(ctx, true); err == nil {
		t.Fatal("expected persist error")
	}
	if !s.Get().ActuatorEngaged {
		t.Error("in-memory state should be updated even when persisting fails")
	}
}

func TestStore_ReopenFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "arm.json")

	s, err := Open(ctx, NewFileStore(path), []robot.TrackedObject{cube})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	joints := robot.JointVector{1, 2, 3, 4, 5, 6}
	if err := s.ApplyMotion(ctx, joints); err != nil {
		t.Fatal(err)
	}
	if err := s.SetHeld(ctx, "cube1"); err != nil {
		t.Fatal(err)
	}

	// Seed objects are ignored once a snapshot exists.
	reopened, err := Open(ctx, NewFileStore(path), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Get(); got.JointTargets != joints || got.HeldObjectID != "cube1" {
		t.Errorf("reopened arm = %+v", got)
	}
	if obj, ok := reopened.Object("cube1"); !ok || obj.Position != cube.Position {
		t.Errorf("reopened cube1 = %+v, %v", obj, ok)
	}
}
