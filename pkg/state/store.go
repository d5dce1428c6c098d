// Package state holds the authoritative in-memory arm state and writes every
// change through to a Persister.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/robot"
)

// Snapshot is the unit persisted after every mutation.
type Snapshot struct {
	Arm       robot.ArmState        `json:"arm"`
	Objects   []robot.TrackedObject `json:"objects"`
	Observed  robot.JointVector     `json:"observed_joints"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Persister saves and restores snapshots.
type Persister interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Store is the single owner of ArmState and the tracked object registry.
type Store struct {
	saveMu    sync.Mutex // orders saves the same as mutations
	mu        sync.RWMutex
	arm       robot.ArmState
	observed  robot.JointVector
	objects   map[string]robot.TrackedObject
	persister Persister
	now       func() time.Time
}

// Open loads the last snapshot from p, or seeds the store with objects when
// no snapshot exists yet.
func Open(ctx context.Context, p Persister, objects []robot.TrackedObject) (*Store, error) {
	s := &Store{
		objects:   make(map[string]robot.TrackedObject),
		persister: p,
		now:       time.Now,
	}

	snap, ok, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		s.arm = snap.Arm
		s.observed = snap.Observed
		objects = snap.Objects
	}
	for _, obj := range objects {
		s.objects[obj.ID] = obj
	}
	if !ok {
		if err := s.persist(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns a copy of the arm state.
func (s *Store) Get() robot.ArmState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arm
}

// Observed returns the last joint angles reported by the actuator.
func (s *Store) Observed() robot.JointVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observed
}

// Object returns a tracked object by id.
func (s *Store) Object(id string) (robot.TrackedObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// Objects returns all tracked objects ordered by id.
func (s *Store) Objects() []robot.TrackedObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objectsLocked()
}

// ApplyMotion records new joint targets.
func (s *Store) ApplyMotion(ctx context.Context, joints robot.JointVector) error {
	return s.update(ctx, func() {
		s.arm.JointTargets = joints
	})
}

// SetEngaged records the actuator engagement. Disengaging releases any held object.
func (s *Store) SetEngaged(ctx context.Context, engaged bool) error {
	return s.update(ctx, func() {
		s.arm.ActuatorEngaged = engaged
		if !engaged {
			s.arm.HeldObjectID = ""
		}
	})
}

// SetHeld records the held object, or clears it for an empty id.
// Holding an object implies the actuator is engaged.
func (s *Store) SetHeld(ctx context.Context, id string) error {
	return s.update(ctx, func() {
		s.arm.HeldObjectID = id
		if id != "" {
			s.arm.ActuatorEngaged = true
		}
	})
}

// UpdateObjectPosition moves a tracked object. Unknown ids are registered.
func (s *Store) UpdateObjectPosition(ctx context.Context, id string, pos r3.Vector) error {
	return s.update(ctx, func() {
		obj := s.objects[id]
		obj.ID = id
		obj.Position = pos
		s.objects[id] = obj
	})
}

// MarkAttached records whether a tracked object is attached to the end effector.
func (s *Store) MarkAttached(ctx context.Context, id string, attached bool) error {
	s.mu.RLock()
	_, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown object %q", id)
	}
	return s.update(ctx, func() {
		obj := s.objects[id]
		obj.Attached = attached
		s.objects[id] = obj
	})
}

// SyncObjects applies a ground-truth position update from the physics side.
// Unknown ids are registered unattached; attachment flags are kept.
func (s *Store) SyncObjects(ctx context.Context, positions map[string]r3.Vector) error {
	return s.update(ctx, func() {
		for id, pos := range positions {
			obj := s.objects[id]
			obj.ID = id
			obj.Position = pos
			s.objects[id] = obj
		}
	})
}

// RecordObserved stores the joint angles from a motion report.
func (s *Store) RecordObserved(ctx context.Context, joints robot.JointVector) error {
	return s.update(ctx, func() {
		s.observed = joints
	})
}

// update applies fn under the write lock, then persists the resulting snapshot.
// Memory stays authoritative if persisting fails.
func (s *Store) update(ctx context.Context, fn func()) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	fn()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persister.Save(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	snap := s.snapshotLocked()
	s.mu.RUnlock()
	if err := s.persister.Save(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Arm:       s.arm,
		Objects:   s.objectsLocked(),
		Observed:  s.observed,
		UpdatedAt: s.now(),
	}
}

func (s *Store) objectsLocked() []robot.TrackedObject {
	objs := make([]robot.TrackedObject, 0, len(s.objects))
	for _, obj := range s.objects {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
	return objs
}
