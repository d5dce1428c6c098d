// Package task runs the high-level arm tasks one at a time.
//
// Each task acquires the single Slot, drives the actuator step by step and
// blocks on the slot's completion signals until the actuator confirms each
// step. Every call returns a Result; failures never escape as errors.
package task

import (
	"time"

	"github.com/golang/geo/r3"
)

// Kind names a task.
type Kind string

const (
	KindPick  Kind = "pick_object"
	KindCarry Kind = "carry_to"
	KindPlace Kind = "place_object"
	KindDance Kind = "dance"
	KindReset Kind = "reset_to_base"
)

// Task is one of PickObject, CarryTo, PlaceObject, Dance or ResetToBase.
type Task interface {
	Kind() Kind
	isTask()
}

// PickObject grasps a tracked object and lifts it.
type PickObject struct {
	ObjectID string
}

// CarryTo moves the held object to Target.
type CarryTo struct {
	Target r3.Vector
}

// PlaceObject releases the held object, at Target when set or in place otherwise.
type PlaceObject struct {
	Target *r3.Vector
}

// Dance plays the preset frames over Duration and returns home.
type Dance struct {
	Duration time.Duration
}

// ResetToBase releases anything held and returns home.
type ResetToBase struct{}

func (PickObject) Kind() Kind  { return KindPick }
func (CarryTo) Kind() Kind     { return KindCarry }
func (PlaceObject) Kind() Kind { return KindPlace }
func (Dance) Kind() Kind       { return KindDance }
func (ResetToBase) Kind() Kind { return KindReset }

func (PickObject) isTask()  {}
func (CarryTo) isTask()     {}
func (PlaceObject) isTask() {}
func (Dance) isTask()       {}
func (ResetToBase) isTask() {}

// Result is returned for every task invocation.
type Result struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ErrorCode  Code   `json:"error_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}
