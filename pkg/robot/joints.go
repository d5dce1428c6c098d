// Package robot provides the arm data model and the servo-backed arm driver.
package robot

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JointName identifies a joint of the arm.
type JointName string

// Joint names in command order.
const (
	BaseYaw     JointName = "base_yaw"
	Shoulder    JointName = "shoulder"
	Elbow       JointName = "elbow"
	WristPitch  JointName = "wrist_pitch"
	WristRoll   JointName = "wrist_roll"
	WristRotate JointName = "wrist_rotate"

	// Gripper is the end-effector motor. It follows engagement, not joint targets.
	Gripper JointName = "gripper"
)

// NumJoints is the length of every JointVector.
const NumJoints = 6

// AllJoints returns all joint names in JointVector order.
func AllJoints() []JointName {
	return []JointName{
		BaseYaw,
		Shoulder,
		Elbow,
		WristPitch,
		WristRoll,
		WristRotate,
	}
}

// JointIndex returns the JointVector index for name.
func JointIndex(name JointName) (int, bool) {
	for i, n := range AllJoints() {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Range is an inclusive joint range in degrees.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Limits holds one range per joint, in JointVector order.
type Limits [NumJoints]Range

// DefaultLimits are the joint ranges of the arm.
// Every elbow-up IK solution in the reach annulus lies inside them, so
// clamping only binds for poses set directly, such as dance frames.
var DefaultLimits = Limits{
	{Min: -180, Max: 180}, // base_yaw
	{Min: -180, Max: 180}, // shoulder
	{Min: -180, Max: 180}, // elbow
	{Min: -180, Max: 180}, // wrist_pitch
	{Min: -180, Max: 180}, // wrist_roll
	{Min: -180, Max: 180}, // wrist_rotate
}

// ByName returns the limits keyed by joint name.
func (l Limits) ByName() map[JointName]Range {
	m := make(map[JointName]Range, NumJoints)
	for i, name := range AllJoints() {
		m[name] = l[i]
	}
	return m
}

// JointVector is a full set of joint angles in degrees.
type JointVector [NumJoints]float64

// Home is the all-zero pose.
var Home = JointVector{}

// Clamp returns v with every joint limited to its range.
func (v JointVector) Clamp(l Limits) JointVector {
	var out JointVector
	for i := range v {
		out[i] = l[i].Clamp(v[i])
	}
	return out
}

// Within reports whether every joint lies inside its range.
func (v JointVector) Within(l Limits) bool {
	for i := range v {
		if !l[i].Contains(v[i]) {
			return false
		}
	}
	return true
}

// Get returns the angle of the named joint.
func (v JointVector) Get(name JointName) float64 {
	i, ok := JointIndex(name)
	if !ok {
		return 0
	}
	return v[i]
}

// Map returns the vector keyed by joint name.
func (v JointVector) Map() map[JointName]float64 {
	m := make(map[JointName]float64, NumJoints)
	for i, name := range AllJoints() {
		m[name] = v[i]
	}
	return m
}

// FromSlice builds a JointVector, rejecting anything but exactly NumJoints values.
func FromSlice(angles []float64) (JointVector, error) {
	var v JointVector
	if len(angles) != NumJoints {
		return v, fmt.Errorf("expected %d joint angles, got %d", NumJoints, len(angles))
	}
	copy(v[:], angles)
	return v, nil
}

// UnmarshalJSON decodes an array of exactly NumJoints angles.
func (v *JointVector) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var angles []float64
	if err := json.Unmarshal(data, &angles); err != nil {
		return err
	}
	decoded, err := FromSlice(angles)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func (v JointVector) String() string {
	return fmt.Sprintf("[%.1f %.1f %.1f %.1f %.1f %.1f]", v[0], v[1], v[2], v[3], v[4], v[5])
}
