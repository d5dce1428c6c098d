package robot

import (
	"encoding/json"

	"github.com/golang/geo/r3"
)

// TrackedObject is an object in the workspace the arm can pick up.
type TrackedObject struct {
	ID       string
	Position r3.Vector
	Attached bool
}

type trackedObjectJSON struct {
	ID       string     `json:"id"`
	Position [3]float64 `json:"position"`
	Attached bool       `json:"attached"`
}

// MarshalJSON encodes the position as an [x, y, z] array.
func (o TrackedObject) MarshalJSON() ([]byte, error) {
	return json.Marshal(trackedObjectJSON{
		ID:       o.ID,
		Position: PointArray(o.Position),
		Attached: o.Attached,
	})
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (o *TrackedObject) UnmarshalJSON(data []byte) error {
	var raw trackedObjectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.ID = raw.ID
	o.Position = PointFromArray(raw.Position)
	o.Attached = raw.Attached
	return nil
}

// PointArray converts a point to its wire form.
func PointArray(p r3.Vector) [3]float64 {
	return [3]float64{p.X, p.Y, p.Z}
}

// PointFromArray converts the wire form back to a point.
func PointFromArray(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}

// ArmState is the commanded state of the arm.
// A non-empty HeldObjectID implies ActuatorEngaged.
type ArmState struct {
	JointTargets    JointVector `json:"joint_targets"`
	ActuatorEngaged bool        `json:"actuator_engaged"`
	HeldObjectID    string      `json:"held_object_id,omitempty"`
}

// Holding reports whether an object is held.
func (s ArmState) Holding() bool {
	return s.HeldObjectID != ""
}
