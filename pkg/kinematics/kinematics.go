// Package kinematics solves closed-form inverse kinematics for the 6-joint arm.
//
// The arm is a yawing base carrying a two-link planar shoulder/elbow chain and
// a wrist that keeps the tool axis vertical. Coordinates are metres with y up;
// base yaw is measured from +z towards +x. Shoulder and elbow angles are
// measured from vertical, so the all-zero pose points the arm straight up.
package kinematics

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/robot"
)

// ErrUnreachable is returned when a target lies outside the annulus the
// shoulder/elbow chain can reach.
var ErrUnreachable = errors.New("target out of reach")

// Geometry holds the fixed link dimensions of the arm.
type Geometry struct {
	BaseHeight float64 `json:"base_height"` // floor to shoulder axis
	L1         float64 `json:"l1"`          // shoulder to elbow
	L2         float64 `json:"l2"`          // elbow to wrist
	L3         float64 `json:"l3"`          // wrist to tool tip
}

// DefaultGeometry is the geometry of the reference arm.
var DefaultGeometry = Geometry{
	BaseHeight: 0.10,
	L1:         0.35,
	L2:         0.30,
	L3:         0.10,
}

// ReachBounds returns the minimum and maximum wrist distance from the shoulder.
func (g Geometry) ReachBounds() (min, max float64) {
	return math.Abs(g.L1 - g.L2), g.L1 + g.L2
}

// Solver converts Cartesian targets into clamped joint vectors.
type Solver struct {
	Geometry Geometry
	Limits   robot.Limits
}

// NewSolver returns a solver for the default arm.
func NewSolver() *Solver {
	return &Solver{Geometry: DefaultGeometry, Limits: robot.DefaultLimits}
}

// Solve returns the joint vector that places the tool tip at target with the
// tool axis vertical. The elbow-up branch is always chosen. Joint limit
// violations are clamped; only reachability fails.
func (s *Solver) Solve(target r3.Vector) (robot.JointVector, error) {
	g := s.Geometry

	yaw := math.Atan2(target.X, target.Z)
	r := math.Hypot(target.X, target.Z)
	h := target.Y - g.BaseHeight - g.L3
	d := math.Hypot(r, h)

	minReach, maxReach := g.ReachBounds()
	if d > maxReach {
		return robot.JointVector{}, fmt.Errorf("%w: distance %.3f exceeds %.3f", ErrUnreachable, d, maxReach)
	}
	if d < minReach || d == 0 {
		return robot.JointVector{}, fmt.Errorf("%w: distance %.3f below %.3f", ErrUnreachable, d, minReach)
	}

	// Angle between the upper arm and the shoulder-wrist line.
	beta := math.Acos(clampUnit((g.L1*g.L1 + d*d - g.L2*g.L2) / (2 * g.L1 * d)))
	// Interior angle at the elbow.
	inner := math.Acos(clampUnit((g.L1*g.L1 + g.L2*g.L2 - d*d) / (2 * g.L1 * g.L2)))

	shoulder := math.Atan2(r, h) - beta
	elbow := math.Pi - inner
	// Shoulder plus elbow can pass half a turn; pitch only needs the angle mod 2π.
	pitch := math.Remainder(-(shoulder + elbow), 2*math.Pi)

	joints := robot.JointVector{
		degrees(yaw),
		degrees(shoulder),
		degrees(elbow),
		degrees(pitch),
		0,
		degrees(-yaw),
	}
	return joints.Clamp(s.Limits), nil
}

// Forward returns the tool tip position for a joint vector.
// Wrist roll and rotate spin about the tool axis and do not move the tip.
func (s *Solver) Forward(joints robot.JointVector) r3.Vector {
	g := s.Geometry

	yaw := radians(joints[0])
	shoulder := radians(joints[1])
	elbow := shoulder + radians(joints[2])
	tool := elbow + radians(joints[3])

	r := g.L1*math.Sin(shoulder) + g.L2*math.Sin(elbow) + g.L3*math.Sin(tool)
	h := g.L1*math.Cos(shoulder) + g.L2*math.Cos(elbow) + g.L3*math.Cos(tool)

	return r3.Vector{
		X: r * math.Sin(yaw),
		Y: g.BaseHeight + h,
		Z: r * math.Cos(yaw),
	}
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
