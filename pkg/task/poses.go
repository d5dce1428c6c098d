package task

import "github.com/gwillem/armctl/pkg/robot"

// Pick waypoint offsets above the object, in metres.
const (
	HoverHeight = 0.10
	LiftHeight  = 0.15
)

// DanceFrames are the preset poses played by Dance, in order.
var DanceFrames = []robot.JointVector{
	{30, 20, 40, -60, 0, -30},
	{-30, 20, 40, -60, 0, 30},
	{0, -30, 60, -30, 45, 0},
	{45, 10, 90, -100, -45, -45},
	{-45, 10, 90, -100, 45, 45},
	{0, 0, 30, -30, 90, 0},
}
