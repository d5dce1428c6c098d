// Package armctl coordinates a remote 6-joint manipulator.
//
// A coordinator accepts high-level tasks (pick, carry, place, dance, reset)
// over JSON-RPC, turns them into joint targets with an analytic IK solver,
// and drives an actuator over an asynchronous command channel. The actuator
// may be the built-in simulator, a remote process on the websocket link, or
// a Feetech servo arm on a serial bus.
//
// # Installation
//
//	go install github.com/gwillem/armctl/cmd/armctl@latest
//
// # Usage
//
// Start the coordinator against the simulator:
//
//	armctl serve
//
// Then invoke tasks:
//
//	armctl call pick_object object_id=cube1
//	armctl call carry_to x=0 y=0.3 z=0
//	armctl call place_object
//
// For a servo arm, run setup first to detect and calibrate it:
//
//	armctl setup
//	armctl serve --actuator servo
//
// # Packages
//
//   - cmd/armctl: CLI with serve, call, demo, simulate and setup commands
//   - pkg/robot: Joint model, calibration, configuration and the servo arm driver
//   - pkg/kinematics: Inverse and forward kinematics
//   - pkg/state: Arm state store and its persisters
//   - pkg/command: Command channel with correlation and timeouts
//   - pkg/signal: Motion and attachment completion signals
//   - pkg/task: Task executor
//   - pkg/coordinator: Report loop, task entry points and queries
//   - pkg/actuator: Simulator, websocket link and servo actuators
//   - pkg/rpc: JSON-RPC server and client
package armctl
