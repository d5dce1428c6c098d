package robot

import (
	"context"
	"fmt"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Arm represents a robot arm with multiple servos.
type Arm struct {
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
}

// NewArm creates and initializes an arm connection.
func NewArm(port string, cal Calibration) (*Arm, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	group := feetech.NewServoGroupByIDs(bus, cal.MotorIDs()...)

	return &Arm{
		bus:         bus,
		group:       group,
		calibration: cal,
	}, nil
}

// Close closes the arm's bus connection.
func (a *Arm) Close() error {
	return a.bus.Close()
}

// Enable enables torque on all servos.
func (a *Arm) Enable(ctx context.Context) error {
	return a.group.EnableAll(ctx)
}

// Disable disables torque on all servos.
func (a *Arm) Disable(ctx context.Context) error {
	return a.group.DisableAll(ctx)
}

// ReadJoints reads the current joint angles in degrees.
// Uncalibrated joints read as zero.
func (a *Arm) ReadJoints(ctx context.Context) (JointVector, error) {
	var joints JointVector

	rawPositions, err := a.group.Positions(ctx)
	if err != nil {
		return joints, fmt.Errorf("read positions: %w", err)
	}

	for id, raw := range rawPositions {
		name, cal, ok := a.calibration.ByID(id)
		if !ok {
			continue
		}
		if i, ok := JointIndex(name); ok {
			joints[i] = cal.Degrees(raw)
		}
	}

	return joints, nil
}

// WriteJoints writes target joint angles in degrees.
// Joints without calibration have no motor and are skipped.
func (a *Arm) WriteJoints(ctx context.Context, joints JointVector) error {
	rawPositions := make(feetech.PositionMap, NumJoints)
	for i, name := range AllJoints() {
		cal, ok := a.calibration[name]
		if !ok {
			continue
		}
		rawPositions[cal.ID] = cal.Raw(joints[i])
	}

	if err := a.group.SetPositions(ctx, rawPositions); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}

	return nil
}

// SetGripper moves the gripper motor to a normalized position in [-100, 100].
func (a *Arm) SetGripper(ctx context.Context, norm float64) error {
	cal, ok := a.calibration[Gripper]
	if !ok {
		return fmt.Errorf("gripper is not calibrated")
	}
	if err := a.group.SetPositions(ctx, feetech.PositionMap{cal.ID: cal.Denormalize(norm)}); err != nil {
		return fmt.Errorf("write gripper: %w", err)
	}
	return nil
}
