package robot

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// TicksPerRevolution is the encoder resolution of the Feetech STS servos.
const TicksPerRevolution = 4096

// MotorCalibration holds calibration data for a single motor.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all motors, keyed by joint name.
type Calibration map[JointName]MotorCalibration

// LoadCalibration loads calibration data from a JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	var raw map[string]MotorCalibration
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}

	cal := make(Calibration, len(raw))
	for name, mc := range raw {
		cal[JointName(name)] = mc
	}

	return cal, nil
}

// Denormalize converts a normalized value [-100, 100] to a raw servo position.
func (c MotorCalibration) Denormalize(norm float64) int {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin
}

// center is the raw position that maps to zero degrees.
func (c MotorCalibration) center() float64 {
	return float64(c.RangeMin+c.RangeMax)/2 + float64(c.HomingOffset)
}

func (c MotorCalibration) sign() float64 {
	if c.DriveMode != 0 {
		return -1
	}
	return 1
}

// Degrees converts a raw servo position to a joint angle.
// Zero degrees is the middle of the recorded range.
func (c MotorCalibration) Degrees(raw int) float64 {
	return c.sign() * (float64(raw) - c.center()) * 360 / TicksPerRevolution
}

// Raw converts a joint angle to a raw servo position, limited to the recorded range.
func (c MotorCalibration) Raw(deg float64) int {
	raw := int(math.Round(c.center() + c.sign()*deg*TicksPerRevolution/360))
	if raw < c.RangeMin {
		return c.RangeMin
	}
	if raw > c.RangeMax {
		return c.RangeMax
	}
	return raw
}

// MotorIDs returns the servo IDs for all calibrated motors, joints first, gripper last.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range append(AllJoints(), Gripper) {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns joint name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (JointName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}
