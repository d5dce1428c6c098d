// Package command carries correlation-tagged commands to the actuator and
// matches the results that come back.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gwillem/armctl/pkg/robot"
)

// Kind is the type of command sent to the actuator.
type Kind string

const (
	SetPose       Kind = "set_pose"
	SetEngagement Kind = "set_engagement"
)

// Command is one instruction to the actuator.
type Command struct {
	Type          string            `json:"type"` // always "command"
	CorrelationID string            `json:"correlation_id"`
	Kind          Kind              `json:"kind"`
	Joints        robot.JointVector `json:"joints"`
	Engaged       bool              `json:"engaged"`
	IssuedAt      time.Time         `json:"issued_at"`
}

// Pose returns a set_pose command.
func Pose(joints robot.JointVector) Command {
	return Command{Type: "command", Kind: SetPose, Joints: joints}
}

// Engage returns a set_engagement command.
func Engage(engaged bool) Command {
	return Command{Type: "command", Kind: SetEngagement, Engaged: engaged}
}

// Report types sent by the actuator.
const (
	TypeResult           = "result"
	TypeMotionStatus     = "motion_status"
	TypeAttachmentStatus = "attachment_status"
	TypeObjectPositions  = "object_positions"
)

// Result acknowledges a command.
type Result struct {
	CorrelationID string `json:"correlation_id"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
}

// MotionStatus reports the arm's motion state.
type MotionStatus struct {
	Complete    bool              `json:"complete"`
	JointAngles robot.JointVector `json:"joint_angles"`
}

// AttachmentStatus reports whether an object is attached to the end effector.
type AttachmentStatus struct {
	ObjectID string `json:"object_id"`
	Attached bool   `json:"attached"`
}

// ObjectPositions is a ground-truth sync of tracked objects.
type ObjectPositions struct {
	Objects []robot.TrackedObject `json:"objects"`
}

// Report is a message from the actuator. Exactly one payload field is set,
// matching Type.
type Report struct {
	Type       string
	Result     *Result
	Motion     *MotionStatus
	Attachment *AttachmentStatus
	Positions  *ObjectPositions
}

// MarshalJSON flattens the payload next to the type tag.
func (r Report) MarshalJSON() ([]byte, error) {
	var payload any
	switch r.Type {
	case TypeResult:
		payload = r.Result
	case TypeMotionStatus:
		payload = r.Motion
	case TypeAttachmentStatus:
		payload = r.Attachment
	case TypeObjectPositions:
		payload = r.Positions
	default:
		return nil, fmt.Errorf("unknown report type %q", r.Type)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(r.Type)
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a flat report into the payload named by its type.
func (r *Report) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	*r = Report{Type: head.Type}
	var target any
	switch head.Type {
	case TypeResult:
		r.Result = &Result{}
		target = r.Result
	case TypeMotionStatus:
		r.Motion = &MotionStatus{}
		target = r.Motion
	case TypeAttachmentStatus:
		r.Attachment = &AttachmentStatus{}
		target = r.Attachment
	case TypeObjectPositions:
		r.Positions = &ObjectPositions{}
		target = r.Positions
	default:
		return fmt.Errorf("unknown report type %q", head.Type)
	}
	return json.Unmarshal(data, target)
}

// Transport carries commands to the actuator and reports back.
type Transport interface {
	// Send hands cmd to the actuator. It does not wait for the result.
	Send(ctx context.Context, cmd Command) error
	// Reports delivers everything the actuator sends, in arrival order.
	Reports() <-chan Report
	Close() error
}
