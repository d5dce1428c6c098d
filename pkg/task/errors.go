package task

import (
	"errors"
	"fmt"
)

// Code classifies a task failure.
type Code string

const (
	ObjectNotFound       Code = "OBJECT_NOT_FOUND"
	AlreadyHoldingObject Code = "ALREADY_HOLDING_OBJECT"
	NoObjectHeld         Code = "NO_OBJECT_HELD"
	OutOfReach           Code = "OUT_OF_REACH"
	MotionTimeout        Code = "MOTION_TIMEOUT"
	CommandTimeout       Code = "COMMAND_TIMEOUT"

	TaskInProgress  Code = "TASK_IN_PROGRESS"
	InvalidArgument Code = "INVALID_ARGUMENT"
	ActuatorError   Code = "ACTUATOR_ERROR"
	Canceled        Code = "CANCELED"
	Internal        Code = "INTERNAL"
)

// ErrBusy is returned by Slot.Acquire while another task is running.
var ErrBusy = errors.New("another task is running")

// Error is a classified task failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of a task error, or Internal for anything else.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, ErrBusy) {
		return TaskInProgress
	}
	return Internal
}
