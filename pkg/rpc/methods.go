package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/armctl/pkg/task"
)

// Method names.
const (
	MethodPickObject  = "pick_object"
	MethodCarryTo     = "carry_to"
	MethodPlaceObject = "place_object"
	MethodDance       = "dance"
	MethodResetToBase = "reset_to_base"
	MethodDiscover    = "discover_objects"
	MethodEnvironment = "get_environment_info"
)

// Methods lists every method the server answers.
var Methods = []string{
	MethodPickObject, MethodCarryTo, MethodPlaceObject, MethodDance,
	MethodResetToBase, MethodDiscover, MethodEnvironment,
}

type pickParams struct {
	ObjectID string `json:"object_id"`
}

type pointParams struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// point returns the target, nil when no coordinate is given, or an error for
// a partial or non-finite point.
func (p pointParams) point() (*r3.Vector, error) {
	set := 0
	for _, v := range []*float64{p.X, p.Y, p.Z} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return nil, fmt.Errorf("coordinates must be finite")
		}
		set++
	}
	switch set {
	case 0:
		return nil, nil
	case 3:
		return &r3.Vector{X: *p.X, Y: *p.Y, Z: *p.Z}, nil
	default:
		return nil, fmt.Errorf("give all of x, y and z or none")
	}
}

type danceParams struct {
	DurationSeconds *float64 `json:"duration_seconds"`
}

func invalidParams(format string, args ...any) error {
	return &jsonRPCError{Code: CodeInvalidParams, Message: "Invalid params: " + fmt.Sprintf(format, args...)}
}

// decodeParams unmarshals params into v. Absent params decode as {}.
func decodeParams(params json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

// dispatch routes a method call. Task failures are results, not errors.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodPickObject:
		var p pickParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.ObjectID == "" {
			return nil, invalidParams("object_id is required")
		}
		return s.coord.PickObject(ctx, p.ObjectID), nil

	case MethodCarryTo:
		var p pointParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		target, err := p.point()
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		if target == nil {
			return nil, invalidParams("x, y and z are required")
		}
		return s.coord.CarryTo(ctx, *target), nil

	case MethodPlaceObject:
		var p pointParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		target, err := p.point()
		if err != nil {
			return task.Result{
				Message:   err.Error(),
				ErrorCode: task.InvalidArgument,
			}, nil
		}
		return s.coord.PlaceObject(ctx, target), nil

	case MethodDance:
		var p danceParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		secs := DefaultDanceSeconds
		if p.DurationSeconds != nil {
			secs = *p.DurationSeconds
		}
		if !(secs <= MaxDanceSeconds) {
			return task.Result{
				Message:   fmt.Sprintf("dance duration must be at most %v seconds, got %v", MaxDanceSeconds, secs),
				ErrorCode: task.InvalidArgument,
			}, nil
		}
		return s.coord.Dance(ctx, time.Duration(secs*float64(time.Second))), nil

	case MethodResetToBase:
		return s.coord.ResetToBase(ctx), nil

	case MethodDiscover:
		return map[string]any{"objects": s.coord.DiscoverObjects()}, nil

	case MethodEnvironment:
		return s.coord.EnvironmentInfo(), nil

	default:
		return nil, &jsonRPCError{Code: CodeMethodNotFound, Message: "Method not found: " + method}
	}
}
