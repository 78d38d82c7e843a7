package gateway

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cast"
)

var errInvalidArguments = errors.New("invalid arguments")

// MakeCallRequest is the decoded makeCall argument map.
type MakeCallRequest struct {
	Sim          int
	Destination  string
	CallSettings map[string]any
	MsgData      map[string]any
}

// decodeMakeCall accepts a map with optional sim (default 1), destination
// (default ""), callSettings and msgData.
func decodeMakeCall(args any) (MakeCallRequest, error) {
	req := MakeCallRequest{Sim: 1}
	if args == nil {
		return req, fmt.Errorf("%w: arguments must be a map", errInvalidArguments)
	}
	m, err := cast.ToStringMapE(args)
	if err != nil {
		return req, fmt.Errorf("%w: arguments must be a map", errInvalidArguments)
	}

	if v, ok := m["sim"]; ok && v != nil {
		sim, err := toInt(v)
		if err != nil || sim < 1 {
			return req, fmt.Errorf("%w: sim %v", errInvalidArguments, v)
		}
		req.Sim = sim
	}

	if v, ok := m["destination"]; ok && v != nil {
		s, isString := v.(string)
		if !isString {
			return req, fmt.Errorf("%w: destination must be a string", errInvalidArguments)
		}
		req.Destination = s
	}

	if req.CallSettings, err = optionalMap(m, "callSettings"); err != nil {
		return req, err
	}
	if req.MsgData, err = optionalMap(m, "msgData"); err != nil {
		return req, err
	}
	return req, nil
}

func optionalMap(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	out, err := cast.ToStringMapE(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a map", errInvalidArguments, key)
	}
	return out, nil
}

// decodeCallID accepts a bare integer or a map carrying callId.
func decodeCallID(args any) (int, error) {
	if m, ok := args.(map[string]any); ok {
		args = m["callId"]
	}
	id, err := toInt(args)
	if err != nil {
		return 0, fmt.Errorf("%w: call id %v", errInvalidArguments, args)
	}
	return id, nil
}

// toInt converts whole numbers and base-10 numeric strings. Booleans, nil,
// fractional and out-of-range values are rejected.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case nil, bool:
		return 0, fmt.Errorf("not an integer: %v", v)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", n)
		}
		return i, nil
	case float64:
		return floatToInt(n)
	case float32:
		return floatToInt(float64(n))
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("out of range: %v", v)
		}
	case uint:
		if n > math.MaxInt {
			return 0, fmt.Errorf("out of range: %v", v)
		}
	}
	return cast.ToIntE(v)
}

func floatToInt(f float64) (int, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not an integer: %v", f)
	}
	// float64(math.MaxInt) rounds up to 2^63
	if f < math.MinInt || f >= math.MaxInt {
		return 0, fmt.Errorf("out of range: %v", f)
	}
	return int(f), nil
}

// decodeConfig accepts a map or nothing.
func decodeConfig(args any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	m, err := cast.ToStringMapE(args)
	if err != nil {
		return map[string]any{}
	}
	return m
}
