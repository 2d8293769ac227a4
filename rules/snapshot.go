package rules

import (
	"encoding/json"
	"math"
)

// Value is a single metric reading: either a number or a boolean.
type Value struct {
	num    float64
	b      bool
	isBool bool
}

// Number wraps a numeric metric.
func Number(f float64) Value { return Value{num: f} }

// Bool wraps a boolean metric.
func Bool(b bool) Value { return Value{b: b, isBool: true} }

// Number returns the numeric reading. NaN and infinities are reported as absent.
func (v Value) Number() (float64, bool) {
	if v.isBool || math.IsNaN(v.num) || math.IsInf(v.num, 0) {
		return 0, false
	}
	return v.num, true
}

// Bool returns the boolean reading.
func (v Value) Bool() (bool, bool) {
	if !v.isBool {
		return false, false
	}
	return v.b, true
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isBool {
		return json.Marshal(v.b)
	}
	if n, ok := v.Number(); ok {
		return json.Marshal(n)
	}
	return []byte("null"), nil
}

// Snapshot maps condition keys to the readings computed for one user at one
// point in time. It is never persisted.
type Snapshot map[string]Value
