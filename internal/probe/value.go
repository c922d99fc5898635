package probe

import "math"

const epsilon = 1e-12

// Value is a measurement that may be absent from the toolchain output.
// Non-finite inputs never produce a present Value.
type Value struct {
	value   float64
	present bool
}

// Some wraps a measured value. NaN and infinities collapse to None.
func Some(value float64) Value {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Value{}
	}
	return Value{value: value, present: true}
}

// None reports a measurement that was not found.
func None() Value {
	return Value{}
}

// FromPtr converts a nullable column back into a Value.
func FromPtr(pointer *float64) Value {
	if pointer == nil {
		return None()
	}
	return Some(*pointer)
}

// Get returns the value and whether it was present.
func (v Value) Get() (float64, bool) {
	return v.value, v.present
}

// Present reports whether the measurement exists.
func (v Value) Present() bool {
	return v.present
}

// OrNaN returns the value or the not-a-number sentinel.
func (v Value) OrNaN() float64 {
	if !v.present {
		return math.NaN()
	}
	return v.value
}

// Ptr returns a pointer suitable for nullable storage, nil when absent.
func (v Value) Ptr() *float64 {
	if !v.present {
		return nil
	}
	copied := v.value
	return &copied
}

// DB converts a linear amplitude to decibels using 20*log10(|x|+epsilon).
func DB(linear float64) float64 {
	return 20 * math.Log10(math.Abs(linear)+epsilon)
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func clamp01(value float64) float64 {
	return clamp(value, 0, 1)
}
