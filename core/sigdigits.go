package core

import (
	"math"

	"github.com/signalsfoundry/dfsu-stream/model"
)

// DefaultSignificantDigits is how many significant digits field values keep
// on the wire. Fewer digits compress better; two is enough to pick a color.
const DefaultSignificantDigits = 2

// RoundSignificant rounds v to digits significant digits, half to even.
// Zero, the sentinel and non-finite values are returned unchanged, as is
// any value whose scale factor would not be finite.
func RoundSignificant(v float32, digits int) float32 {
	if v == 0 || v == model.SentinelValue || digits <= 0 {
		return v
	}
	f := float64(v)
	if !finite(f) {
		return v
	}

	exp := math.Floor(math.Log10(math.Abs(f))) + 1
	scale := math.Pow(10, float64(digits)-exp)
	if scale == 0 || !finite(scale) {
		return v
	}
	r := math.RoundToEven(f*scale) / scale
	if !finite(r) {
		return v
	}
	return float32(r)
}

// CompressTimestep applies RoundSignificant to every value in place.
func CompressTimestep(values []float32, digits int) {
	for i, v := range values {
		values[i] = RoundSignificant(v, digits)
	}
}
