package core

import (
	"math"
	"testing"

	"github.com/signalsfoundry/dfsu-stream/model"
)

func TestRoundSignificant(t *testing.T) {
	cases := []struct {
		in     float32
		digits int
		want   float32
	}{
		{0.123, 2, 0.12},
		{1.26, 2, 1.3},
		{-47.5, 2, -48},
		{12345, 2, 12000},
		{0.000987, 2, 0.00099},
		{0.125, 2, 0.12}, // half to even
		{3.14159, 3, 3.14},
		{7.5, 0, 7.5},
	}
	for _, tc := range cases {
		if got := RoundSignificant(tc.in, tc.digits); got != tc.want {
			t.Fatalf("RoundSignificant(%v, %d) = %v, want %v", tc.in, tc.digits, got, tc.want)
		}
	}
}

func TestRoundSignificantInvariants(t *testing.T) {
	for _, digits := range []int{1, 2, 3, 5} {
		if got := RoundSignificant(0, digits); got != 0 {
			t.Fatalf("RoundSignificant(0, %d) = %v", digits, got)
		}
		if got := RoundSignificant(model.SentinelValue, digits); got != model.SentinelValue {
			t.Fatalf("RoundSignificant(sentinel, %d) = %v", digits, got)
		}
	}

	nan := float32(math.NaN())
	if got := RoundSignificant(nan, 2); !math.IsNaN(float64(got)) {
		t.Fatalf("RoundSignificant(NaN) = %v, want NaN", got)
	}
	inf := float32(math.Inf(1))
	if got := RoundSignificant(inf, 2); got != inf {
		t.Fatalf("RoundSignificant(+Inf) = %v, want +Inf", got)
	}
	tiny := math.SmallestNonzeroFloat32
	if got := RoundSignificant(float32(tiny), 2); got == 0 || math.IsNaN(float64(got)) {
		t.Fatalf("RoundSignificant(smallest subnormal) = %v", got)
	}
	huge := float32(math.MaxFloat32)
	if got := RoundSignificant(huge, 2); math.IsInf(float64(got), 0) || math.IsNaN(float64(got)) {
		t.Fatalf("RoundSignificant(MaxFloat32) = %v, want finite", got)
	}
}

func TestRoundSignificantIdempotent(t *testing.T) {
	values := []float32{
		0.1, 0.099999994, 1, 1.2, 9.95, 99.5, 0.001234, -0.5551, 123456.7,
		2.5e-20, -7.77e15, 1e-35, 0.30000001,
	}
	for _, digits := range []int{1, 2, 3, 4} {
		for _, v := range values {
			once := RoundSignificant(v, digits)
			twice := RoundSignificant(once, digits)
			if once != twice {
				t.Fatalf("digits %d: RoundSignificant(%v) = %v, again = %v", digits, v, once, twice)
			}
		}
	}
}

func TestCompressTimestepInPlace(t *testing.T) {
	values := []float32{0.123, 0, model.SentinelValue, 14.56}
	CompressTimestep(values, 2)
	want := []float32{0.12, 0, model.SentinelValue, 15}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("values[%d] = %v, want %v", i, values[i], want[i])
		}
	}
}
