package render

import (
	"github.com/chewxy/math32"

	"github.com/signalsfoundry/dfsu-stream/model"
)

// DividerHalfWidth is the split-view line width in pixels on each side of
// the pointer column.
const DividerHalfWidth float32 = 2

// MapColor returns the color of value v. It matches the generated fragment
// program:
//   - the sentinel maps to model.NeutralGray;
//   - values at or below the first threshold take the first color;
//   - values between two thresholds interpolate linearly per channel;
//   - values above the last threshold extrapolate the final segment,
//     unclamped.
//
// A single band colors everything with its color.
func MapColor(v float32, bands []model.ColorBand) model.RGBA {
	if v == model.SentinelValue || len(bands) == 0 {
		return model.NeutralGray
	}
	if len(bands) == 1 || v <= bands[0].Value {
		return bands[0].Color
	}
	for i := 0; i < len(bands)-1; i++ {
		if v <= bands[i+1].Value {
			return segment(v, bands[i], bands[i+1])
		}
	}
	n := len(bands)
	return segment(v, bands[n-2], bands[n-1])
}

// SplitColor colors a fragment of the split view at pixel column fragX.
// Left of the divider shows a, right of it shows b, and pixels within
// DividerHalfWidth of the divider are white.
func SplitColor(fragX, pointerX, screenWidth, a, b float32, bands []model.ColorBand) model.RGBA {
	divider := DividerX(pointerX, screenWidth)
	if math32.Abs(fragX-divider) <= DividerHalfWidth {
		return model.White
	}
	if fragX < divider {
		return MapColor(a, bands)
	}
	return MapColor(b, bands)
}

// DividerX clamps the pointer column to the screen.
func DividerX(pointerX, screenWidth float32) float32 {
	return math32.Min(math32.Max(pointerX, 0), screenWidth)
}

func segment(v float32, lo, hi model.ColorBand) model.RGBA {
	return mix(lo.Color, hi.Color, (v-lo.Value)/(hi.Value-lo.Value))
}

// mix is WGSL mix(): a*(1-t) + b*t per channel.
func mix(a, b model.RGBA, t float32) model.RGBA {
	s := 1 - t
	return model.RGBA{
		R: a.R*s + b.R*t,
		G: a.G*s + b.G*t,
		B: a.B*s + b.B*t,
		A: a.A*s + b.A*t,
	}
}

// Clamp01 limits every channel to 0..1, as a render target does.
func Clamp01(c model.RGBA) model.RGBA {
	clamp := func(x float32) float32 { return math32.Min(math32.Max(x, 0), 1) }
	return model.RGBA{R: clamp(c.R), G: clamp(c.G), B: clamp(c.B), A: clamp(c.A)}
}
