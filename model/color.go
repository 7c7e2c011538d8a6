package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidBands is returned for empty or non-increasing color bands.
var ErrInvalidBands = errors.New("invalid color bands")

// RGBA is a color with channels normalised to 0..1.
type RGBA struct {
	R, G, B, A float32
}

// NeutralGray is the fixed color of sentinel (no data) values.
var NeutralGray = RGBA{R: 0.5, G: 0.5, B: 0.5, A: 1}

// White is the split-view divider color.
var White = RGBA{R: 1, G: 1, B: 1, A: 1}

// ColorBand is one (threshold, color) stop of a piecewise-linear color map.
type ColorBand struct {
	Value float32
	Color RGBA
}

// BandSet is a color band list tagged with a generation. Renderers compare
// generations, not slice identity, to decide when to recompile.
type BandSet struct {
	Generation uint64
	Bands      []ColorBand
}

// ValidateBands checks that bands is non-empty and strictly increasing.
func ValidateBands(bands []ColorBand) error {
	if len(bands) == 0 {
		return fmt.Errorf("%w: no bands", ErrInvalidBands)
	}
	for i := 1; i < len(bands); i++ {
		if !(bands[i].Value > bands[i-1].Value) {
			return fmt.Errorf("%w: threshold %d (%g) not greater than %g",
				ErrInvalidBands, i, bands[i].Value, bands[i-1].Value)
		}
	}
	return nil
}

// ParseRGBA parses a CSS style "rgba(r, g, b, a)" string with 0..255 color
// channels and a 0..1 alpha. Alpha is quantised to 1/255 steps.
func ParseRGBA(s string) (RGBA, error) {
	body := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	body = strings.TrimPrefix(body, "rgba(")
	body = strings.TrimSuffix(body, ")")
	parts := strings.Split(body, ",")
	if len(parts) != 4 {
		return RGBA{}, fmt.Errorf("parse color %q: want 4 components, got %d", s, len(parts))
	}

	var ch [3]float32
	for i := range ch {
		v, err := strconv.Atoi(parts[i])
		if err != nil {
			return RGBA{}, fmt.Errorf("parse color %q: %w", s, err)
		}
		ch[i] = float32(v) / 255
	}
	a, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return RGBA{}, fmt.Errorf("parse color %q: %w", s, err)
	}
	return RGBA{R: ch[0], G: ch[1], B: ch[2], A: float32(math.Round(a*255) / 255)}, nil
}

// UniformBands assigns thresholds 0, step, 2*step, ... to colors.
func UniformBands(colors []RGBA, step float32) []ColorBand {
	bands := make([]ColorBand, len(colors))
	var v float32
	for i, c := range colors {
		bands[i] = ColorBand{Value: v, Color: c}
		v += step
	}
	return bands
}

// DefaultPalette is the blue-green-orange legend used for water quality
// concentrations.
func DefaultPalette() []ColorBand {
	stops := []struct {
		value float32
		color string
	}{
		{0.0, "rgba(  0,  65, 101, 1)"},
		{0.1, "rgba( 39, 116,  92, 1)"},
		{0.25, "rgba( 77, 167,  85, 1)"},
		{0.5, "rgba(131, 188,  78, 1)"},
		{1.0, "rgba(191, 199,  72, 1)"},
		{1.25, "rgba(226, 190,  70, 1)"},
		{1.5, "rgba(229, 158,  73, 1)"},
		{2.0, "rgba(220, 127,  78, 1)"},
	}
	bands := make([]ColorBand, len(stops))
	for i, s := range stops {
		c, err := ParseRGBA(s.color)
		if err != nil {
			panic(err)
		}
		bands[i] = ColorBand{Value: s.value, Color: c}
	}
	return bands
}

// Colors returns the colors of bands in order.
func Colors(bands []ColorBand) []RGBA {
	out := make([]RGBA, len(bands))
	for i, b := range bands {
		out[i] = b.Color
	}
	return out
}
