package render

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/signalsfoundry/dfsu-stream/model"
)

// Byte offsets of the uniform block, WGSL uniform address space layout.
const (
	offsetViewProj    = 0
	offsetScreenWidth = 64
	offsetPointerX    = 68
	offsetShowDepth   = 72
	offsetDepthScale  = 76
	offsetBands       = 80

	bandStride      = 32
	bandColorOffset = 16
)

// Uniforms is the decoded uniform block shared by both program variants.
type Uniforms struct {
	ViewProj    [16]float32 // column-major
	ScreenWidth float32
	PointerX    float32
	ShowDepth   bool
	DepthScale  float32
	Bands       []model.ColorBand
}

// UniformSize returns the block size for n bands.
func UniformSize(n int) int {
	return offsetBands + n*bandStride
}

// Pack lays u out little-endian.
func (u Uniforms) Pack() []byte {
	b := make([]byte, UniformSize(len(u.Bands)))
	le := binary.LittleEndian
	for i, v := range u.ViewProj {
		le.PutUint32(b[offsetViewProj+4*i:], math.Float32bits(v))
	}
	le.PutUint32(b[offsetScreenWidth:], math.Float32bits(u.ScreenWidth))
	le.PutUint32(b[offsetPointerX:], math.Float32bits(u.PointerX))
	if u.ShowDepth {
		le.PutUint32(b[offsetShowDepth:], 1)
	}
	le.PutUint32(b[offsetDepthScale:], math.Float32bits(u.DepthScale))

	for i, band := range u.Bands {
		base := offsetBands + i*bandStride
		le.PutUint32(b[base:], math.Float32bits(band.Value))
		c := band.Color
		for k, v := range [4]float32{c.R, c.G, c.B, c.A} {
			le.PutUint32(b[base+bandColorOffset+4*k:], math.Float32bits(v))
		}
	}
	return b
}

// ParseUniforms decodes a block packed for bandCount bands.
func ParseUniforms(b []byte, bandCount int) (Uniforms, error) {
	if len(b) != UniformSize(bandCount) {
		return Uniforms{}, fmt.Errorf("%w: uniform block is %d bytes, want %d for %d bands",
			ErrAttributeMismatch, len(b), UniformSize(bandCount), bandCount)
	}
	le := binary.LittleEndian
	f := func(off int) float32 { return math.Float32frombits(le.Uint32(b[off:])) }

	var u Uniforms
	for i := range u.ViewProj {
		u.ViewProj[i] = f(offsetViewProj + 4*i)
	}
	u.ScreenWidth = f(offsetScreenWidth)
	u.PointerX = f(offsetPointerX)
	u.ShowDepth = le.Uint32(b[offsetShowDepth:]) != 0
	u.DepthScale = f(offsetDepthScale)

	u.Bands = make([]model.ColorBand, bandCount)
	for i := range u.Bands {
		base := offsetBands + i*bandStride
		u.Bands[i] = model.ColorBand{
			Value: f(base),
			Color: model.RGBA{
				R: f(base + bandColorOffset),
				G: f(base + bandColorOffset + 4),
				B: f(base + bandColorOffset + 8),
				A: f(base + bandColorOffset + 12),
			},
		}
	}
	return u, nil
}
