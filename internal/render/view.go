package render

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/signalsfoundry/dfsu-stream/core"
)

// Viewport is the render target size and the camera transform.
type Viewport struct {
	Width, Height int
	ViewProj      [16]float32 // column-major
}

// Bounds is the axis-aligned extent of a position buffer.
type Bounds struct {
	MinX, MinY, MinZ float32
	MaxX, MaxY, MaxZ float32
}

// BoundsOf returns the extent of xyz triples. Empty input yields zero
// bounds.
func BoundsOf(positions []float32) Bounds {
	if len(positions) < 3 {
		return Bounds{}
	}
	b := Bounds{
		MinX: positions[0], MaxX: positions[0],
		MinY: positions[1], MaxY: positions[1],
		MinZ: positions[2], MaxZ: positions[2],
	}
	for i := 3; i+2 < len(positions); i += 3 {
		x, y, z := positions[i], positions[i+1], positions[i+2]
		b.MinX, b.MaxX = math32.Min(b.MinX, x), math32.Max(b.MaxX, x)
		b.MinY, b.MaxY = math32.Min(b.MinY, y), math32.Max(b.MaxY, y)
		b.MinZ, b.MaxZ = math32.Min(b.MinZ, z), math32.Max(b.MaxZ, z)
	}
	return b
}

// ObliqueViewProj fits b into clip space for a target of the given aspect
// (width / height), keeping the mesh undistorted. Depth lifts a vertex up
// the screen by tilt clip units per scene unit along y, so exaggerated depth
// reads as relief. Clip z is constant; draws are painter-ordered.
func ObliqueViewProj(b Bounds, aspect, tilt float32) [16]float32 {
	w := b.MaxX - b.MinX
	h := b.MaxY - b.MinY
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	if aspect <= 0 {
		aspect = 1
	}

	var sx, sy float32
	if w/h > aspect {
		sx = 2 / w
		sy = sx * aspect
	} else {
		sy = 2 / h
		sx = sy / aspect
	}
	cx := (b.MinX + b.MaxX) / 2
	cy := (b.MinY + b.MaxY) / 2

	var m [16]float32
	m[0] = sx
	m[5] = sy
	m[9] = sy * tilt
	m[12] = -cx * sx
	m[13] = -cy * sy
	m[14] = 0.5
	m[15] = 1
	return m
}

// VersionedBuffer is attribute data tagged with a generation. A layer
// re-uploads a buffer only when its generation changes.
type VersionedBuffer struct {
	Generation uint64
	Data       []float32
}

// TimestepValues returns the per-vertex values of timestep t, tagged with a
// generation unique to (meshGeneration, t).
func TimestepValues(series core.ScalarFieldSeries, t int, meshGeneration uint32) (VersionedBuffer, error) {
	values, err := series.Timestep(t)
	if err != nil {
		return VersionedBuffer{}, fmt.Errorf("timestep values: %w", err)
	}
	return VersionedBuffer{
		Generation: uint64(meshGeneration)<<32 | uint64(t+1),
		Data:       core.ExpandPerVertex(values),
	}, nil
}
