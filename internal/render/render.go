// Package render draws a colored triangle mesh: a layer that binds vertex
// positions and per-vertex scalar values, packs the uniform block and issues
// draws on a Device. The color mapping runs in a generated WGSL program;
// MapColor and SplitColor are its CPU reference.
package render

import (
	"errors"

	"github.com/gogpu/gputypes"
)

var (
	// ErrNoProgram is returned when drawing before a program is compiled.
	ErrNoProgram = errors.New("render: no compiled program")
	// ErrDisposed is returned for any use of a disposed layer.
	ErrDisposed = errors.New("render: layer disposed")
	// ErrShaderCompile wraps shader generation and compilation failures.
	// A layer that hit it cannot recover.
	ErrShaderCompile = errors.New("render: shader compile failed")
	// ErrAttributeMismatch is returned when attribute lengths disagree.
	ErrAttributeMismatch = errors.New("render: attribute length mismatch")
)

// Variant selects the fragment program.
type Variant int

const (
	// VariantField colors each triangle by its scalar value.
	VariantField Variant = iota
	// VariantSplit colors by vertex depth on both sides of a divider at the
	// pointer. Both sides read position.z.
	VariantSplit
)

func (v Variant) String() string {
	switch v {
	case VariantField:
		return "field"
	case VariantSplit:
		return "split"
	default:
		return "unknown"
	}
}

// Program is a compiled shader program owned by a Device.
type Program interface {
	Descriptor() ProgramDescriptor
}

// Buffer is a GPU buffer owned by a Device.
type Buffer interface {
	Label() string
	Size() int
}

// ProgramDescriptor is everything a Device needs to build a pipeline.
type ProgramDescriptor struct {
	Label         string
	Variant       Variant
	BandCount     int
	WGSL          string
	VertexEntry   string
	FragmentEntry string
	VertexLayouts []gputypes.VertexBufferLayout
	Primitive     gputypes.PrimitiveState
}

// DrawCall is one non-indexed draw.
type DrawCall struct {
	Program       Program
	VertexBuffers []Buffer
	Uniforms      []byte
	VertexCount   int
	Viewport      Viewport
}

// Device is the GPU abstraction the layer draws through.
type Device interface {
	CompileProgram(desc ProgramDescriptor) (Program, error)
	CreateBuffer(label string, usage gputypes.BufferUsage, data []byte) (Buffer, error)
	Draw(call DrawCall) error
	// Release frees a program or buffer. Releasing a resource from an
	// earlier epoch is a no-op.
	Release(resource any)
	// Epoch changes whenever the device context is lost and recreated;
	// every resource from an earlier epoch is invalid.
	Epoch() uint64
}
