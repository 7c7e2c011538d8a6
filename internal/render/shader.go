package render

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"

	"github.com/signalsfoundry/dfsu-stream/model"
)

//go:embed shaders/mesh.wgsl.tmpl
var meshTemplateSource string

var meshTemplate = template.Must(template.New("mesh.wgsl").Parse(meshTemplateSource))

// Shader entry points of the generated program.
const (
	VertexEntry   = "vs_main"
	FragmentEntry = "fs_main"
)

// MinBands is the smallest band count a program can be generated for.
const MinBands = 2

const (
	positionStride = 12
	valueStride    = 4
)

type bandSegment struct{ Lo, Hi int }

type shaderParams struct {
	Variant          string
	BandCount        int
	Sentinel         string
	DividerHalfWidth string
	VertexEntry      string
	FragmentEntry    string
	Segments         []bandSegment
	Last             bandSegment
}

// GenerateWGSL returns the program text for variant with bandCount bands.
// The band array length is fixed in the text, so a new band count needs a
// new program.
func GenerateWGSL(variant Variant, bandCount int) (string, error) {
	if variant != VariantField && variant != VariantSplit {
		return "", fmt.Errorf("%w: unknown variant %d", ErrShaderCompile, int(variant))
	}
	if bandCount < MinBands {
		return "", fmt.Errorf("%w: %d bands, need at least %d", ErrShaderCompile, bandCount, MinBands)
	}

	p := shaderParams{
		Variant:          variant.String(),
		BandCount:        bandCount,
		Sentinel:         wgslFloat(model.SentinelValue),
		DividerHalfWidth: wgslFloat(DividerHalfWidth),
		VertexEntry:      VertexEntry,
		FragmentEntry:    FragmentEntry,
		Last:             bandSegment{Lo: bandCount - 2, Hi: bandCount - 1},
	}
	for i := 0; i < bandCount-1; i++ {
		p.Segments = append(p.Segments, bandSegment{Lo: i, Hi: i + 1})
	}

	var sb strings.Builder
	if err := meshTemplate.Execute(&sb, p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrShaderCompile, err)
	}
	return sb.String(), nil
}

// CompileWGSL compiles WGSL text to SPIR-V words for devices that consume
// SPIR-V.
func CompileWGSL(src string) ([]uint32, error) {
	spirv, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShaderCompile, err)
	}
	if len(spirv)%4 != 0 {
		return nil, fmt.Errorf("%w: SPIR-V length %d is not word aligned", ErrShaderCompile, len(spirv))
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[4*i:])
	}
	return words, nil
}

// ProgramFor returns the descriptor of the program for variant and
// bandCount. Compiling the WGSL is left to the Device.
func ProgramFor(variant Variant, bandCount int) (ProgramDescriptor, error) {
	src, err := GenerateWGSL(variant, bandCount)
	if err != nil {
		return ProgramDescriptor{}, err
	}
	return ProgramDescriptor{
		Label:         fmt.Sprintf("dfsu-mesh-%s-%d", variant, bandCount),
		Variant:       variant,
		BandCount:     bandCount,
		WGSL:          src,
		VertexEntry:   VertexEntry,
		FragmentEntry: FragmentEntry,
		VertexLayouts: VertexLayouts(variant),
		Primitive:     MeshPrimitive(),
	}, nil
}

// VertexLayouts describes the vertex buffers of variant: positions in
// buffer 0 and, for the field variant, per-vertex values in buffer 1.
func VertexLayouts(variant Variant) []gputypes.VertexBufferLayout {
	layouts := []gputypes.VertexBufferLayout{
		{
			ArrayStride: positionStride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0}, // position
			},
		},
	}
	if variant == VariantField {
		layouts = append(layouts, gputypes.VertexBufferLayout{
			ArrayStride: valueStride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32, Offset: 0, ShaderLocation: 1}, // value
			},
		})
	}
	return layouts
}

// MeshPrimitive is a non-indexed triangle list without culling.
func MeshPrimitive() gputypes.PrimitiveState {
	return gputypes.PrimitiveState{
		Topology: gputypes.PrimitiveTopologyTriangleList,
		CullMode: gputypes.CullModeNone,
	}
}

func wgslFloat(v float32) string {
	s := strconv.FormatFloat(float64(v), 'g', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
