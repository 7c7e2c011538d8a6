package render

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/signalsfoundry/dfsu-stream/internal/codec"
	"github.com/signalsfoundry/dfsu-stream/model"
)

// Props is everything a MeshLayer draws from. Change detection compares
// generations, never slice identity.
type Props struct {
	// Positions holds xyz per vertex, three vertices per triangle.
	Positions VersionedBuffer
	// Values holds one value per vertex. Ignored by VariantSplit.
	Values  VersionedBuffer
	Bands   model.BandSet
	Variant Variant
}

// Pass is one draw request.
type Pass struct {
	View     model.ViewState
	Viewport Viewport
	Picking  bool
}

// Layer is a drawable layer.
type Layer interface {
	BindAttributes(props Props) error
	ComputeUniforms(view model.ViewState, vp Viewport) ([]byte, error)
	Draw(pass Pass) error
	Pickable() bool
	Dispose()
}

// LayerState is the lifecycle state of a MeshLayer.
type LayerState int

const (
	StateUninitialized LayerState = iota
	StateReady
	StateDisposed
)

func (s LayerState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// LayerStats counts device work done by a layer.
type LayerStats struct {
	Compiles        int
	PositionUploads int
	ValueUploads    int
	Draws           int
	Rebuilds        int
}

type programKey struct {
	variant     Variant
	bandGen     uint64
	bandCount   int
	initialized bool
}

// MeshLayer draws a mesh colored by a scalar field. It is safe for
// concurrent use; device calls are serialized by the layer.
type MeshLayer struct {
	mu     sync.Mutex
	device Device
	label  string

	state LayerState
	fatal error
	props Props
	epoch uint64

	program   Program
	key       programKey
	positions Buffer
	values    Buffer
	posGen    uint64
	valGen    uint64

	stats LayerStats
}

var _ Layer = (*MeshLayer)(nil)

// NewMeshLayer returns an uninitialized layer drawing on device.
func NewMeshLayer(device Device, label string) *MeshLayer {
	if label == "" {
		label = "dfsu-mesh"
	}
	return &MeshLayer{device: device, label: label}
}

// State returns the lifecycle state.
func (l *MeshLayer) State() LayerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns a snapshot of the work counters.
func (l *MeshLayer) Stats() LayerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Pickable is always false; the layer has no picking program.
func (l *MeshLayer) Pickable() bool { return false }

// BindAttributes uploads whatever changed since the last call: the program
// when the variant or band set changed, each buffer when its generation
// changed, and everything after device context loss.
func (l *MeshLayer) BindAttributes(props Props) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	if err := validateProps(props); err != nil {
		return err
	}
	l.props = props
	return l.syncLocked()
}

// ComputeUniforms packs the uniform block for view on vp using the bound
// bands.
func (l *MeshLayer) ComputeUniforms(view model.ViewState, vp Viewport) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return nil, err
	}
	if l.state != StateReady {
		return nil, ErrNoProgram
	}
	return l.uniformsLocked(view, vp), nil
}

// Draw issues one draw of the bound mesh. Picking passes draw nothing.
func (l *MeshLayer) Draw(pass Pass) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	if pass.Picking {
		return nil
	}
	if l.state != StateReady || l.program == nil {
		return ErrNoProgram
	}
	if l.device.Epoch() != l.epoch {
		if err := l.syncLocked(); err != nil {
			return err
		}
	}

	buffers := []Buffer{l.positions}
	if l.props.Variant == VariantField {
		buffers = append(buffers, l.values)
	}
	err := l.device.Draw(DrawCall{
		Program:       l.program,
		VertexBuffers: buffers,
		Uniforms:      l.uniformsLocked(pass.View, pass.Viewport),
		VertexCount:   len(l.props.Positions.Data) / 3,
		Viewport:      pass.Viewport,
	})
	if err != nil {
		return fmt.Errorf("draw %s: %w", l.label, err)
	}
	l.stats.Draws++
	return nil
}

// Dispose releases every device resource. Later calls return ErrDisposed,
// or the compile error if the layer was disposed by one; disposing twice
// is a no-op.
func (l *MeshLayer) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDisposed {
		return
	}
	l.releaseAllLocked()
	l.state = StateDisposed
}

func (l *MeshLayer) usable() error {
	if l.state != StateDisposed {
		return nil
	}
	if l.fatal != nil {
		return l.fatal
	}
	return ErrDisposed
}

func (l *MeshLayer) syncLocked() error {
	if epoch := l.device.Epoch(); epoch != l.epoch {
		if l.program != nil || l.positions != nil || l.values != nil {
			l.stats.Rebuilds++
		}
		// Resources from the old context are gone; drop them unreleased.
		l.program, l.positions, l.values = nil, nil, nil
		l.key = programKey{}
		l.epoch = epoch
	}

	if err := l.syncProgramLocked(); err != nil {
		return err
	}

	p := l.props
	if l.positions == nil || l.posGen != p.Positions.Generation {
		buf, err := l.upload("positions", p.Positions.Data, l.positions)
		if err != nil {
			return err
		}
		l.positions, l.posGen = buf, p.Positions.Generation
		l.stats.PositionUploads++
	}

	if p.Variant == VariantField {
		if l.values == nil || l.valGen != p.Values.Generation {
			buf, err := l.upload("values", p.Values.Data, l.values)
			if err != nil {
				return err
			}
			l.values, l.valGen = buf, p.Values.Generation
			l.stats.ValueUploads++
		}
	} else if l.values != nil {
		l.device.Release(l.values)
		l.values = nil
	}

	l.state = StateReady
	return nil
}

func (l *MeshLayer) syncProgramLocked() error {
	want := programKey{
		variant:     l.props.Variant,
		bandGen:     l.props.Bands.Generation,
		bandCount:   len(l.props.Bands.Bands),
		initialized: true,
	}
	if l.program != nil && l.key == want {
		return nil
	}

	desc, err := ProgramFor(want.variant, want.bandCount)
	if err == nil {
		desc.Label = l.label + "-" + desc.Label
		var prog Program
		if prog, err = l.device.CompileProgram(desc); err == nil {
			if l.program != nil {
				l.device.Release(l.program)
			}
			l.program, l.key = prog, want
			l.stats.Compiles++
			return nil
		}
	}

	if errors.Is(err, ErrShaderCompile) {
		l.fatal = fmt.Errorf("%s: %w", l.label, err)
	} else {
		l.fatal = fmt.Errorf("%s: %w: %w", l.label, ErrShaderCompile, err)
	}
	// A compile failure is fatal: the layer is disposed and keeps the cause.
	l.releaseAllLocked()
	l.state = StateDisposed
	return l.fatal
}

func (l *MeshLayer) upload(name string, data []float32, old Buffer) (Buffer, error) {
	usage := gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst
	buf, err := l.device.CreateBuffer(l.label+"-"+name, usage, codec.Float32sToBytes(data))
	if err != nil {
		return nil, fmt.Errorf("upload %s %s: %w", l.label, name, err)
	}
	if old != nil {
		l.device.Release(old)
	}
	return buf, nil
}

func (l *MeshLayer) uniformsLocked(view model.ViewState, vp Viewport) []byte {
	return Uniforms{
		ViewProj:    vp.ViewProj,
		ScreenWidth: float32(vp.Width),
		PointerX:    view.PointerX,
		ShowDepth:   view.DepthExaggeration,
		DepthScale:  view.DepthScale,
		Bands:       l.props.Bands.Bands,
	}.Pack()
}

func (l *MeshLayer) releaseAllLocked() {
	for _, r := range []any{l.program, l.positions, l.values} {
		if r != nil {
			l.device.Release(r)
		}
	}
	l.program, l.positions, l.values = nil, nil, nil
}

func validateProps(p Props) error {
	if p.Variant != VariantField && p.Variant != VariantSplit {
		return fmt.Errorf("unknown variant %d", int(p.Variant))
	}
	if err := model.ValidateBands(p.Bands.Bands); err != nil {
		return err
	}
	if len(p.Bands.Bands) < MinBands {
		return fmt.Errorf("%w: %d band, need at least %d", model.ErrInvalidBands, len(p.Bands.Bands), MinBands)
	}
	n := len(p.Positions.Data)
	if n%9 != 0 {
		return fmt.Errorf("%w: %d position floats is not whole triangles", ErrAttributeMismatch, n)
	}
	if p.Variant == VariantField && len(p.Values.Data) != n/3 {
		return fmt.Errorf("%w: %d values for %d vertices", ErrAttributeMismatch, len(p.Values.Data), n/3)
	}
	return nil
}
