// Package soft is a CPU render.Device. It rasterizes the mesh programs with
// the same color rules as the generated WGSL, so frames can be rendered and
// tested without a GPU.
package soft

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"

	"github.com/signalsfoundry/dfsu-stream/internal/codec"
	"github.com/signalsfoundry/dfsu-stream/internal/render"
	"github.com/signalsfoundry/dfsu-stream/model"
)

var (
	// ErrStale is returned when drawing with a resource from an earlier
	// epoch or one that was released.
	ErrStale = errors.New("soft: stale resource")
	// ErrInvalidSize is returned for a non-positive target size.
	ErrInvalidSize = errors.New("soft: invalid target size")
)

// Options configures a Device.
type Options struct {
	Width, Height int
	Background    model.RGBA
	// CompileSPIRV also compiles every program to SPIR-V, validating the
	// WGSL as a GPU backend would.
	CompileSPIRV bool
}

// Stats counts rasterizer work.
type Stats struct {
	Draws     int
	Triangles int
	Fragments int
}

type program struct {
	desc     render.ProgramDescriptor
	spirv    []uint32
	epoch    uint64
	released bool
}

func (p *program) Descriptor() render.ProgramDescriptor { return p.desc }

// SPIRV returns the compiled words, empty unless CompileSPIRV was set.
func (p *program) SPIRV() []uint32 { return p.spirv }

type buffer struct {
	label    string
	data     []float32
	epoch    uint64
	released bool
}

func (b *buffer) Label() string { return b.label }
func (b *buffer) Size() int     { return 4 * len(b.data) }

// Device renders into an in-memory RGBA image.
type Device struct {
	mu    sync.Mutex
	opts  Options
	img   *image.RGBA
	epoch uint64
	stats Stats
}

var _ render.Device = (*Device)(nil)

// New returns a device with a cleared target.
func New(opts Options) (*Device, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, opts.Width, opts.Height)
	}
	d := &Device{opts: opts, img: image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))}
	d.clearLocked()
	return d, nil
}

// Size returns the target size.
func (d *Device) Size() (int, int) { return d.opts.Width, d.opts.Height }

func (d *Device) CompileProgram(desc render.ProgramDescriptor) (render.Program, error) {
	wantLayouts := 2
	if desc.Variant == render.VariantSplit {
		wantLayouts = 1
	}
	switch {
	case desc.Variant != render.VariantField && desc.Variant != render.VariantSplit:
		return nil, fmt.Errorf("%w: unknown variant %d", render.ErrShaderCompile, int(desc.Variant))
	case desc.BandCount < render.MinBands:
		return nil, fmt.Errorf("%w: %d bands", render.ErrShaderCompile, desc.BandCount)
	case desc.WGSL == "":
		return nil, fmt.Errorf("%w: empty program text", render.ErrShaderCompile)
	case len(desc.VertexLayouts) != wantLayouts:
		return nil, fmt.Errorf("%w: %d vertex layouts for %s", render.ErrShaderCompile, len(desc.VertexLayouts), desc.Variant)
	}

	p := &program{desc: desc}
	if d.opts.CompileSPIRV {
		words, err := render.CompileWGSL(desc.WGSL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", desc.Label, err)
		}
		p.spirv = words
	}

	d.mu.Lock()
	p.epoch = d.epoch
	d.mu.Unlock()
	return p, nil
}

func (d *Device) CreateBuffer(label string, usage gputypes.BufferUsage, data []byte) (render.Buffer, error) {
	if usage&gputypes.BufferUsageVertex == 0 {
		return nil, fmt.Errorf("buffer %s: only vertex buffers are supported", label)
	}
	values, err := codec.BytesToFloat32s(data)
	if err != nil {
		return nil, fmt.Errorf("buffer %s: %w", label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &buffer{label: label, data: values, epoch: d.epoch}, nil
}

func (d *Device) Release(resource any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch r := resource.(type) {
	case *program:
		if r.epoch == d.epoch {
			r.released = true
		}
	case *buffer:
		if r.epoch == d.epoch {
			r.released = true
			r.data = nil
		}
	}
}

func (d *Device) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

// Reset simulates context loss: every resource is invalidated and the
// target is cleared.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epoch++
	d.clearLocked()
}

// Clear fills the target with the background color.
func (d *Device) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

// Stats returns the work counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Snapshot returns a copy of the target.
func (d *Device) Snapshot() *image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := image.NewRGBA(d.img.Rect)
	copy(out.Pix, d.img.Pix)
	return out
}

func (d *Device) Draw(call render.DrawCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := call.Program.(*program)
	if !ok || p.released || p.epoch != d.epoch {
		return fmt.Errorf("%w: program", ErrStale)
	}
	u, err := render.ParseUniforms(call.Uniforms, p.desc.BandCount)
	if err != nil {
		return err
	}
	if len(call.VertexBuffers) != len(p.desc.VertexLayouts) {
		return fmt.Errorf("%w: %d vertex buffers for %d layouts",
			render.ErrAttributeMismatch, len(call.VertexBuffers), len(p.desc.VertexLayouts))
	}
	bufs := make([][]float32, len(call.VertexBuffers))
	for i, vb := range call.VertexBuffers {
		b, ok := vb.(*buffer)
		if !ok || b.released || b.epoch != d.epoch {
			return fmt.Errorf("%w: vertex buffer %d", ErrStale, i)
		}
		bufs[i] = b.data
	}

	n := call.VertexCount - call.VertexCount%3
	if 3*n > len(bufs[0]) {
		return fmt.Errorf("%w: %d vertices, positions hold %d", render.ErrAttributeMismatch, n, len(bufs[0])/3)
	}
	var values []float32
	if p.desc.Variant == render.VariantField {
		values = bufs[1]
		if n > len(values) {
			return fmt.Errorf("%w: %d vertices, values hold %d", render.ErrAttributeMismatch, n, len(values))
		}
	}

	for v := 0; v < n; v += 3 {
		var tri [3]vertex
		for k := range tri {
			tri[k] = d.shade(p.desc.Variant, u, bufs[0][3*(v+k):], values, v+k)
		}
		d.rasterize(p.desc.Variant, u, tri)
		d.stats.Triangles++
	}
	d.stats.Draws++
	return nil
}

// vertex is a vertex after the vertex stage, in pixel coordinates.
type vertex struct {
	x, y float32
	attr float32
}

func (d *Device) shade(variant render.Variant, u render.Uniforms, pos, values []float32, idx int) vertex {
	x, y, z := pos[0], pos[1], pos[2]
	depth := z
	var attr float32
	if variant == render.VariantField {
		attr = values[idx]
		if u.ShowDepth && attr != model.SentinelValue {
			depth = attr * u.DepthScale
		}
	} else {
		attr = z
		if u.ShowDepth {
			depth = z * u.DepthScale
		}
	}

	m := u.ViewProj
	cx := m[0]*x + m[4]*y + m[8]*depth + m[12]
	cy := m[1]*x + m[5]*y + m[9]*depth + m[13]
	cw := m[3]*x + m[7]*y + m[11]*depth + m[15]
	if cw == 0 {
		cw = 1
	}
	w, h := float32(d.opts.Width), float32(d.opts.Height)
	return vertex{
		x:    (cx/cw + 1) / 2 * w,
		y:    (1 - cy/cw) / 2 * h,
		attr: attr,
	}
}

func (d *Device) rasterize(variant render.Variant, u render.Uniforms, t [3]vertex) {
	area := edge(t[0], t[1], t[2].x, t[2].y)
	if area == 0 {
		return
	}
	minX := int(math32.Max(math32.Floor(math32.Min(t[0].x, math32.Min(t[1].x, t[2].x))), 0))
	maxX := int(math32.Min(math32.Ceil(math32.Max(t[0].x, math32.Max(t[1].x, t[2].x))), float32(d.opts.Width-1)))
	minY := int(math32.Max(math32.Floor(math32.Min(t[0].y, math32.Min(t[1].y, t[2].y))), 0))
	maxY := int(math32.Min(math32.Ceil(math32.Max(t[0].y, math32.Max(t[1].y, t[2].y))), float32(d.opts.Height-1)))

	for py := minY; py <= maxY; py++ {
		fy := float32(py) + 0.5
		for px := minX; px <= maxX; px++ {
			fx := float32(px) + 0.5
			w0 := edge(t[1], t[2], fx, fy) / area
			w1 := edge(t[2], t[0], fx, fy) / area
			w2 := edge(t[0], t[1], fx, fy) / area
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}

			var c model.RGBA
			if variant == render.VariantField {
				// flat: the first vertex provokes
				c = render.MapColor(t[0].attr, u.Bands)
			} else {
				a := w0*t[0].attr + w1*t[1].attr + w2*t[2].attr
				c = render.SplitColor(fx, u.PointerX, u.ScreenWidth, a, a, u.Bands)
			}
			d.img.SetRGBA(px, py, toRGBA8(render.Clamp01(c)))
			d.stats.Fragments++
		}
	}
}

func edge(a, b vertex, x, y float32) float32 {
	return (b.x-a.x)*(y-a.y) - (b.y-a.y)*(x-a.x)
}

func toRGBA8(c model.RGBA) color.RGBA {
	q := func(v float32) uint8 { return uint8(v*255 + 0.5) }
	// image.RGBA holds premultiplied alpha.
	return color.RGBA{R: q(c.R * c.A), G: q(c.G * c.A), B: q(c.B * c.A), A: q(c.A)}
}

func (d *Device) clearLocked() {
	bg := toRGBA8(render.Clamp01(d.opts.Background))
	for i := 0; i < len(d.img.Pix); i += 4 {
		d.img.Pix[i], d.img.Pix[i+1], d.img.Pix[i+2], d.img.Pix[i+3] = bg.R, bg.G, bg.B, bg.A
	}
}
