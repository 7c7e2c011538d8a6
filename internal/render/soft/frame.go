package soft

import (
	"fmt"
	"image"
	"io"

	"github.com/gogpu/gg"

	"github.com/signalsfoundry/dfsu-stream/model"
)

// LegendOptions places the color legend.
type LegendOptions struct {
	Swatch float64 // swatch edge in pixels
	Margin float64
	// NoData adds a neutral gray swatch below the bands.
	NoData bool
}

// DefaultLegend is a bottom-right legend with 12px swatches.
func DefaultLegend() LegendOptions {
	return LegendOptions{Swatch: 12, Margin: 8, NoData: true}
}

// Frame is a rendered image with 2D overlays on top.
type Frame struct {
	dc *gg.Context
}

// Frame captures the current target for overlays and encoding.
func (d *Device) Frame() *Frame {
	return &Frame{dc: gg.NewContextForImage(d.Snapshot())}
}

// DrawLegend draws one swatch per band, lowest threshold at the bottom,
// in the bottom-right corner.
func (f *Frame) DrawLegend(bands []model.ColorBand, opts LegendOptions) error {
	if opts.Swatch <= 0 {
		opts.Swatch = DefaultLegend().Swatch
	}
	swatches := make([]model.RGBA, 0, len(bands)+1)
	if opts.NoData {
		swatches = append(swatches, model.NeutralGray)
	}
	for _, b := range bands {
		swatches = append(swatches, b.Color)
	}

	x := float64(f.dc.Width()) - opts.Margin - opts.Swatch
	y := float64(f.dc.Height()) - opts.Margin
	for i, c := range swatches {
		f.dc.DrawRectangle(x, y-float64(i+1)*opts.Swatch, opts.Swatch, opts.Swatch)
		f.dc.SetRGBA(float64(c.R), float64(c.G), float64(c.B), float64(c.A))
		if err := f.dc.Fill(); err != nil {
			return fmt.Errorf("legend swatch %d: %w", i, err)
		}
	}
	return nil
}

// Image returns the composed frame.
func (f *Frame) Image() image.Image { return f.dc.Image() }

// EncodePNG writes the frame as PNG.
func (f *Frame) EncodePNG(w io.Writer) error { return f.dc.EncodePNG(w) }

// SavePNG writes the frame to path.
func (f *Frame) SavePNG(path string) error {
	if err := f.dc.SavePNG(path); err != nil {
		return fmt.Errorf("save frame %s: %w", path, err)
	}
	return nil
}

// Close releases the drawing context.
func (f *Frame) Close() error { return f.dc.Close() }
